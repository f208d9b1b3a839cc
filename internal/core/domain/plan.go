package domain

import "fmt"

// Wave is one ordered step of a recovery plan, mapping to one protection
// group. Waves run strictly sequentially by number.
type Wave struct {
	Number            int    `json:"number"`
	ProtectionGroupID string `json:"protection_group_id"`
	PauseBefore       bool   `json:"pause_before"`
}

// RecoveryPlan is an ordered list of waves.
type RecoveryPlan struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Waves []Wave `json:"waves"`

	Version   int64 `json:"version" db:"version"`
	CreatedAt int64 `json:"created_at" db:"created_at"`
	UpdatedAt int64 `json:"updated_at" db:"updated_at"`
}

// Validate checks that wave numbers are unique and form a total order and
// that every wave references a protection group.
func (p *RecoveryPlan) Validate() error {
	if p.ID == "" {
		return &ValidationError{Field: "id", Reason: "plan id is required"}
	}
	if len(p.Waves) == 0 {
		return &ValidationError{Field: "waves", Reason: fmt.Sprintf("plan %s has no waves", p.ID)}
	}
	seen := make(map[int]bool, len(p.Waves))
	prev := 0
	for i, w := range p.Waves {
		if w.ProtectionGroupID == "" {
			return &ValidationError{
				Field:  "waves",
				Reason: fmt.Sprintf("wave %d has no protection group", w.Number),
			}
		}
		if seen[w.Number] {
			return &ValidationError{
				Field:  "waves",
				Reason: fmt.Sprintf("duplicate wave number %d in plan %s", w.Number, p.ID),
			}
		}
		seen[w.Number] = true
		if i > 0 && w.Number <= prev {
			return &ValidationError{
				Field:  "waves",
				Reason: fmt.Sprintf("wave numbers out of order at %d in plan %s", w.Number, p.ID),
			}
		}
		prev = w.Number
	}
	return nil
}
