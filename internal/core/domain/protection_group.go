package domain

import "fmt"

// ProtectionGroup is a named set of source servers sharing a recovery
// configuration. Membership is either an explicit server-ID set or a tag
// predicate, never both.
type ProtectionGroup struct {
	ID        string `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	Region    string `json:"region" db:"region"`
	AccountID string `json:"account_id" db:"account_id"`

	// Explicit membership. Mutually exclusive with TagKey/TagValue.
	ServerIDs []string `json:"server_ids,omitempty"`

	// Tag predicate membership, resolved against live inventory.
	TagKey   string `json:"tag_key,omitempty" db:"tag_key"`
	TagValue string `json:"tag_value,omitempty" db:"tag_value"`

	Launch LaunchConfig `json:"launch"`

	Version   int64 `json:"version" db:"version"`
	CreatedAt int64 `json:"created_at" db:"created_at"`
	UpdatedAt int64 `json:"updated_at" db:"updated_at"`
}

// LaunchConfig holds per-group launch settings applied to recovered
// instances.
type LaunchConfig struct {
	SubnetID         string   `json:"subnet_id,omitempty"`
	SecurityGroupIDs []string `json:"security_group_ids,omitempty"`
	InstanceProfile  string   `json:"instance_profile,omitempty"`
	InstanceType     string   `json:"instance_type,omitempty"`
	CopySourceTags   bool     `json:"copy_source_tags"`
}

// UsesTagSelection reports whether membership is tag-resolved.
func (g *ProtectionGroup) UsesTagSelection() bool {
	return g.TagKey != ""
}

// Validate enforces the explicit-XOR-tag membership rule.
func (g *ProtectionGroup) Validate() error {
	if g.ID == "" {
		return &ValidationError{Field: "id", Reason: "protection group id is required"}
	}
	if g.Region == "" {
		return &ValidationError{Field: "region", Reason: "protection group region is required"}
	}
	explicit := len(g.ServerIDs) > 0
	tagged := g.UsesTagSelection()
	if explicit && tagged {
		return &ValidationError{
			Field:  "server_ids",
			Reason: fmt.Sprintf("group %s declares both explicit servers and a tag predicate", g.ID),
		}
	}
	if !explicit && !tagged {
		return &ValidationError{
			Field:  "server_ids",
			Reason: fmt.Sprintf("group %s has no server selection", g.ID),
		}
	}
	return nil
}
