// Package conflict validates that no server is claimed by two protection
// groups and that plan reference graphs are acyclic. All checks run
// synchronously at admission time; nothing here mutates state.
package conflict

import (
	"sort"

	"github.com/drwave/drwave/internal/core/domain"
)

// InventoryServer is the slice of live inventory the detector needs to
// resolve tag predicates.
type InventoryServer struct {
	ID   string
	Tags map[string]string
}

// Overlap describes one pair of groups claiming the same servers.
type Overlap struct {
	GroupID   string   `json:"group_id"`
	OtherID   string   `json:"other_id"`
	ServerIDs []string `json:"server_ids"`
}

// Result is the outcome of a server-conflict check.
type Result struct {
	Conflicts []Overlap `json:"conflicts,omitempty"`
}

// OK reports whether no conflicts were found.
func (r Result) OK() bool { return len(r.Conflicts) == 0 }

// Err converts a non-OK result into a *domain.ConflictError for the first
// overlap found.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	c := r.Conflicts[0]
	return &domain.ConflictError{
		Reason:    "server claimed by multiple protection groups",
		ServerIDs: c.ServerIDs,
		GroupID:   c.GroupID,
		OtherID:   c.OtherID,
	}
}

// Detector performs admission-time conflict checks.
type Detector struct{}

// New creates a detector.
func New() *Detector { return &Detector{} }

// ResolveMembers returns the group's server IDs: the explicit set, or the
// tag predicate evaluated against inventory.
func (d *Detector) ResolveMembers(group *domain.ProtectionGroup, inventory []InventoryServer) []string {
	if !group.UsesTagSelection() {
		out := make([]string, len(group.ServerIDs))
		copy(out, group.ServerIDs)
		return out
	}
	var out []string
	for _, srv := range inventory {
		if srv.Tags[group.TagKey] == group.TagValue {
			out = append(out, srv.ID)
		}
	}
	return out
}

// CheckServerConflicts resolves the candidate's membership and reports
// every server it shares with any of the existing groups, with both group
// identities for diagnostics.
func (d *Detector) CheckServerConflicts(
	candidate *domain.ProtectionGroup,
	existing []*domain.ProtectionGroup,
	inventory []InventoryServer,
) Result {
	candidateSet := make(map[string]bool)
	for _, id := range d.ResolveMembers(candidate, inventory) {
		candidateSet[id] = true
	}

	var result Result
	for _, other := range existing {
		if other.ID == candidate.ID {
			continue
		}
		var shared []string
		for _, id := range d.ResolveMembers(other, inventory) {
			if candidateSet[id] {
				shared = append(shared, id)
			}
		}
		if len(shared) > 0 {
			sort.Strings(shared)
			result.Conflicts = append(result.Conflicts, Overlap{
				GroupID:   candidate.ID,
				OtherID:   other.ID,
				ServerIDs: shared,
			})
		}
	}
	return result
}

// HasCircularDependencies walks the wave-to-protection-group reference
// graph of the given plans. Within one plan wave order is numeric and
// total, so cycles can only arise when a group shared across plans gates
// two plans against each other. Standard visited/in-progress DFS; true on
// the first back edge.
func (d *Detector) HasCircularDependencies(plans []*domain.RecoveryPlan) bool {
	// Nodes are protection group IDs; each plan contributes an edge from
	// every wave's group to the next wave's group.
	edges := make(map[string][]string)
	for _, p := range plans {
		for i := 0; i+1 < len(p.Waves); i++ {
			from := p.Waves[i].ProtectionGroupID
			to := p.Waves[i+1].ProtectionGroupID
			if from == to {
				return true // a group cannot gate itself
			}
			edges[from] = append(edges[from], to)
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)

	var visit func(node string) bool
	visit = func(node string) bool {
		state[node] = inStack
		for _, next := range edges[node] {
			switch state[next] {
			case inStack:
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		state[node] = done
		return false
	}

	for node := range edges {
		if state[node] == unvisited && visit(node) {
			return true
		}
	}
	return false
}
