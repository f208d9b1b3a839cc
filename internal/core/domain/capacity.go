package domain

import "time"

// AccountType distinguishes the primary (workload) account from secondary
// staging accounts.
type AccountType string

const (
	AccountPrimary   AccountType = "primary"
	AccountSecondary AccountType = "secondary"
)

// CapacityStatus classifies replication utilisation against the per-region
// replicating-server limit.
type CapacityStatus string

const (
	CapacityOK            CapacityStatus = "OK"
	CapacityInfo          CapacityStatus = "INFO"
	CapacityWarning       CapacityStatus = "WARNING"
	CapacityCritical      CapacityStatus = "CRITICAL"
	CapacityHyperCritical CapacityStatus = "HYPER_CRITICAL"
)

// RegionCapacity is a point-in-time read of one (account, region) pair.
type RegionCapacity struct {
	Region                   string         `json:"region"`
	TotalServers             int            `json:"total_servers"`
	ActiveReplicatingServers int            `json:"active_replicating_servers"`
	PercentUsed              float64        `json:"percent_used"`
	Status                   CapacityStatus `json:"status"`
	QueryFailed              bool           `json:"query_failed,omitempty"`
	Error                    string         `json:"error,omitempty"`
}

// AccountCapacitySnapshot aggregates region capacity for one account.
// Snapshots are recomputed on every query and never persisted as
// authoritative state.
type AccountCapacitySnapshot struct {
	AccountID   string           `json:"account_id"`
	AccountType AccountType      `json:"account_type"`
	Regions     []RegionCapacity `json:"regions"`
	PercentUsed float64          `json:"percent_used"`
	Status      CapacityStatus   `json:"status"`
	Warnings    []string         `json:"warnings,omitempty"`
	TakenAt     time.Time        `json:"taken_at"`
}

// Account is a configured target account with the regions it replicates
// into.
type Account struct {
	ID         string      `json:"id"`
	Type       AccountType `json:"type"`
	RoleARN    string      `json:"role_arn,omitempty"`
	ExternalID string      `json:"external_id,omitempty"`
	Regions    []string    `json:"regions"`
}

// Context builds the account context for one region of this account.
func (a Account) Context(region string) AccountContext {
	return AccountContext{
		AccountID:  a.ID,
		Region:     region,
		RoleARN:    a.RoleARN,
		ExternalID: a.ExternalID,
	}
}
