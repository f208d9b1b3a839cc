// Package drs adapts the Elastic Disaster Recovery job API behind a
// narrow interface the engine and pollers consume.
package drs

import (
	"context"
	"time"

	"github.com/drwave/drwave/internal/core/domain"
)

// JobStatus is the lifecycle state of one recovery job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobStarted   JobStatus = "STARTED"
	JobCompleted JobStatus = "COMPLETED"
)

// Terminal reports whether the job reached its end state.
func (s JobStatus) Terminal() bool { return s == JobCompleted }

// ParticipatingServer is one server's progress inside a job's batched
// status response.
type ParticipatingServer struct {
	SourceServerID     string
	LaunchStatus       domain.LaunchStatus
	RecoveryInstanceID string
}

// Job is a recovery job snapshot.
type Job struct {
	ID      string
	Status  JobStatus
	IsDrill bool
	Servers []ParticipatingServer
	// EndedAt is set from the job's terminal JOB_END event and is the
	// authoritative completion signal.
	EndedAt *time.Time
}

// SourceServer is one replicating server in the service inventory.
type SourceServer struct {
	ID          string
	Hostname    string
	Tags        map[string]string
	Replicating bool
}

// RecoveryInstance is a launched recovery target.
type RecoveryInstance struct {
	ID             string
	SourceServerID string
	EC2InstanceID  string
	InstanceType   string
	PrivateIP      string
}

// API is the remote recovery-job surface the engine depends on. One API
// value is scoped to a single (account, region) pair.
type API interface {
	// ListSourceServers pages through the full server inventory.
	ListSourceServers(ctx context.Context) ([]SourceServer, error)

	// StartRecovery submits one job covering the given servers.
	StartRecovery(ctx context.Context, serverIDs []string, drill bool) (*Job, error)

	// DescribeJob returns the current batched job status, including
	// per-server launch progress and the terminal end event when present.
	DescribeJob(ctx context.Context, jobID string) (*Job, error)

	// CountActiveJobs counts jobs not yet in a terminal state.
	CountActiveJobs(ctx context.Context) (int, error)

	// DescribeRecoveryInstances returns launched instances for the given
	// source servers.
	DescribeRecoveryInstances(ctx context.Context, sourceServerIDs []string) ([]RecoveryInstance, error)

	// TerminateRecoveryInstances tears down drill instances.
	TerminateRecoveryInstances(ctx context.Context, instanceIDs []string) error
}

// Factory builds an API scoped to an account context. Implementations
// perform the cross-account credential exchange.
type Factory func(ctx context.Context, acct domain.AccountContext) (API, error)
