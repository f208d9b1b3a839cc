package domain

import (
	"encoding/json"
	"time"
)

// ExecutionType distinguishes drills from real recoveries.
type ExecutionType string

const (
	ExecutionTypeDrill    ExecutionType = "DRILL"
	ExecutionTypeRecovery ExecutionType = "RECOVERY"
)

// ExecutionState is the lifecycle state of one plan run.
type ExecutionState string

const (
	ExecutionPending    ExecutionState = "PENDING"
	ExecutionInProgress ExecutionState = "IN_PROGRESS"
	ExecutionPaused     ExecutionState = "PAUSED"
	ExecutionCompleted  ExecutionState = "COMPLETED"
	ExecutionFailed     ExecutionState = "FAILED"
	ExecutionPartial    ExecutionState = "PARTIAL"
	ExecutionCancelled  ExecutionState = "CANCELLED"
)

// Terminal reports whether the state is final. Terminal executions are
// immutable.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionPartial, ExecutionCancelled:
		return true
	}
	return false
}

// WaveStatus is the lifecycle state of one wave within an execution.
type WaveStatus string

const (
	WavePending   WaveStatus = "PENDING"
	WaveStarted   WaveStatus = "STARTED"
	WavePolling   WaveStatus = "POLLING"
	WaveCompleted WaveStatus = "COMPLETED"
	WaveFailed    WaveStatus = "FAILED"
	WaveCancelled WaveStatus = "CANCELLED"
)

// Terminal reports whether the wave reached a final status.
func (s WaveStatus) Terminal() bool {
	switch s {
	case WaveCompleted, WaveFailed, WaveCancelled:
		return true
	}
	return false
}

// LaunchStatus tracks one server's launch progress within a wave.
type LaunchStatus string

const (
	LaunchPending    LaunchStatus = "PENDING"
	LaunchLaunching  LaunchStatus = "LAUNCHING"
	LaunchLaunched   LaunchStatus = "LAUNCHED"
	LaunchFailed     LaunchStatus = "FAILED"
	LaunchTerminated LaunchStatus = "TERMINATED"
)

// Terminal reports whether the launch status is final for this execution.
func (s LaunchStatus) Terminal() bool {
	switch s {
	case LaunchLaunched, LaunchFailed, LaunchTerminated:
		return true
	}
	return false
}

// AccountContext identifies which account's credentials an execution runs
// under.
type AccountContext struct {
	AccountID  string `json:"account_id"            yaml:"account_id"`
	Region     string `json:"region"                yaml:"region"`
	RoleARN    string `json:"role_arn,omitempty"    yaml:"role_arn"`
	ExternalID string `json:"external_id,omitempty" yaml:"external_id"`
}

// ExecutionError is a structured error record attached to a wave or server.
type ExecutionError struct {
	WaveNumber int    `json:"wave_number"`
	ServerID   string `json:"server_id,omitempty"`
	Operation  string `json:"operation"`
	Region     string `json:"region,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Message    string `json:"message"`
}

// ServerExecution tracks one server's launch within a wave. Populated
// incrementally by the reconciler; a terminal launch status never regresses
// without an explicit re-launch.
type ServerExecution struct {
	ServerID            string       `json:"server_id"`
	LaunchStatus        LaunchStatus `json:"launch_status"`
	RecoveredInstanceID string       `json:"recovered_instance_id,omitempty"`
	InstanceType        string       `json:"instance_type,omitempty"`
	PrivateIP           string       `json:"private_ip,omitempty"`
	Region              string       `json:"region,omitempty"`
	LaunchTime          *time.Time   `json:"launch_time,omitempty"`
}

// WaveExecution tracks one wave's run. EndTime is the authoritative
// completion signal, set only when the external job reaches its terminal
// event.
type WaveExecution struct {
	Number            int                `json:"number"`
	ProtectionGroupID string             `json:"protection_group_id"`
	Region            string             `json:"region"`
	Status            WaveStatus         `json:"status"`
	JobID             string             `json:"job_id,omitempty"`
	StartTime         *time.Time         `json:"start_time,omitempty"`
	EndTime           *time.Time         `json:"end_time,omitempty"`
	Servers           []*ServerExecution `json:"servers"`
}

// Server returns the server entry for id, or nil.
func (w *WaveExecution) Server(id string) *ServerExecution {
	for _, s := range w.Servers {
		if s.ServerID == id {
			return s
		}
	}
	return nil
}

// AllServersTerminal reports whether every server reached a terminal
// launch status.
func (w *WaveExecution) AllServersTerminal() bool {
	for _, s := range w.Servers {
		if !s.LaunchStatus.Terminal() {
			return false
		}
	}
	return true
}

// FailedServers returns server IDs in FAILED launch status.
func (w *WaveExecution) FailedServers() []string {
	var out []string
	for _, s := range w.Servers {
		if s.LaunchStatus == LaunchFailed {
			out = append(out, s.ServerID)
		}
	}
	return out
}

// Execution is one run of a recovery plan. Mutated only by the engine and
// its reconciler, always through optimistic-concurrency updates.
type Execution struct {
	ID      string           `json:"id" db:"id"`
	PlanID  string           `json:"plan_id" db:"plan_id"`
	Type    ExecutionType    `json:"type" db:"type"`
	State   ExecutionState   `json:"state" db:"state"`
	Account AccountContext   `json:"account"`
	Waves   []*WaveExecution `json:"waves"`
	Errors  []ExecutionError `json:"errors,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Wave returns the wave execution with the given number, or nil.
func (e *Execution) Wave(number int) *WaveExecution {
	for _, w := range e.Waves {
		if w.Number == number {
			return w
		}
	}
	return nil
}

// NextPendingWave returns the lowest-numbered wave still PENDING, or nil
// when all waves have started.
func (e *Execution) NextPendingWave() *WaveExecution {
	for _, w := range e.Waves {
		if w.Status == WavePending {
			return w
		}
	}
	return nil
}

// AllWavesTerminal reports whether every wave reached a terminal status.
func (e *Execution) AllWavesTerminal() bool {
	for _, w := range e.Waves {
		if !w.Status.Terminal() {
			return false
		}
	}
	return true
}

// FinalState derives the terminal execution state from wave outcomes:
// COMPLETED when every wave completed, CANCELLED when any wave was
// cancelled, PARTIAL when some waves failed but the run continued, FAILED
// when nothing completed.
func (e *Execution) FinalState() ExecutionState {
	completed, failed, cancelled := 0, 0, 0
	for _, w := range e.Waves {
		switch w.Status {
		case WaveCompleted:
			completed++
		case WaveFailed:
			failed++
		case WaveCancelled:
			cancelled++
		}
	}
	switch {
	case cancelled > 0:
		return ExecutionCancelled
	case failed == 0:
		return ExecutionCompleted
	case completed > 0:
		return ExecutionPartial
	default:
		return ExecutionFailed
	}
}

// ServerIDs returns every server referenced by the execution's waves.
func (e *Execution) ServerIDs() []string {
	var out []string
	for _, w := range e.Waves {
		for _, s := range w.Servers {
			out = append(out, s.ServerID)
		}
	}
	return out
}

// Clone deep-copies the execution so callers can mutate snapshots without
// racing the engine.
func (e *Execution) Clone() *Execution {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	var out Execution
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}
