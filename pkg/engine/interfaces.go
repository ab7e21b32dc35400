package engine

import (
	"context"
	"time"
)

// Store is the persisted machine-record mapping the reconciler reads and
// mutates. Implemented by pkg/state.
type Store interface {
	// Read returns all tracked records. A missing backing store yields an
	// empty map, not an error.
	Read() (map[string]*Machine, error)

	// Update runs fn under an exclusive lock spanning the whole
	// read-modify-write sequence.
	Update(fn func(records map[string]*Machine) error) error

	// Upsert inserts or replaces one record.
	Upsert(m *Machine) error

	// SetStatus transitions one record's lifecycle status.
	SetStatus(name string, status MachineStatus) error

	// Remove deletes one record; removing the last record deletes the
	// store itself.
	Remove(name string) error
}

// Deployer performs whatever remote setup a target needs and starts the
// workload. The reconciler treats it as an opaque, possibly slow, possibly
// failing call per target.
type Deployer interface {
	Deploy(ctx context.Context, machine *Machine, spec *DeploySpec) ([]Container, error)
}

// SecretSource resolves secret values for injection into container
// environments. Absence of a requested name is not an error at this layer.
type SecretSource interface {
	Resolve(names []string) (map[string]string, error)
}

// RunRecorder receives the audit trail of reconcile runs. Implemented by
// pkg/stores; a nil recorder disables history.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *RunRecord) error
	RecordEvent(ctx context.Context, runID, machine, level, message string) error
}

// RunRecord summarizes one reconcile or removal run for the history store.
type RunRecord struct {
	ID        string
	Service   string
	Action    string
	Requested int
	Succeeded int
	Failed    int
	Status    string
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}
