package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MachineStatus is the lifecycle status of a tracked machine.
type MachineStatus string

const (
	// StatusProvisioning means the provider accepted the create call but
	// the instance is not yet reachable. The record is persisted the
	// moment the provider returns an identifier, so a billable resource
	// is never untracked.
	StatusProvisioning MachineStatus = "provisioning"

	// StatusReady means the instance reached a running state at the
	// provider but nothing has been deployed to it yet.
	StatusReady MachineStatus = "ready"

	// StatusDeploying means the deploy step is in progress.
	StatusDeploying MachineStatus = "deploying"

	// StatusRunning means the workload is up on the machine.
	StatusRunning MachineStatus = "running"

	// StatusStopped means the workload was stopped but the machine is
	// still tracked and may be resumed.
	StatusStopped MachineStatus = "stopped"

	// StatusRemoved means the instance was destroyed at the provider.
	StatusRemoved MachineStatus = "removed"

	// StatusFailed is reachable from any non-terminal state.
	StatusFailed MachineStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s MachineStatus) Terminal() bool {
	return s == StatusRemoved
}

// Container is one container running on a machine. Empty for
// single-container deployments that have not been deployed yet; populated
// per service for stack deployments.
type Container struct {
	Service string `yaml:"service" json:"service"`
	Image   string `yaml:"image" json:"image"`
	Status  string `yaml:"status" json:"status"`
}

// Machine is the persisted record of one provisioned instance and the
// containers running on it.
type Machine struct {
	// Name is unique within one state store and immutable once created.
	// It is derived from the service name plus an ordinal index.
	Name string `yaml:"name" json:"name"`

	// InstanceID is the provider-assigned identifier. Set once.
	InstanceID string `yaml:"instance_id" json:"instance_id"`

	// Address is the routable address selected from the create response,
	// public IPv4 preferred. May be empty before the instance exists.
	Address string `yaml:"address,omitempty" json:"address,omitempty"`

	// Provider is the backend that owns the instance.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// Region and ServerType echo the spec the instance was created with.
	Region     string `yaml:"region,omitempty" json:"region,omitempty"`
	ServerType string `yaml:"server_type,omitempty" json:"server_type,omitempty"`

	Status MachineStatus `yaml:"status" json:"status"`

	Containers []Container `yaml:"containers,omitempty" json:"containers,omitempty"`

	// LastError records the most recent per-machine failure for operator
	// inspection. Cleared on a successful deploy.
	LastError string `yaml:"last_error,omitempty" json:"last_error,omitempty"`

	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// MachineName builds the record name for a service replica.
func MachineName(service string, ordinal int) string {
	return fmt.Sprintf("%s-%d", service, ordinal)
}

// serviceOrdinal extracts the numeric suffix from a machine name belonging
// to service. Returns false when the name is not service-prefixed or the
// suffix is not a bare integer.
func serviceOrdinal(service, name string) (int, bool) {
	prefix := service + "-"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix):])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// MachinesForService returns the records belonging to a service, sorted by
// ordinal. Any record whose name matches the service prefix is a candidate
// regardless of its last known status; a later readiness or deploy step
// re-validates it.
func MachinesForService(records map[string]*Machine, service string) []*Machine {
	var out []*Machine
	for name, m := range records {
		if _, ok := serviceOrdinal(service, name); ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := serviceOrdinal(service, out[i].Name)
		b, _ := serviceOrdinal(service, out[j].Name)
		return a < b
	})
	return out
}

// NextOrdinal returns max observed ordinal + 1 for a service, so repeated
// partial runs never collide with previously used names even when earlier
// ordinals were removed out of band.
func NextOrdinal(records map[string]*Machine, service string) int {
	max := 0
	for name := range records {
		if n, ok := serviceOrdinal(service, name); ok && n > max {
			max = n
		}
	}
	return max + 1
}

// ContainerSpec describes one container to run on a target machine. The
// core treats it as opaque payload for the deploy executor.
type ContainerSpec struct {
	Name    string            `yaml:"name" json:"name"`
	Image   string            `yaml:"image" json:"image"`
	Command []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Ports   []string          `yaml:"ports,omitempty" json:"ports,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Volumes []string          `yaml:"volumes,omitempty" json:"volumes,omitempty"`
}

// DeploySpec is the normalized run specification handed to the deploy
// executor for each target. A single-container deployment has one entry;
// a stack deployment has several plus a main-service designator.
type DeploySpec struct {
	Service    string          `yaml:"service" json:"service"`
	Containers []ContainerSpec `yaml:"containers" json:"containers"`

	// Main names the primary service of a stack. Empty for
	// single-container deployments.
	Main string `yaml:"main,omitempty" json:"main,omitempty"`

	// SkipDeploy reuses whatever is already running on the target; the
	// machine still counts as running.
	SkipDeploy bool `yaml:"skip_deploy,omitempty" json:"skip_deploy,omitempty"`
}

// Stack reports whether the spec describes a multi-service stack.
func (s *DeploySpec) Stack() bool {
	return len(s.Containers) > 1 || s.Main != ""
}
