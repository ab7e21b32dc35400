// Package provider defines the abstraction boundary over a cloud backend's
// instance lifecycle API, plus the registry that maps backend names to
// constructors.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InstanceStatus is the four-way status taxonomy every backend maps its
// native states into.
type InstanceStatus string

const (
	StatusPending InstanceStatus = "pending"
	StatusRunning InstanceStatus = "running"
	StatusStopped InstanceStatus = "stopped"
	StatusFailed  InstanceStatus = "failed"
)

// InstanceSpec describes the instance to create.
type InstanceSpec struct {
	// Name is the human-visible title for the instance.
	Name string

	// Region or zone identifier, backend-native.
	Region string

	// ServerType is the size/plan identifier, backend-native.
	ServerType string

	// Image is the OS image to boot.
	Image string

	// SSHPublicKey is installed for access credentials.
	SSHPublicKey string

	// Labels are attached to the instance where the backend supports it.
	Labels map[string]string
}

// Instance is the normalized result of a create or lookup call.
type Instance struct {
	ID      string
	Name    string
	Address string
	Status  InstanceStatus
	Created time.Time
}

// CostEstimate is advisory pricing information. No live pricing query is
// made; backends return static plan data plus a pointer to the source.
type CostEstimate struct {
	Provider   string
	Plan       string
	Region     string
	Warning    string
	PricingURL string
}

// Provider is implemented once per cloud backend.
type Provider interface {
	// Name returns the backend identifier the provider registered under.
	Name() string

	// Create provisions a new instance. The returned instance always has
	// an ID; the address may be empty until the instance is reachable.
	Create(ctx context.Context, spec InstanceSpec) (*Instance, error)

	// Status maps the backend-native state of an instance into the
	// four-way taxonomy.
	Status(ctx context.Context, id string) (InstanceStatus, error)

	// Destroy tears down an instance. Destroying an instance that is
	// already gone reports success.
	Destroy(ctx context.Context, id string) error

	// EstimateCost returns advisory pricing for a spec.
	EstimateCost(spec InstanceSpec) (*CostEstimate, error)
}

// Factory constructs a provider from backend-specific settings.
type Factory func(cfg Settings) (Provider, error)

// Settings carries the credentials and defaults a factory needs. Populated
// once at the configuration boundary, never threaded through the core as an
// open-ended map.
type Settings struct {
	Token      string
	Endpoint   string
	Region     string
	ServerType string
	Image      string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory under a backend name. Called from provider
// package init functions; duplicate registration panics, matching the
// database/sql driver convention.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("provider: Register called twice for %q", name))
	}
	registry[name] = factory
}

// New constructs the named provider. Unknown names fail here, at startup,
// rather than on the first provider call.
func New(name string, cfg Settings) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: unknown backend %q (registered: %v)", name, Names())
	}
	return factory(cfg)
}

// Names lists the registered backends, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
