package provider

import (
	"context"
	"strings"
	"testing"
)

type nullProvider struct{ name string }

func (p *nullProvider) Name() string { return p.name }
func (p *nullProvider) Create(context.Context, InstanceSpec) (*Instance, error) {
	return nil, nil
}
func (p *nullProvider) Status(context.Context, string) (InstanceStatus, error) {
	return StatusRunning, nil
}
func (p *nullProvider) Destroy(context.Context, string) error { return nil }
func (p *nullProvider) EstimateCost(InstanceSpec) (*CostEstimate, error) {
	return &CostEstimate{}, nil
}

func TestRegistryLookup(t *testing.T) {
	Register("null-test", func(cfg Settings) (Provider, error) {
		return &nullProvider{name: "null-test"}, nil
	})

	p, err := New("null-test", Settings{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "null-test" {
		t.Fatalf("Name = %q", p.Name())
	}
}

func TestRegistryUnknownBackend(t *testing.T) {
	_, err := New("no-such-backend", Settings{})
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if !strings.Contains(err.Error(), "no-such-backend") {
		t.Fatalf("error %q should name the backend", err)
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	Register("dup-test", func(Settings) (Provider, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration should panic")
		}
	}()
	Register("dup-test", func(Settings) (Provider, error) { return nil, nil })
}
