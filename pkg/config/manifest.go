// Package config loads and validates the project manifest and the
// operator settings, and converts them into the specs the engine consumes.
package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/skiffhq/skiff/pkg/engine"
)

// DefaultManifestPath is where skiff looks for the project manifest.
const DefaultManifestPath = "skiff.yaml"

var validate = validator.New()

// Manifest is the project file describing one deployable service. Either
// the single-container fields (image, ports, env, volumes, command) or the
// stack section is used, not both.
type Manifest struct {
	// Service names the deployment; machine names derive from it.
	Service string `yaml:"service" validate:"required,hostname_rfc1123"`

	// Replicas is the desired machine count.
	Replicas int `yaml:"replicas" validate:"omitempty,min=1,max=64"`

	// Single-container deployment.
	Image   string            `yaml:"image"`
	Command []string          `yaml:"command"`
	Ports   []string          `yaml:"ports"`
	Env     map[string]string `yaml:"env"`
	Volumes []string          `yaml:"volumes"`

	// Stack deployment: service name to container definition. Main names
	// the primary service and defaults to the manifest service name when
	// present in the stack.
	Stack map[string]StackService `yaml:"stack" validate:"omitempty,dive"`
	Main  string                  `yaml:"main"`

	// SkipDeploy provisions machines without touching their workload.
	SkipDeploy bool `yaml:"skip_deploy"`

	// Machine overrides the operator defaults for this project.
	Machine MachineConfig `yaml:"machine"`
}

// StackService is one container in a stack manifest.
type StackService struct {
	Image   string            `yaml:"image" validate:"required"`
	Command []string          `yaml:"command"`
	Ports   []string          `yaml:"ports"`
	Env     map[string]string `yaml:"env"`
	Volumes []string          `yaml:"volumes"`
}

// MachineConfig selects what kind of machine the service runs on.
type MachineConfig struct {
	Provider   string `yaml:"provider"`
	Region     string `yaml:"region"`
	ServerType string `yaml:"server_type"`
	Image      string `yaml:"image"`
}

// LoadManifest reads and validates a manifest file. Unknown fields are
// rejected so typos fail loudly instead of silently deploying defaults.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("read manifest %s", path), err)
	}

	var m Manifest
	dec := newStrictDecoder(data)
	if err := dec.Decode(&m); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("parse manifest %s", path), err)
	}
	if err := m.normalize(); err != nil {
		return nil, err
	}
	return &m, nil
}

// normalize fills defaults and validates.
func (m *Manifest) normalize() error {
	if m.Replicas == 0 {
		m.Replicas = 1
	}
	if len(m.Stack) > 0 && m.Main == "" {
		if _, ok := m.Stack[m.Service]; ok {
			m.Main = m.Service
		}
	}

	if err := validate.Struct(m); err != nil {
		return engine.NewValidationError("invalid manifest", err)
	}

	switch {
	case len(m.Stack) > 0 && m.Image != "":
		return engine.NewValidationError("manifest declares both image and stack, pick one", nil)
	case len(m.Stack) == 0 && m.Image == "" && !m.SkipDeploy:
		return engine.NewValidationError("manifest needs an image or a stack unless skip_deploy is set", nil)
	case len(m.Stack) > 0 && m.Main != "":
		if _, ok := m.Stack[m.Main]; !ok {
			return engine.NewValidationError(fmt.Sprintf("main service %q is not in the stack", m.Main), nil)
		}
	}
	return nil
}

// DeploySpec converts the manifest to the engine's run specification.
func (m *Manifest) DeploySpec() *engine.DeploySpec {
	spec := &engine.DeploySpec{
		Service:    m.Service,
		Main:       m.Main,
		SkipDeploy: m.SkipDeploy,
	}

	if len(m.Stack) > 0 {
		// Deterministic order so rendered artifacts are stable.
		names := make([]string, 0, len(m.Stack))
		for name := range m.Stack {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := m.Stack[name]
			spec.Containers = append(spec.Containers, engine.ContainerSpec{
				Name:    name,
				Image:   s.Image,
				Command: s.Command,
				Ports:   s.Ports,
				Env:     s.Env,
				Volumes: s.Volumes,
			})
		}
		return spec
	}

	if m.Image != "" {
		spec.Containers = []engine.ContainerSpec{{
			Name:    m.Service,
			Image:   m.Image,
			Command: m.Command,
			Ports:   m.Ports,
			Env:     m.Env,
			Volumes: m.Volumes,
		}}
	}
	return spec
}

func newStrictDecoder(data []byte) *yaml.Decoder {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec
}
