package deployer

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/skiffhq/skiff/pkg/engine"
)

// composeFile is the subset of the compose schema skiff emits.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Restart     string            `yaml:"restart"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
}

// renderCompose builds the compose file for a stack spec. Every secondary
// service becomes a dependency of the main service so compose starts the
// stack in a usable order.
func renderCompose(spec *engine.DeploySpec, env map[string]map[string]string) ([]byte, error) {
	cf := composeFile{Services: make(map[string]composeService, len(spec.Containers))}

	var secondary []string
	for _, c := range spec.Containers {
		if c.Name != spec.Main {
			secondary = append(secondary, c.Name)
		}
	}

	for _, c := range spec.Containers {
		if c.Name == "" || c.Image == "" {
			return nil, fmt.Errorf("stack service needs a name and an image, got %+v", c)
		}
		svc := composeService{
			Image:       c.Image,
			Command:     c.Command,
			Ports:       c.Ports,
			Environment: env[c.Name],
			Volumes:     c.Volumes,
			Restart:     "unless-stopped",
		}
		if c.Name == spec.Main {
			svc.DependsOn = secondary
		}
		cf.Services[c.Name] = svc
	}

	return yaml.Marshal(cf)
}
