package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/skiffhq/skiff/pkg/engine"
	"github.com/skiffhq/skiff/pkg/provider"
	"github.com/skiffhq/skiff/pkg/telemetry"
)

// Env variable names that override file settings. The token never belongs
// in a config file that might get committed.
const (
	EnvToken     = "SKIFF_PROVIDER_TOKEN"
	EnvStateFile = "SKIFF_STATE_FILE"
)

// Settings is the operator configuration, loaded from the user config dir
// and overridden by environment variables.
type Settings struct {
	// Provider selects and configures the cloud backend.
	Provider ProviderSettings `yaml:"provider"`

	// SSH locates the key pair used to reach machines.
	SSH SSHSettings `yaml:"ssh"`

	// StateFile is the deployment state store path.
	StateFile string `yaml:"state_file" validate:"required"`

	// HistoryFile is the SQLite run-history path. Empty disables history.
	HistoryFile string `yaml:"history_file"`

	// SecretsFile is an optional dotenv file resolved into container env.
	SecretsFile string `yaml:"secrets_file"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ProviderSettings selects the backend and its defaults for new machines.
type ProviderSettings struct {
	Name       string `yaml:"name" validate:"required"`
	Token      string `yaml:"token"`
	Endpoint   string `yaml:"endpoint"`
	Region     string `yaml:"region" validate:"required"`
	ServerType string `yaml:"server_type" validate:"required"`
	Image      string `yaml:"image" validate:"required"`
}

// SSHSettings locates the access key pair.
type SSHSettings struct {
	PrivateKeyPath string `yaml:"private_key" validate:"required"`
	PublicKeyPath  string `yaml:"public_key" validate:"required"`
	User           string `yaml:"user"`
}

// DefaultSettingsPath is the config file location under the user config
// directory.
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "skiff", "config.yaml")
}

// DefaultSettings returns settings with everything that has a sensible
// default filled in.
func DefaultSettings() *Settings {
	home, _ := os.UserHomeDir()
	return &Settings{
		Provider: ProviderSettings{
			Name:       "hcloud",
			Region:     "fsn1",
			ServerType: "cx22",
			Image:      "debian-12",
		},
		SSH: SSHSettings{
			PrivateKeyPath: filepath.Join(home, ".ssh", "id_ed25519"),
			PublicKeyPath:  filepath.Join(home, ".ssh", "id_ed25519.pub"),
			User:           "root",
		},
		StateFile:   filepath.Join(home, ".skiff", "machines.yaml"),
		HistoryFile: filepath.Join(home, ".skiff", "history.db"),
		Telemetry:   telemetry.DefaultConfig("skiff", "dev"),
	}
}

// LoadSettings reads the settings file at path, layering it over the
// defaults and applying environment overrides. A missing file yields pure
// defaults plus env.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err == nil {
		if decErr := newStrictDecoder(data).Decode(s); decErr != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("parse settings %s", path), decErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, engine.NewValidationError(fmt.Sprintf("read settings %s", path), err)
	}

	if v := os.Getenv(EnvToken); v != "" {
		s.Provider.Token = v
	}
	if v := os.Getenv(EnvStateFile); v != "" {
		s.StateFile = v
	}

	if err := validate.Struct(s); err != nil {
		return nil, engine.NewValidationError("invalid settings", err)
	}
	return s, nil
}

// ProviderConfig builds the provider constructor settings, applying
// manifest machine overrides on top of the operator defaults.
func (s *Settings) ProviderConfig(m *MachineConfig) provider.Settings {
	cfg := provider.Settings{
		Token:      s.Provider.Token,
		Endpoint:   s.Provider.Endpoint,
		Region:     s.Provider.Region,
		ServerType: s.Provider.ServerType,
		Image:      s.Provider.Image,
	}
	if m != nil {
		if m.Region != "" {
			cfg.Region = m.Region
		}
		if m.ServerType != "" {
			cfg.ServerType = m.ServerType
		}
		if m.Image != "" {
			cfg.Image = m.Image
		}
	}
	return cfg
}

// ProviderName resolves the backend name, manifest override first.
func (s *Settings) ProviderName(m *MachineConfig) string {
	if m != nil && m.Provider != "" {
		return m.Provider
	}
	return s.Provider.Name
}

// InstanceSpec builds the instance template for new machines of a
// manifest. The per-machine name is filled in by the reconciler.
func (s *Settings) InstanceSpec(m *Manifest) (provider.InstanceSpec, error) {
	publicKey, err := os.ReadFile(s.SSH.PublicKeyPath)
	if err != nil {
		return provider.InstanceSpec{}, engine.NewValidationError(
			fmt.Sprintf("read SSH public key %s", s.SSH.PublicKeyPath), err)
	}

	cfg := s.ProviderConfig(&m.Machine)
	return provider.InstanceSpec{
		Region:       cfg.Region,
		ServerType:   cfg.ServerType,
		Image:        cfg.Image,
		SSHPublicKey: string(publicKey),
		Labels: map[string]string{
			"managed-by": "skiff",
			"service":    m.Service,
		},
	}, nil
}
