// Package deployer implements the per-machine deploy step: install the
// container runtime if missing, then start the workload as a single
// container or a compose stack. Implements engine.Deployer.
package deployer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/skiffhq/skiff/pkg/engine"
	sshtransport "github.com/skiffhq/skiff/pkg/transports/ssh"
)

const remoteStackDir = "/opt/skiff"

// TransportFactory opens a transport to one machine address. Swappable in
// tests.
type TransportFactory func(address string) (sshtransport.Transport, error)

// Docker deploys container workloads over SSH using the Docker CLI on the
// target machine.
type Docker struct {
	transports TransportFactory
	secrets    engine.SecretSource
	log        zerolog.Logger
}

// Option configures a Docker deployer.
type Option func(*Docker)

// WithSecrets attaches a secret source. Container env entries with an
// empty value are resolved by name against it.
func WithSecrets(src engine.SecretSource) Option {
	return func(d *Docker) { d.secrets = src }
}

// NewDocker creates the deployer.
func NewDocker(transports TransportFactory, log zerolog.Logger, opts ...Option) *Docker {
	d := &Docker{transports: transports, log: log}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy implements engine.Deployer.
func (d *Docker) Deploy(ctx context.Context, machine *engine.Machine, spec *engine.DeploySpec) ([]engine.Container, error) {
	if machine.Address == "" {
		return nil, engine.NewDeploymentError("machine has no address", nil).WithMachine(machine.Name)
	}
	if len(spec.Containers) == 0 {
		return nil, engine.NewValidationError("deploy spec has no containers", nil)
	}

	log := d.log.With().Str("machine", machine.Name).Str("service", spec.Service).Logger()

	t, err := d.transports(machine.Address)
	if err != nil {
		return nil, engine.NewTransportError("open transport", err).WithMachine(machine.Name)
	}
	defer func() { _ = t.Close() }()

	if err := t.Connect(ctx); err != nil {
		return nil, classify(err, machine.Name, "connect")
	}

	if err := d.ensureDocker(ctx, t, log); err != nil {
		return nil, classify(err, machine.Name, "bootstrap")
	}

	env, err := d.resolveEnv(spec)
	if err != nil {
		return nil, err
	}

	if spec.Stack() {
		return d.deployStack(ctx, t, machine, spec, env, log)
	}
	return d.deployContainer(ctx, t, machine, spec, env, log)
}

// ensureDocker installs Docker when the CLI is missing. The get.docker.com
// script is idempotent but slow, so the fast path is a plain lookup.
func (d *Docker) ensureDocker(ctx context.Context, t sshtransport.Transport, log zerolog.Logger) error {
	if _, _, err := t.Run(ctx, "command -v docker"); err == nil {
		return nil
	}
	log.Info().Msg("docker not found, installing")
	if _, stderr, err := t.Run(ctx, "curl -fsSL https://get.docker.com | sh"); err != nil {
		return fmt.Errorf("install docker: %w (stderr: %s)", err, strings.TrimSpace(stderr))
	}
	return nil
}

// resolveEnv fills empty env values from the secret source. A name the
// source cannot resolve stays empty; the container decides whether that is
// fatal.
func (d *Docker) resolveEnv(spec *engine.DeploySpec) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(spec.Containers))
	for _, c := range spec.Containers {
		resolved := make(map[string]string, len(c.Env))
		var wanted []string
		for k, v := range c.Env {
			resolved[k] = v
			if v == "" {
				wanted = append(wanted, k)
			}
		}
		if len(wanted) > 0 && d.secrets != nil {
			values, err := d.secrets.Resolve(wanted)
			if err != nil {
				return nil, engine.NewDeploymentError("resolve secrets", err)
			}
			for k, v := range values {
				resolved[k] = v
			}
		}
		out[c.Name] = resolved
	}
	return out, nil
}

// deployContainer runs the single-container path: pull, replace any
// previous instance, start detached.
func (d *Docker) deployContainer(ctx context.Context, t sshtransport.Transport, machine *engine.Machine, spec *engine.DeploySpec, env map[string]map[string]string, log zerolog.Logger) ([]engine.Container, error) {
	c := spec.Containers[0]

	if _, stderr, err := t.Run(ctx, "docker pull "+shellQuote(c.Image)); err != nil {
		return nil, classifyMsg(err, machine.Name, "pull", stderr)
	}

	// Replace, never duplicate: the container name is stable per service.
	_, _, _ = t.Run(ctx, "docker rm -f "+shellQuote(spec.Service))

	cmd := runCommand(spec.Service, &c, env[c.Name])
	if _, stderr, err := t.Run(ctx, cmd); err != nil {
		return nil, classifyMsg(err, machine.Name, "run", stderr)
	}

	log.Info().Str("image", c.Image).Msg("container started")
	return []engine.Container{{Service: spec.Service, Image: c.Image, Status: "running"}}, nil
}

// deployStack renders a compose file, ships it, and brings the stack up.
func (d *Docker) deployStack(ctx context.Context, t sshtransport.Transport, machine *engine.Machine, spec *engine.DeploySpec, env map[string]map[string]string, log zerolog.Logger) ([]engine.Container, error) {
	composeYAML, err := renderCompose(spec, env)
	if err != nil {
		return nil, engine.NewDeploymentError("render compose file", err).WithMachine(machine.Name)
	}

	remotePath := fmt.Sprintf("%s/%s/compose.yaml", remoteStackDir, spec.Service)
	if err := t.WriteFile(ctx, remotePath, composeYAML, 0o600); err != nil {
		return nil, classify(err, machine.Name, "upload")
	}

	up := fmt.Sprintf("docker compose -f %s -p %s up -d --remove-orphans", shellQuote(remotePath), shellQuote(spec.Service))
	if _, stderr, err := t.Run(ctx, up); err != nil {
		return nil, classifyMsg(err, machine.Name, "compose-up", stderr)
	}

	log.Info().Int("services", len(spec.Containers)).Msg("stack started")

	containers := make([]engine.Container, 0, len(spec.Containers))
	for _, c := range spec.Containers {
		containers = append(containers, engine.Container{Service: c.Name, Image: c.Image, Status: "running"})
	}
	return containers, nil
}

// runCommand builds the docker run invocation for one container.
func runCommand(name string, c *engine.ContainerSpec, env map[string]string) string {
	parts := []string{"docker run -d --restart unless-stopped --name " + shellQuote(name)}

	for _, p := range c.Ports {
		parts = append(parts, "-p "+shellQuote(p))
	}
	for _, k := range sortedKeys(env) {
		parts = append(parts, "-e "+shellQuote(k+"="+env[k]))
	}
	for _, v := range c.Volumes {
		parts = append(parts, "-v "+shellQuote(v))
	}

	parts = append(parts, shellQuote(c.Image))
	for _, arg := range c.Command {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes a value for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// classify maps transport failures into the engine taxonomy.
func classify(err error, machine, op string) error {
	if sshtransport.IsAuthenticationError(err) {
		return engine.NewTransportError("ssh authentication failed", err).WithMachine(machine).WithOp(op)
	}
	return engine.NewTransportError("transport failure", err).WithMachine(machine).WithOp(op)
}

func classifyMsg(err error, machine, op, stderr string) error {
	msg := "deploy command failed"
	if s := strings.TrimSpace(stderr); s != "" {
		msg = fmt.Sprintf("deploy command failed: %s", firstLine(s))
	}
	return engine.NewDeploymentError(msg, err).WithMachine(machine).WithOp(op)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
