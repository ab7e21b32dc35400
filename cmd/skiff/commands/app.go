package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/deployer"
	"github.com/skiffhq/skiff/pkg/engine"
	"github.com/skiffhq/skiff/pkg/provider"
	_ "github.com/skiffhq/skiff/pkg/provider/hcloud" // registers the hcloud backend
	"github.com/skiffhq/skiff/pkg/secrets"
	"github.com/skiffhq/skiff/pkg/state"
	"github.com/skiffhq/skiff/pkg/stores"
	"github.com/skiffhq/skiff/pkg/telemetry"
	sshtransport "github.com/skiffhq/skiff/pkg/transports/ssh"
)

// app wires the full control plane for one command invocation.
type app struct {
	settings *config.Settings
	manifest *config.Manifest

	log     zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	store      *state.Store
	history    *stores.HistoryStore
	prov       provider.Provider
	reconciler *engine.Reconciler
}

// newApp loads settings (and the manifest when the command needs one) and
// builds the reconciler stack.
func newApp(ctx context.Context, needManifest bool) (*app, error) {
	path := configPath
	if path == "" {
		path = config.DefaultSettingsPath()
	}
	settings, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}

	if verbose {
		settings.Telemetry.Logging.Level = "debug"
	}
	if jsonOutput {
		settings.Telemetry.Logging.Format = "json"
	}
	log, err := telemetry.NewLogger(settings.Telemetry.Logging)
	if err != nil {
		return nil, err
	}

	a := &app{
		settings: settings,
		log:      log,
		metrics:  telemetry.NewMetrics(settings.Telemetry.Metrics),
	}

	a.tracer, err = telemetry.NewTracer(settings.Telemetry.Tracing,
		settings.Telemetry.ServiceName, settings.Telemetry.ServiceVersion, settings.Telemetry.Environment)
	if err != nil {
		return nil, err
	}

	if needManifest {
		mPath := manifestPath
		if mPath == "" {
			mPath = config.DefaultManifestPath
		}
		a.manifest, err = config.LoadManifest(mPath)
		if err != nil {
			return nil, err
		}
	}

	a.store = state.New(settings.StateFile,
		state.WithLogger(telemetry.Component(log, "state")),
		state.WithMetrics(a.metrics),
	)

	var machineCfg *config.MachineConfig
	if a.manifest != nil {
		machineCfg = &a.manifest.Machine
	}
	a.prov, err = provider.New(settings.ProviderName(machineCfg), settings.ProviderConfig(machineCfg))
	if err != nil {
		return nil, err
	}

	if settings.HistoryFile != "" {
		a.history, err = stores.NewHistoryStore(stores.Config{Path: settings.HistoryFile})
		if err != nil {
			return nil, err
		}
		if err := a.history.Init(ctx); err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
	}

	secretSource, err := secrets.New(
		secrets.WithEnvPrefix("SKIFF_SECRET_"),
		secrets.WithDotenvFile(settings.SecretsFile),
	)
	if err != nil {
		return nil, err
	}

	transports := func(address string) (sshtransport.Transport, error) {
		return sshtransport.NewClient(&sshtransport.Config{
			Host:           address,
			User:           settings.SSH.User,
			PrivateKeyPath: settings.SSH.PrivateKeyPath,
		}, telemetry.Component(log, "ssh"))
	}
	dep := deployer.NewDocker(transports, telemetry.Component(log, "deployer"),
		deployer.WithSecrets(secretSource))

	opts := []engine.ReconcilerOption{
		engine.WithMetrics(a.metrics),
		engine.WithTracer(a.tracer),
		engine.WithMaxParallel(4),
	}
	if a.history != nil {
		opts = append(opts, engine.WithHistory(a.history))
	}
	a.reconciler = engine.NewReconciler(a.store, a.prov, dep,
		telemetry.Component(log, "reconciler"), opts...)

	return a, nil
}

// close flushes telemetry and closes the history store.
func (a *app) close(ctx context.Context) {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close history store")
		}
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("failed to flush traces")
	}
}
