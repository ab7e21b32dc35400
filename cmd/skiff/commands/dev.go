package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/engine"
)

// devDebounce coalesces editor write bursts into one redeploy.
const devDebounce = 500 * time.Millisecond

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Watch the manifest and redeploy on change",
		Long: `Run an initial deploy, then watch the manifest and redeploy whenever
it changes.

The watch covers the manifest's directory because editors replace files
on save rather than writing in place. Changes are debounced; a redeploy
that fails keeps watching.`,
		Example: `  # Watch skiff.yaml and keep the service current
  skiff dev

  # Watch an alternate manifest
  skiff dev -f deploy/skiff.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			mPath := manifestPath
			if mPath == "" {
				mPath = config.DefaultManifestPath
			}
			mPath, err = filepath.Abs(mPath)
			if err != nil {
				return err
			}

			if err := a.deployCurrent(ctx, a.manifest); err != nil {
				a.log.Error().Err(err).Msg("initial deploy failed, watching for changes")
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watcher.Add(filepath.Dir(mPath)); err != nil {
				return fmt.Errorf("watch %s: %w", filepath.Dir(mPath), err)
			}
			a.log.Info().Str("manifest", mPath).Msg("watching for changes")

			var timer *time.Timer
			fire := make(chan struct{}, 1)
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Name != mPath {
						continue
					}
					if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
						continue
					}
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(devDebounce, func() {
						select {
						case fire <- struct{}{}:
						default:
						}
					})
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					a.log.Warn().Err(err).Msg("watch error")
				case <-fire:
					manifest, err := config.LoadManifest(mPath)
					if err != nil {
						a.log.Error().Err(err).Msg("manifest invalid, keeping previous deployment")
						continue
					}
					if err := a.deployCurrent(ctx, manifest); err != nil {
						a.log.Error().Err(err).Msg("redeploy failed")
						continue
					}
					a.log.Info().Str("service", manifest.Service).Msg("redeployed")
				}
			}
		},
	}

	return cmd
}

// deployCurrent reconciles one manifest snapshot.
func (a *app) deployCurrent(ctx context.Context, m *config.Manifest) error {
	instance, err := a.settings.InstanceSpec(m)
	if err != nil {
		return err
	}
	result, err := a.reconciler.EnsureService(ctx, m.DeploySpec(), engine.EnsureOptions{
		Replicas: m.Replicas,
		Instance: instance,
	})
	if result != nil {
		printEnsureResult(result)
	}
	return err
}
