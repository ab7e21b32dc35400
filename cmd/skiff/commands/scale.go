package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/skiffhq/skiff/pkg/engine"
)

func newScaleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scale <replicas>",
		Short: "Change the service's machine count",
		Long: `Scale the service to the given replica count.

Scaling up reconciles like skiff up: tracked machines are reused and only
the shortfall is created. Scaling down destroys the highest-numbered
machines first, so the surviving names stay contiguous from the low end.`,
		Example: `  # Grow or shrink to 5 machines
  skiff scale 5

  # Drop to a single machine
  skiff scale 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			replicas, err := strconv.Atoi(args[0])
			if err != nil || replicas < 0 {
				return fmt.Errorf("replicas must be a non-negative integer, got %q", args[0])
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			records, err := a.store.Read()
			if err != nil {
				return err
			}
			tracked := len(engine.MachinesForService(records, a.manifest.Service))

			if replicas < tracked {
				result, err := a.reconciler.ScaleDown(ctx, a.manifest.Service, replicas)
				if err != nil {
					return err
				}
				for _, m := range result.Removed {
					fmt.Printf("  %s  removed\n", m)
				}
				for _, f := range result.Failed {
					fmt.Printf("  %s  FAILED: %v\n", f.Machine, f.Err)
				}
				fmt.Printf("%s: scaled down to %d machine(s)\n", a.manifest.Service, replicas)
				return nil
			}

			if replicas == 0 {
				fmt.Printf("%s: nothing tracked\n", a.manifest.Service)
				return nil
			}

			instance, err := a.settings.InstanceSpec(a.manifest)
			if err != nil {
				return err
			}
			result, err := a.reconciler.EnsureService(ctx, a.manifest.DeploySpec(), engine.EnsureOptions{
				Replicas: replicas,
				Instance: instance,
			})
			if result != nil {
				printEnsureResult(result)
			}
			return err
		},
	}

	return cmd
}
