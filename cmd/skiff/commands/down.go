package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDownCommand() *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Destroy the service's machines",
		Long: `Destroy every machine tracked for the service and forget them.

Destroy is idempotent at the provider: machines already deleted out of
band still count as removed. A machine whose destroy fails stays tracked
so the next invocation can retry it. When the last record goes, the state
file goes with it.`,
		Example: `  # Tear down the manifest's service
  skiff down

  # Tear down a service by name, no manifest needed
  skiff down --service web`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, service == "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			name := service
			if name == "" {
				name = a.manifest.Service
			}

			result, err := a.reconciler.RemoveService(ctx, name)
			if err != nil {
				return err
			}
			for _, m := range result.Removed {
				fmt.Printf("  %s  removed\n", m)
			}
			for _, f := range result.Failed {
				fmt.Printf("  %s  FAILED: %v\n", f.Machine, f.Err)
			}
			if len(result.Removed) == 0 && len(result.Failed) == 0 {
				fmt.Printf("%s: nothing tracked\n", name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "service name (defaults to the manifest's)")

	return cmd
}
