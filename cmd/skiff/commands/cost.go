package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCostCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Show advisory pricing for the manifest's machines",
		Long: `Show what the manifest's machine plan roughly costs.

The estimate is static plan data, not a live pricing query; the output
points at the provider's pricing page for authoritative numbers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			instance, err := a.settings.InstanceSpec(a.manifest)
			if err != nil {
				return err
			}
			est, err := a.prov.EstimateCost(instance)
			if err != nil {
				return err
			}

			fmt.Printf("provider: %s\n", est.Provider)
			fmt.Printf("plan:     %s\n", est.Plan)
			fmt.Printf("region:   %s\n", est.Region)
			fmt.Printf("replicas: %d\n", a.manifest.Replicas)
			if est.Warning != "" {
				fmt.Printf("warning:  %s\n", est.Warning)
			}
			fmt.Printf("pricing:  %s\n", est.PricingURL)
			return nil
		},
	}

	return cmd
}
