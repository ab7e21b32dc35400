package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skiffhq/skiff/pkg/engine"
)

func newUpCommand() *cobra.Command {
	var replicas int

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Provision machines and deploy the service",
		Long: `Reconcile the manifest's service to its desired replica count.

Machines already tracked for the service are reused without touching the
provider; only the shortfall is created. Each new machine is recorded
before it is waited on, so an interrupted run never loses a billable
instance. A failure on one machine does not abort the others.`,
		Example: `  # Deploy with the manifest's replica count
  skiff up

  # Override the replica count
  skiff up --replicas 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			count := a.manifest.Replicas
			if replicas > 0 {
				count = replicas
			}

			instance, err := a.settings.InstanceSpec(a.manifest)
			if err != nil {
				return err
			}

			result, err := a.reconciler.EnsureService(ctx, a.manifest.DeploySpec(), engine.EnsureOptions{
				Replicas: count,
				Instance: instance,
			})
			if result != nil {
				printEnsureResult(result)
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&replicas, "replicas", "r", 0, "override the manifest replica count")

	return cmd
}

func printEnsureResult(r *engine.Result) {
	for _, m := range r.Succeeded {
		fmt.Printf("  %s  %s  %s\n", m.Name, m.Address, m.Status)
	}
	for _, f := range r.Failed {
		fmt.Printf("  %s  FAILED: %v\n", f.Machine, f.Err)
	}
	switch {
	case len(r.Failed) == 0:
		fmt.Printf("%s: %d machine(s) running (%d reused, %d created)\n",
			r.Service, len(r.Succeeded), r.Reused, r.Created)
	case len(r.Succeeded) > 0:
		fmt.Printf("%s: partial success, %d of %d machine(s) running\n",
			r.Service, len(r.Succeeded), r.Requested)
	}
}
