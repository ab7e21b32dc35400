package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skiffhq/skiff/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracked machines",
		Long: `Show the machines in the state store and their last known status.

The state store is the control plane's bookkeeping, not live provider
truth; a machine destroyed out of band still shows until the next run
touches it.`,
		Example: `  # All tracked machines
  skiff status

  # One service
  skiff status --service web

  # Machine records as JSON
  skiff status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			records, err := a.store.Read()
			if err != nil {
				return err
			}

			var machines []*engine.Machine
			if service != "" {
				machines = engine.MachinesForService(records, service)
			} else {
				for _, m := range records {
					machines = append(machines, m)
				}
				sort.Slice(machines, func(i, j int) bool { return machines[i].Name < machines[j].Name })
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(machines)
			}

			if len(machines) == 0 {
				fmt.Println("no machines tracked")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tSTATUS\tCONTAINERS\tLAST ERROR")
			for _, m := range machines {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					m.Name, m.Address, m.Status, len(m.Containers), m.LastError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "filter to one service")

	return cmd
}
