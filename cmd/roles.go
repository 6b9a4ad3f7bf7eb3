package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List the interview roles offered by the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		roles, err := newClient().Roles(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROLE\tDESCRIPTION")
		for _, r := range roles {
			fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, r.Name, r.Description)
		}
		return w.Flush()
	},
}
