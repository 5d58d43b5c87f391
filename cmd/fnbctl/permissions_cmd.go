package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fnbcost/fnbcost/internal/rbac"
)

func newPermissionsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Inspect the permission registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs := rbac.DefaultRegistry().Definitions()
			rows := make([]map[string]string, 0, len(defs))
			for _, d := range defs {
				rows = append(rows, map[string]string{"name": d.Name, "description": d.Description})
			}
			return g.print(cmd.OutOrStdout(), rows, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tDESCRIPTION")
				for _, d := range defs {
					fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.Description)
				}
				_ = tw.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the stored role matrix against the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			assignments, err := rbac.NewRepository(pool).RoleAssignments(cmd.Context())
			if err != nil {
				return err
			}
			if err := rbac.DefaultRegistry().VerifyAssignments(assignments); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "role matrix ok (%d roles)\n", len(assignments))
			return nil
		},
	})
	return cmd
}
