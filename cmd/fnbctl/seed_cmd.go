package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/fnbcost/fnbcost/internal/platform/db"
	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
	"github.com/fnbcost/fnbcost/internal/users"
)

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing control plane tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.ApplySchema(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newSeedCmd(g *globals) *cobra.Command {
	var (
		adminEmail  string
		passwordEnv string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed permissions, the default role matrix and an optional super admin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := rbac.NewRepository(pool).Seed(ctx, rbac.DefaultRegistry(), rbac.DefaultRoleMatrix())
			if err != nil {
				return err
			}
			out := map[string]any{"catalogue": res}

			if adminEmail != "" {
				password := os.Getenv(passwordEnv)
				if len(password) < 12 {
					return fmt.Errorf("%s must hold a password of at least 12 characters", passwordEnv)
				}
				hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
				if err != nil {
					return err
				}
				id, err := users.NewRepository(pool).Create(ctx, adminEmail, string(hash), rbac.RoleSuperAdmin)
				var conflict *shared.ConflictError
				switch {
				case errors.As(err, &conflict):
					g.logger.Warn("super admin already exists", slog.String("email", adminEmail))
				case err != nil:
					return err
				default:
					out["super_admin_id"] = id
				}
			}
			return g.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "permissions: %d\nroles: %d\nnew assignments: %d\n", res.Permissions, res.Roles, res.Assignments)
				if id, ok := out["super_admin_id"]; ok {
					fmt.Fprintf(w, "super admin: %s (id %d)\n", adminEmail, id)
				}
			})
		},
	}
	cmd.Flags().StringVar(&adminEmail, "admin-email", "", "Create a super admin with this email")
	cmd.Flags().StringVar(&passwordEnv, "password-env", "FNBCTL_ADMIN_PASSWORD", "Environment variable holding the super admin password")
	return cmd
}
