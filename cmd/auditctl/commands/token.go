package commands

import (
	"fmt"
	"time"

	"audit-ledger/internal/auth"
	"audit-ledger/internal/config"
	"audit-ledger/internal/rbac"

	"github.com/spf13/cobra"
)

var knownRoles = map[string]bool{
	rbac.RoleClient:            true,
	rbac.RoleCoach:             true,
	rbac.RoleService:           true,
	rbac.RoleComplianceOfficer: true,
	rbac.RoleAdmin:             true,
	rbac.RoleSuperAdmin:        true,
}

func newTokenCmd() *cobra.Command {
	var user, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a service or operator",
		Example: `  auditctl token --user notes-service --role service
  auditctl token --user alice --role compliance_officer`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !knownRoles[role] {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := config.LoadAuth()
			if err != nil {
				return err
			}
			m, err := auth.NewManager(cfg)
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), user, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pair.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "subject user id")
	cmd.Flags().StringVar(&role, "role", rbac.RoleService, "role claim")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
