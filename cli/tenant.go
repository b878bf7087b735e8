package cli

import (
	"fmt"

	"github.com/docuflow/docuflow/model"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantSuspendCmd)

	tenantCreateCmd.Flags().String("name", "", "display name")
	tenantCreateCmd.Flags().String("slug", "", "unique slug")
	tenantCreateCmd.Flags().String("email", "", "billing contact")
	tenantCreateCmd.Flags().String("tier", "starter", "subscription tier")
	tenantCreateCmd.MarkFlagRequired("name")
	tenantCreateCmd.MarkFlagRequired("slug")

	tenantSuspendCmd.Flags().Uint("id", 0, "tenant id")
	tenantSuspendCmd.MarkFlagRequired("id")
}

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "manage tenants in the central catalog",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "create a tenant and provision its database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		catalog, manager, err := openCentral(cfg)
		if err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		slug, _ := cmd.Flags().GetString("slug")
		email, _ := cmd.Flags().GetString("email")
		tier, _ := cmd.Flags().GetString("tier")

		t := &model.Tenant{Name: name, Slug: slug, Email: email, Tier: tier}
		if err := catalog.Create(ctx, t); err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}

		// Provision the tenant database and schema up front so the first
		// upload does not pay the migration cost.
		if _, err := manager.Acquire(ctx, t); err != nil {
			return fmt.Errorf("tenant %d created but provisioning failed: %w", t.ID, err)
		}

		fmt.Printf("created tenant %d (%s), database %s\n", t.ID, t.Slug, t.DatabaseName())
		return nil
	},
}

var tenantSuspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "suspend a tenant; workers drop its queued work",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, _, err := openCentral(cfg)
		if err != nil {
			return err
		}
		id, _ := cmd.Flags().GetUint("id")
		if err := catalog.Suspend(cmd.Context(), id); err != nil {
			return fmt.Errorf("failed to suspend tenant %d: %w", id, err)
		}
		fmt.Printf("tenant %d suspended\n", id)
		return nil
	},
}
