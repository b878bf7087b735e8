package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/docuflow/docuflow/importer"
	"github.com/docuflow/docuflow/pipeline"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func init() {
	RootCmd.AddCommand(campaignCmd)
	campaignCmd.AddCommand(campaignImportCmd)

	campaignImportCmd.Flags().String("tenant", "", "tenant slug to import into")
	campaignImportCmd.Flags().String("file", "", "definition file (YAML or JSON)")
	campaignImportCmd.Flags().String("inline", "", "definition passed inline")
	campaignImportCmd.Flags().Bool("validate-only", false, "validate without persisting")
}

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "manage campaigns",
}

var campaignImportCmd = &cobra.Command{
	Use:   "import",
	Short: "import a campaign definition from file, STDIN or inline",
	Long: `Validates a campaign definition against the processor registry and
persists it in the tenant database. With --validate-only no tenant is
required and nothing is written.

Exit codes: 2 for unreadable input, 3 for a definition that failed
validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		inline, _ := cmd.Flags().GetString("inline")
		filePath, _ := cmd.Flags().GetString("file")
		validateOnly, _ := cmd.Flags().GetBool("validate-only")
		tenantSlug, _ := cmd.Flags().GetString("tenant")

		source := importer.Source{Inline: inline, FilePath: filePath}
		if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
			source.Stdin = os.Stdin
		}

		def, err := importer.Load(source)
		if err != nil {
			return err
		}

		registry := buildRegistry()

		if validateOnly && tenantSlug == "" {
			im := importer.NewImporter(registry, nil)
			if errs := im.Validate(ctx, def); len(errs) > 0 {
				printValidationErrors(errs)
				return &importer.InvalidDefinitionError{Errors: errs}
			}
			fmt.Println("definition is valid")
			return nil
		}

		if tenantSlug == "" {
			return fmt.Errorf("--tenant is required unless --validate-only")
		}

		catalog, manager, err := openCentral(cfg)
		if err != nil {
			return err
		}
		t, err := catalog.BySlug(ctx, tenantSlug)
		if err != nil {
			return fmt.Errorf("unknown tenant %q: %w", tenantSlug, err)
		}

		return manager.WithTenant(ctx, t, func(ctx context.Context, db *gorm.DB) error {
			im := importer.NewImporter(registry, pipeline.NewGormCampaignRepository(db))
			campaign, err := im.Import(ctx, def, validateOnly)
			if err != nil {
				var invalid *importer.InvalidDefinitionError
				if errors.As(err, &invalid) {
					printValidationErrors(invalid.Errors)
				}
				return err
			}
			if validateOnly {
				fmt.Println("definition is valid")
				return nil
			}
			fmt.Printf("imported campaign %q as %s (%d steps)\n",
				campaign.Name, campaign.Slug, len(campaign.PipelineConfig.Processors))
			return nil
		})
	},
}

func printValidationErrors(errs []importer.ValidationError) {
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", e.Field, e.Reason)
	}
}

