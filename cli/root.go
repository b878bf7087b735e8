// Package cli provides the docuflow command tree: the upload API server,
// the pipeline worker, and the operator commands for tenants and
// campaigns.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/docuflow/docuflow/common"
	"github.com/docuflow/docuflow/config"
	"github.com/docuflow/docuflow/importer"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

// RootCmd is the docuflow entry command. Every subcommand gets the loaded
// configuration through the package-level cfg.
var RootCmd = &cobra.Command{
	Use:   "docuflow",
	Short: "multi-tenant document processing platform",
	Long: `Docuflow runs campaign-driven processing pipelines over uploaded
documents. Each tenant gets a physically separate database; pipeline
steps run on queue workers with per-step retry and an append-only audit
trail.

Configuration is read from config.yaml, a .env file, and DOCUFLOW_*
environment variables, in ascending precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., ./configs, ~/.docuflow, /etc/docuflow)")
}

// Execute runs the command tree and maps well-known error types to exit
// codes so scripts can distinguish unreadable input (2) from a definition
// that failed validation (3).
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		var parseErr *importer.ParseError
		var invalidErr *importer.InvalidDefinitionError
		switch {
		case errors.As(err, &parseErr):
			os.Exit(2)
		case errors.As(err, &invalidErr):
			os.Exit(3)
		default:
			os.Exit(1)
		}
	}
}
