package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/docuflow/docuflow/version"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("full", false, "include build and dependency information")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the docuflow version",
	// The version command must work without a valid configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		if !full {
			fmt.Println(version.Short())
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(version.GetBuildInfo())
	},
}
