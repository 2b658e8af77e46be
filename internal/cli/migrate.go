package cli

import (
	"github.com/spf13/cobra"

	"ecg-sentinel/internal/app"
)

var migrateImport string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), app.MigrateOptions{ImportDirectory: migrateImport})
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateImport, "import-directory", "", "YAML responder directory to load into postgres")
}
