package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newMigrateCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the job database schema",
		Long: `Apply or roll back job database migrations.

The schema is brought up to date whenever deshaker opens the database, so
"down" is mainly useful before running an older deshaker against it.`,
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.store.MigrateUp(); err != nil {
				return err
			}
			root.log.Info("migrations applied")
			return printSchemaVersion(cmd.OutOrStdout(), root)
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.store.MigrateDown(); err != nil {
				return err
			}
			root.log.Info("migration rolled back")
			return printSchemaVersion(cmd.OutOrStdout(), root)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printSchemaVersion(cmd.OutOrStdout(), root)
		},
	}

	cmd.AddCommand(upCmd, downCmd, statusCmd)
	return cmd
}

func printSchemaVersion(w io.Writer, root *Root) error {
	version, dirty, err := root.store.MigrateVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	fmt.Fprintf(w, "Schema version: %d\n", version)
	if dirty {
		fmt.Fprintln(w, "Dirty: a migration failed part way; inspect the database before retrying")
	}
	return nil
}
