package commands

import (
	"fmt"

	"github.com/ecity-hub/ecity/db"
	"github.com/spf13/cobra"
)

// migrate: apply pending migrations and print the schema version.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.New(databasePath())
			if err != nil {
				return err
			}
			defer conn.Close()

			version, err := db.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("%s at schema version %d\n", databasePath(), version)
			return nil
		},
	}
}
