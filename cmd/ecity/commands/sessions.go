package commands

import (
	"fmt"

	"github.com/ecity-hub/ecity"
	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage auth bridge sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository()
			if err != nil {
				return err
			}
			gateway, err := ecity.New(ecity.WithConfig(cfg), ecity.WithLogger(logger), ecity.WithRepo(repo))
			if err != nil {
				repo.Close()
				return err
			}
			defer gateway.Close()

			removed, err := gateway.PurgeExpiredSessions()
			if err != nil {
				return err
			}
			remaining, err := repo.CountSessions()
			if err != nil {
				return err
			}
			fmt.Printf("purged %d expired sessions, %d remaining\n", removed, remaining)
			return nil
		},
	})
	return cmd
}
