package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ecity-hub/ecity"
	"github.com/ecity-hub/ecity/db"
	"github.com/spf13/cobra"
)

var (
	configDir string
	verbose   bool
	cfg       *ecity.Config
	logger    *slog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "ecity",
		Short:         "e-City gateway and API tools",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			if configDir == "" {
				dir, err := os.UserConfigDir()
				if err != nil {
					return err
				}
				configDir = filepath.Join(dir, "ecity")
			}
			loaded, err := ecity.LoadConfig(configDir)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "config dir holding config.yaml (default <user config dir>/ecity)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serveCmd(), migrateCmd(), sessionsCmd(), trafficCmd(), trackCmd(), chatCmd())
	return root.Execute()
}

// databasePath resolves the configured database relative to the config dir.
func databasePath() string {
	if filepath.IsAbs(cfg.Database) {
		return cfg.Database
	}
	return filepath.Join(configDir, cfg.Database)
}

func openRepository() (*db.Repository, error) {
	conn, err := db.New(databasePath())
	if err != nil {
		return nil, fmt.Errorf("opening database %s : %w", databasePath(), err)
	}
	return db.NewRepository(conn), nil
}

// tokenFlag falls back to ECITY_TOKEN.
func tokenFlag(token string) string {
	if token != "" {
		return token
	}
	return os.Getenv("ECITY_TOKEN")
}
