package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/panelbot/internal/observability"
	"github.com/xkilldash9x/panelbot/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply audit database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cfg.Database().URL == "" {
				return errors.New("database URL is not configured (PANELBOT_DATABASE_URL)")
			}
			return store.Migrate(cmd.Context(), cfg.Database().URL, observability.GetLogger())
		},
	}
}
