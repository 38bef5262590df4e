package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/panelbot/internal/config"
)

// newProbeCmd captures the config the root command stored in the context.
func newProbeCmd(dst **config.Config) *cobra.Command {
	return &cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			*dst = cfg
			return err
		},
	}
}
