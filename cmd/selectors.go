package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/panelbot/internal/observability"
	"github.com/xkilldash9x/panelbot/internal/service"
)

func newSelectorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selectors",
		Short: "Print the effective selector table, overrides applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			resolver, err := service.InitializeResolver(cfg.Selectors(), observability.GetLogger())
			if err != nil {
				return fmt.Errorf("invalid selector overrides: %w", err)
			}

			table := resolver.Table()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tCANDIDATES")
			for _, target := range table.Targets() {
				locs := table.Candidates(target)
				rendered := make([]string, len(locs))
				for i, l := range locs {
					rendered[i] = l.String()
				}
				fmt.Fprintf(w, "%s\t%s\n", target, strings.Join(rendered, " | "))
			}
			return w.Flush()
		},
	}
}
