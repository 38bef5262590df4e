package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/observability"
	"github.com/xkilldash9x/panelbot/internal/service"
)

func newProvisionCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		kindFlag    string
		packageID   string
		requesterID int64
		headless    bool
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create one account on the panel and print its credentials",
		Example: "  panelbot provision --kind trial --package 2\n" +
			"  panelbot provision --kind permanent --package 1 --headless=false",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			kind, err := schemas.ParseAccountKind(kindFlag)
			if err != nil {
				return err
			}
			req := schemas.ProvisioningRequest{RequesterID: requesterID, Kind: kind, PackageID: packageID}
			if err := req.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			logger := observability.GetLogger()
			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				components.Shutdown(shutdownCtx)
			}()

			progress := cmd.ErrOrStderr()
			account, err := components.Provisioner.ProvisionSync(ctx, req, schemas.StatusFunc(func(stage schemas.Stage) {
				fmt.Fprintf(progress, "[%s] %s\n", time.Now().Format("15:04:05"), stage)
			}))
			if err != nil {
				logger.Error("Provisioning failed", zap.Error(err))
				return fmt.Errorf("%s (%s)", schemas.UserMessage(err), schemas.CodeOf(err))
			}
			return printAccount(cmd.OutOrStdout(), account)
		},
	}

	cmd.Flags().StringVarP(&kindFlag, "kind", "k", "trial", "account kind: trial or permanent")
	cmd.Flags().StringVarP(&packageID, "package", "p", "", "package id offered by the panel")
	cmd.Flags().Int64Var(&requesterID, "requester", 0, "requester id recorded in the audit log")
	cmd.Flags().BoolVar(&headless, "headless", true, "run the browser without a window")
	_ = cmd.MarkFlagRequired("package")
	return cmd
}

func printAccount(w io.Writer, a *schemas.ProvisionedAccount) error {
	credits := fmt.Sprintf("%d", a.CreditsLeft)
	if a.CreditsApproximate {
		credits += " (approximate)"
	}
	_, err := fmt.Fprintf(w, "Account created\n  user:     %s\n  password: %s\n  kind:     %s\n  package:  %s\n  credits:  %s\n",
		a.Username, a.Password, a.Kind, a.PackageID, credits)
	return err
}
