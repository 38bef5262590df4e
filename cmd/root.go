// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/observability"
	"github.com/xkilldash9x/panelbot/internal/service"
)

// contextKey keeps our context values out of other packages' key space.
type contextKey string

// configKey stores the loaded *config.Config on the command context.
const configKey contextKey = "config"

// Swappable in tests.
var initLogger = observability.InitializeLogger

// NewRootCommand builds the command tree with the production component
// factory.
func NewRootCommand() *cobra.Command {
	return newRootCommand(service.NewComponentFactory())
}

func newRootCommand(factory service.ComponentFactory) *cobra.Command {
	var cfgFile, envFile string

	cmd := &cobra.Command{
		Use:           "panelbot",
		Short:         "Provisions reseller panel accounts through a Telegram bot.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		// Runs before every subcommand: config first, then the logger built
		// from it. The --version flag short-circuits before this.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A fresh viper per invocation keeps tests independent of each other.
			v := viper.New()
			config.SetDefaults(v)

			// Layer .env, the YAML file and the environment on top of the defaults.
			if err := initializeConfig(v, cfgFile, envFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// Validation is left to each command; they need different parts.
			cfg, err := config.Load(v)
			if err != nil {
				// Still bring up a console logger so the error is reported consistently.
				initLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "panelbot"})
				return fmt.Errorf("failed to load config: %w", err)
			}

			initLogger(cfg.Logger())
			observability.GetLogger().Debug("Configuration loaded", zap.String("version", Version), zap.String("config_file", v.ConfigFileUsed()))

			// Subcommands read it back through configFrom.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./panelbot.yaml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	// Register subcommands. The factory is shared so tests can inject fakes.
	cmd.AddCommand(
		newServeCmd(factory),
		newProvisionCmd(factory),
		newSelectorsCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the command tree with ctx, which main makes signal aware.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	// Ctrl+C is not an error worth printing.
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Debug("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	// Flush buffered log entries before main exits.
	observability.Sync()
	return err
}

// initializeConfig layers the dotenv file, the config file and PANELBOT_
// environment variables onto v.
func initializeConfig(v *viper.Viper, cfgFile, envFile string) error {
	if envFile != "" {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading env file %s: %w", envFile, err)
		}
	}

	// An explicit --config must exist; the default ./panelbot.yaml is optional.
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("panelbot")
		v.SetConfigType("yaml")
	}

	// PANELBOT_PANEL_BASE_URL maps to panel.base_url, and so on.
	v.SetEnvPrefix("PANELBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// configFrom returns the config stored by the root pre-run.
func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
