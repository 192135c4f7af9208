package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/livestage/internal/config"
	"github.com/dkeye/livestage/internal/live/backend"
)

const (
	programName = "livestage-participant"
)

var (
	globalFlags = struct {
		debug     bool
		serverURL string
		token     string
	}{}
	configFile string
)

type cfgKey struct{}

func configFrom(ctx context.Context) *config.Config {
	cfg, _ := ctx.Value(cfgKey{}).(*config.Config)
	return cfg
}

// backendClient builds the collaborator client from the participant config.
func backendClient(cfg *config.Config) (*backend.Client, error) {
	return backend.NewClient(cfg.Participant.ServerURL, backend.WithAccountToken(cfg.Participant.AccountToken))
}

func main() {
	config.InitLogger("debug", "info")

	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Join and operate live sessions from the terminal",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().
		StringVar(&globalFlags.serverURL, "server", "", "livestage server url")
	rootCmd.PersistentFlags().
		StringVar(&globalFlags.token, "token", "", "account token")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var (
			cfg *config.Config
			err error
		)
		if configFile != "" {
			cfg, err = config.LoadFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if globalFlags.serverURL != "" {
			cfg.Participant.ServerURL = globalFlags.serverURL
		}
		if globalFlags.token != "" {
			cfg.Participant.AccountToken = globalFlags.token
		}
		level := cfg.LogLevel
		if globalFlags.debug {
			level = "debug"
		}
		config.InitLogger("debug", level)
		cmd.SetContext(context.WithValue(cmd.Context(), cfgKey{}, cfg))
		return nil
	}

	rootCmd.AddCommand(joinCommand())
	rootCmd.AddCommand(signinCommand())
	rootCmd.AddCommand(createSessionCommand())
	rootCmd.AddCommand(grantCommand())
	rootCmd.AddCommand(devicesCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Str("component", programName).Msg("command failed")
		os.Exit(1)
	}
}
