// Package cli holds the cobra command shared by the service and gateway
// binaries.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sonroyaalmerol/ldap-gateway/internal/config"
	"github.com/sonroyaalmerol/ldap-gateway/internal/httpserver"
	"github.com/sonroyaalmerol/ldap-gateway/internal/logging"
)

// Version is injected at build time.
var Version = "dev"

const shutdownTimeout = 15 * time.Second

// BuildFunc wires a server from the loaded configuration.
type BuildFunc func(cfg *config.Config, logger zerolog.Logger) (*httpserver.Server, func(), error)

type options struct {
	configFile string
	logLevel   string
	logFormat  string
	checkOnly  bool
}

// NewCommand returns a root command that loads configuration, builds the
// server with build and serves until SIGINT or SIGTERM.
func NewCommand(use, short string, build BuildFunc) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if opts.checkOnly {
				cmd.Println("configuration OK")
				return nil
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("app", use).Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, build)
		},
	}
	cmd.Flags().StringVarP(&opts.configFile, "config", "c", os.Getenv("LDAPGW_CONFIG"), "path to the YAML configuration file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "override the configured log format (json or console)")
	cmd.Flags().BoolVar(&opts.checkOnly, "check", false, "validate the configuration and exit")
	return cmd
}

func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// serve runs the server until ctx is done, then shuts it down.
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger, build BuildFunc) error {
	srv, cleanup, err := build(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("server init failed")
		return err
	}
	defer cleanup()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info().Msgf("listening on %s", srv.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}
	logger.Info().Msg("bye")
	return nil
}
