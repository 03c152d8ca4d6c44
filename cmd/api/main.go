package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/sample-shop/backend/internal/config"
	"github.com/zhouzirui/sample-shop/backend/internal/logging"
)

type rootOptions struct {
	envFile   string
	addr      string
	staticDir string
	logLevel  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "sample-shop",
		Short:         "Sample Shop backend with an AI shopping assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flags.StringVar(&opts.addr, "addr", "", "listen address, overrides PORT")
	flags.StringVar(&opts.staticDir, "static-dir", "", "directory with the storefront pages, overrides STATIC_DIR")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level, overrides LOG_LEVEL")

	return cmd
}

func run(ctx context.Context, opts *rootOptions) error {
	envErr := godotenv.Load(opts.envFile)

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := applyOverrides(cfg, opts); err != nil {
		return err
	}

	if _, err := logging.Init(cfg.Log); err != nil {
		log.Warn().Err(err).Msg("file logging disabled")
	}
	if envErr != nil {
		log.Warn().Err(envErr).Str("file", opts.envFile).Msg("continuing with system environment variables only")
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}

func applyOverrides(cfg *config.Config, opts *rootOptions) error {
	if opts.addr != "" {
		addr, err := config.ParseAddr(opts.addr)
		if err != nil {
			return errors.Wrap(err, "invalid --addr")
		}
		cfg.Server.Addr = addr
	}
	if opts.staticDir != "" {
		cfg.Server.StaticDir = opts.staticDir
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	return nil
}
