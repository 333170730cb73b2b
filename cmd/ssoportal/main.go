package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ssoportal.id/internal/config"
	"ssoportal.id/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "ssoportal",
		Short:         "Port services SSO portal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", envOr("SSO_CONFIG", ""), "path to YAML config (env SSO_CONFIG)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return config.Config{}, err
		}
		if cfg.App.Version == "" || cfg.App.Version == "dev" {
			cfg.App.Version = version
		}
		obs.InitLogger(obs.LogConfig{
			Env:     cfg.Log.Env,
			Level:   cfg.Log.Level,
			Service: "ssoportal",
			Version: cfg.App.Version,
		})
		return cfg, nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health and the session reaper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Purge sessions that expired before the retention window, once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			n, err := reap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d sessions\n", n)
			return nil
		},
	}

	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Create or reset the built-in roles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return provision(cmd.Context(), cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ssoportal %s (%s)\n", version, commit)
		},
	}

	root.AddCommand(serveCmd, reapCmd, provisionCmd, migrateCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		obs.L().Error("command failed", zap.Error(err))
		_ = obs.L().Sync()
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
