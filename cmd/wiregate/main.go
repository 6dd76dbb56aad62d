// Package main provides the CLI entry point for the wiregate gateway.
//
// Wiregate multiplexes operator clients and node devices onto one AI
// agent runtime over a bidirectional WebSocket RPC/event protocol.
//
// Start the server:
//
//	wiregate serve --config wiregate.yaml
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/wiregate/internal/agent"
	"github.com/haasonsaas/wiregate/internal/auth"
	"github.com/haasonsaas/wiregate/internal/channels"
	"github.com/haasonsaas/wiregate/internal/config"
	"github.com/haasonsaas/wiregate/internal/gateway"
	"github.com/haasonsaas/wiregate/internal/identity"
	"github.com/haasonsaas/wiregate/internal/observability"
	"github.com/haasonsaas/wiregate/internal/ratelimit"
	"github.com/haasonsaas/wiregate/internal/sessions"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "wiregate",
		Short:        "Wiregate - WebSocket gateway for AI agent runtimes",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var watchConfig bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				// The default config name is optional; anything the
				// operator named explicitly must exist.
				if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("config") {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = config.Default()
				configPath = ""
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			slog.SetDefault(logger)
			gateway.Version = version

			snapshot := config.NewSnapshot(cfg, configPath, logger)

			store, err := openSessionStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			limiter := ratelimit.NewLimiter(cfg.Gateway.RateLimit)
			resolver := auth.NewResolver(limiter, identity.NewMemoryStore(), logger)

			server, err := gateway.NewServer(gateway.Options{
				Config:   snapshot,
				Logger:   logger,
				Resolver: resolver,
				Limiter:  limiter,
				Engine:   &agent.EchoEngine{},
				Sessions: store,
				Channels: channels.NewRegistry(),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if watchConfig && configPath != "" {
				go func() {
					if err := snapshot.Watch(ctx); err != nil {
						logger.Warn("config watch stopped", "error", err)
					}
				}()
			}

			return server.Start(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "wiregate.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Reload configuration on file change")
	return cmd
}

func openSessionStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Sessions.Driver {
	case "", "memory":
		return sessions.NewMemoryStore(), nil
	case "sqlite":
		store, err := sessions.NewSQLiteStore(cfg.Sessions.Path)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown sessions driver %q", cfg.Sessions.Driver)
	}
}
