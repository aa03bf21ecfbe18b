package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agencyflow/internal/server"
	"agencyflow/internal/telemetry"
)

var version = "dev"

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devHeaders bool
	var relayInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			if !cmd.Flags().Changed("allow-dev-headers") {
				devHeaders = cfg.Server.AllowDevHeaders
			}

			if err := telemetry.Init(ctx, telemetry.Options{
				Enabled:     cfg.Telemetry.Enabled,
				Stdout:      cfg.Telemetry.Stdout,
				ServiceName: cfg.Telemetry.ServiceName,
				Version:     version,
			}); err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(sctx)
			}()

			authCfg := server.AuthConfig{
				JWTSecret:       viper.GetString("jwt-secret"),
				AllowDevHeaders: devHeaders,
			}
			if authCfg.JWTSecret == "" {
				a.Logger.Warn("AGENCYFLOW_JWT_SECRET not set; bearer sessions and login are disabled")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			relay := server.NewRelay(a.Engine, relayInterval, a.Logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.Notifier.Run(gctx) })
			g.Go(func() error { return relay.Run(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				a.Logger.Info("serving agencyflow API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("dev_headers", devHeaders))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			fmt.Printf("Serving agencyflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devHeaders, "allow-dev-headers", false, "trust X-Actor-Id/X-Roles/X-Client-Id headers (local use only)")
	cmd.Flags().DurationVar(&relayInterval, "relay-interval", time.Second, "how often to pick up events written by other processes")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for session tokens (env AGENCYFLOW_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
