package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/repositories/bestmatch"
	"github.com/Ramsey-B/fern/internal/repositories/matchresult"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/matches"
	"github.com/Ramsey-B/fern/pkg/startup"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve match results over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(c, ctx, migrateFirst)
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "Apply database migrations before serving")
	return cmd
}

func serve(ctx context.Context, c *commandContext, migrateFirst bool) error {
	if err := c.startTracing(ctx); err != nil {
		return err
	}
	cfg, logger := c.config, c.logger

	checker := health.NewChecker(cfg.Version)
	deps := startup.NewStartup(logger, cfg.StartupMaxAttempts)

	var db database.DB
	deps.AddDependency(startup.Func{
		Name: "database",
		OnStart: func(ctx context.Context) error {
			raw, instance, err := c.openDB(ctx)
			if err != nil {
				return err
			}
			db = instance
			checker.AddCheck("database", raw, true)
			if migrateFirst {
				return database.NewMigrationService(logger, cfg.Migration()).MigratePostgres(raw.DB, cfg.DatabaseName)
			}
			return nil
		},
	})
	if client := c.redisClient(); client != nil {
		deps.AddDependency(startup.Func{
			Name:    "redis",
			OnStart: client.Ping,
		})
		checker.AddCheck("redis", health.PingFunc(client.Ping), false)
	}

	if err := deps.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = deps.Stop(context.WithoutCancel(ctx))
	}()

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: []string{http.MethodGet},
	}))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handler := matches.NewHandler(matchresult.NewRepository(db, logger), bestmatch.NewRepository(db, logger))
	handler.Register(e.Group("/api/v1/collections/:collection"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", srv.Addr)
		if err := e.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	checker.SetReady(true)

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	checker.SetReady(false)
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
