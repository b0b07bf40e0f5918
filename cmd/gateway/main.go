package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/app"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-quota-gateway/migrations"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "gateway",
		Usage: "quota-metered LLM inference gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Value:   "",
				Sources: cli.EnvVars("GATEWAY_ENV_FILE"),
				Usage:   "dotenv file to load before reading the environment",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the gateway HTTP server",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations",
				Action: migrate,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "status", Usage: "print migration status instead of applying"},
				},
			},
			{
				Name:   "preload",
				Usage:  "warm the plan cache once and exit",
				Action: preload,
			},
			{
				Name:   "token",
				Usage:  "mint an admin bearer token",
				Action: token,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Value: "admin", Usage: "token subject"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat), nil
}

func serve(ctx context.Context, c *cli.Command) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn().Msg("using in-memory store, usage is lost on restart")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}()

	go gw.Redis.RunMonitor(ctx, cfg.CacheHealthInterval)
	gw.Preloader.Trigger()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           gw.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Streams run as long as the upstream keeps producing.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// In-flight handlers finish their metering writes before Shutdown returns.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server exited")
	return nil
}

func migrate(ctx context.Context, c *cli.Command) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("migrations require STORE_DRIVER=%s", config.StoreDriverPostgres)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if c.Bool("status") {
		return migrations.Status(ctx, db.SQL())
	}
	if err := migrations.Up(ctx, db.SQL()); err != nil {
		return err
	}
	log.Info().Msg("migrations applied")
	return nil
}

func preload(ctx context.Context, c *cli.Command) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	gw, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gw.Close()

	if !gw.Cache.Enabled() {
		return errors.New("cache unavailable, nothing to preload")
	}
	res, err := gw.Preloader.Preload(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}

func token(_ context.Context, c *cli.Command) error {
	cfg, _, err := setup(c)
	if err != nil {
		return err
	}
	if cfg.AdminJWTSecret == "" {
		return errors.New("ADMIN_JWT_SECRET is not set")
	}
	signed, err := auth.GenerateToken(c.String("subject"), auth.RoleAdmin, cfg.AdminJWTSecret, c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}
