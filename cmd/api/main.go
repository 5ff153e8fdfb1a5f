package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"puzzlehost/api/internal/app"
	"puzzlehost/api/internal/cache"
	"puzzlehost/api/internal/config"
	"puzzlehost/api/internal/notify"
	"puzzlehost/api/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "puzzlehost",
		Short:        "Puzzle host API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Apply migrations and serve the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg)
		},
	}
}

func runMigrate(ctx context.Context, cfg config.Config) error {
	db, dialect, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, dialect, cfg.MigrationsDir); err != nil {
		return err
	}
	log.Printf("migrations applied (%s)", dialect)
	return nil
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, dialect, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("database connection failed: %v", err)
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, dialect, cfg.MigrationsDir); err != nil {
		log.Printf("migrations failed: %v", err)
		return err
	}

	registry := notify.NewRegistry()
	service := app.New(cfg, store.NewSQLStore(db, dialect), notify.NewDispatcher(registry))

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis answer cache")
		answerCache, err := cache.NewRedisCache(cfg.RedisURL, cfg.AnswerCacheTTL)
		if err != nil {
			log.Printf("redis connection failed: %v", err)
			return err
		}
		defer answerCache.Close()
		service.WithAnswerCache(answerCache)
	}

	httpServer := app.NewHTTPServer(service, registry, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Puzzle host API listening on %s (%s)", cfg.Addr, dialect)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case err := <-errCh:
		log.Printf("server failed: %v", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}
