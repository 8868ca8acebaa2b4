// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

// offsyncd serves the remote side of the Recipe Galaxy offline sync engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Garblesnarff/recipe-galaxy-sync-sub004/syncserver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offsyncd",
		Short: "Sync server for the Recipe Galaxy offline engine",
		Long: "offsyncd exposes the apply/fetch HTTP API that offsync clients\n" +
			"replay their durable operation logs against. Records are stored in\n" +
			"PostgreSQL with per-record server_version conflict detection.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "address to listen on")
	flags.String("database-url", "", "PostgreSQL connection string")
	flags.String("jwt-secret", "", "HS256 secret for client tokens")
	flags.StringSlice("tables", []string{"recipes", "workouts", "meal_plans"}, "tables registered for sync")
	flags.Int("max-payload-bytes", 1<<20, "maximum payload size per operation")
	flags.String("log-file", "", "log file path (stderr when empty)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("config", "", "config file path")

	viper.SetEnvPrefix("OFFSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	return cmd
}

func run(ctx context.Context) error {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	logger := newLogger(viper.GetString("log-file"), viper.GetString("log-level"))
	slog.SetDefault(logger)

	databaseURL := viper.GetString("database-url")
	if databaseURL == "" {
		return fmt.Errorf("database-url is required (flag, config file, or OFFSYNC_DATABASE_URL)")
	}
	jwtSecret := viper.GetString("jwt-secret")
	if jwtSecret == "" {
		return fmt.Errorf("jwt-secret is required (flag, config file, or OFFSYNC_JWT_SECRET)")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	service, err := syncserver.NewService(ctx, pool, &syncserver.ServiceConfig{
		AppName:          "offsyncd",
		RegisteredTables: viper.GetStringSlice("tables"),
		MaxPayloadBytes:  viper.GetInt("max-payload-bytes"),
	}, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	handlers := syncserver.NewHandlers(service, syncserver.NewJWTAuth(jwtSecret), logger)
	handlers.Register(mux)

	server := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("offsyncd listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}
	return nil
}

// newLogger builds a JSON slog handler, rotating the log file when one is
// configured.
func newLogger(logFile, level string) *slog.Logger {
	var out io.Writer = os.Stderr
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
}
