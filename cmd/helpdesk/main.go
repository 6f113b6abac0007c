package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/app"
	"github.com/spec-kit/helpdesk/internal/config"
	"github.com/spec-kit/helpdesk/internal/observability"
)

func main() {
	var service string
	var shutdownTimeout time.Duration

	flags := pflag.NewFlagSet("helpdesk", pflag.ContinueOnError)
	flags.StringVarP(&service, "service", "s", app.RoleAll, "roles to run: ticket, status, user, notification, a comma separated list or all")
	flags.DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "time allowed for graceful shutdown")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	roles, err := app.ParseRoles(service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	helpdesk, err := app.New(ctx, cfg, roles, logger)
	if err != nil {
		logger.Fatal("failed to assemble helpdesk", zap.Error(err))
	}
	if err := helpdesk.Start(ctx); err != nil {
		_ = helpdesk.Shutdown(context.Background())
		logger.Fatal("failed to start helpdesk", zap.Error(err))
	}

	waitForShutdown(logger)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := helpdesk.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
