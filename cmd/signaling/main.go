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

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/config"
	"github.com/mossy-p/webrtc-roulette/internal/handlers"
	"github.com/mossy-p/webrtc-roulette/internal/logging"
	"github.com/mossy-p/webrtc-roulette/internal/metrics"
	"github.com/mossy-p/webrtc-roulette/internal/moderation"
	"github.com/mossy-p/webrtc-roulette/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "YAML config file (also CONFIG_FILE)")
	port := pflag.StringP("port", "p", "", "listen port, overrides PORT")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != "" {
		cfg.Port = *port
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	rdb, err := redis.Connect(connectCtx, cfg.Redis)
	cancel()
	if err != nil {
		return err
	}
	defer rdb.Close()
	log.Info("redis connection established", zap.String("addr", redis.Addr(cfg.Redis)))

	router, _ := handlers.NewRouter(cfg, moderation.NewRedisStore(rdb), metrics.NewRegistry(), log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting signaling relay", zap.String("addr", srv.Addr), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
