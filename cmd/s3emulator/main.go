package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/yadazula/s3emulator/internal/api"
	"github.com/yadazula/s3emulator/internal/config"
	"github.com/yadazula/s3emulator/internal/proxy"
	"github.com/yadazula/s3emulator/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("s3emulator", pflag.ContinueOnError)
	config.RegisterFlags(flags)

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.Open(cfg.Directory, cfg.InMemory, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	server := api.NewServer(cfg.ListenAddr(), store, cfg.MaxBPS, logger)

	var rewriteProxy *proxy.Proxy
	if cfg.ProxyEnabled {
		rewriteProxy = proxy.New(cfg.ProxyAddr(), cfg.Service, cfg.DispatcherTarget(), logger)
	}

	// Teardown releases the proxy, the dispatcher listener and the
	// storage handle, in that order. Each step is idempotent, so the
	// signal handler and the deferred call may both run it.
	teardown := func() {
		if rewriteProxy != nil {
			if err := rewriteProxy.Stop(); err != nil {
				logger.Error().Err(err).Msg("stop proxy")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown api server")
		}

		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("close storage")
		}
	}
	defer teardown()

	errs := make(chan error, 2)

	if rewriteProxy != nil {
		go func() {
			errs <- rewriteProxy.Start()
		}()
	}

	go func() {
		errs <- server.Start()
	}()

	logger.Info().
		Str("service", cfg.Service).
		Int("hostport", cfg.HostPort).
		Bool("proxy", cfg.ProxyEnabled).
		Msg("s3 emulator started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		teardown()
	case err := <-errs:
		if err != nil {
			return err
		}
	}

	return nil
}
