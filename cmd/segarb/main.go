package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"segarb/internal/infrastructure/config"
	"segarb/internal/infrastructure/logger"
	"segarb/internal/infrastructure/svc"

	"github.com/rs/zerolog/log"
)

func main() {
	_ = logger.Setup(logger.Options{Level: "info"})

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	if err := logger.Setup(logger.Options{Level: cfg.App.LogLevel, File: cfg.App.LogFile}); err != nil {
		log.Fatal().Err(err).Msg("logger setup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}
	defer func() {
		if err := sc.Close(); err != nil {
			log.Error().Err(err).Msg("close resources")
		}
	}()

	// SIGHUP: 人工恢复被退避或维护暂停的交易所
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Warn().Msg("SIGHUP received, force resuming venues")
				sc.Pipeline.ForceResume()
			}
		}
	}()

	log.Info().
		Str("config", *configPath).
		Int("pairs", len(sc.Pairs)).
		Int("venues", len(sc.Venues)).
		Str("history", cfg.History.Store).
		Msg("segarb started")

	if err := sc.Pipeline.Run(ctx); err != nil {
		log.Error().Err(err).Msg("pipeline exited")
	}
	log.Info().Msg("segarb stopped")
}
