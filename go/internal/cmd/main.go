package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/slowpoke/go/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Result lines own stdout; logs go to stderr.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load(os.Getenv("SLOWPOKE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}
	defer services.Close()

	var server *http.Server
	if services.Gateway != nil {
		go services.Gateway.Start(ctx)

		server = setupServer(cfg.AdminPort, services.Gateway)
		go func() {
			log.Info().Str("addr", server.Addr).Msg("admin HTTP server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("admin HTTP server failed")
			}
		}()
	}

	if services.Publisher != nil {
		go services.Publisher.Run(ctx)
	}

	log.Info().
		Int("port", cfg.Port).
		Int("max_delay_sec", cfg.MaxDelaySeconds).
		Int("reset_interval_sec", cfg.ResetIntervalSeconds).
		Msg("starting slowpoke")

	if err := services.Reactor.ListenAndServe(ctx, cfg.ListenAddr()); err != nil {
		log.Fatal().Err(err).Msg("reactor failed")
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("admin HTTP server shutdown failed")
		}
	}

	log.Info().Msg("slowpoke shutdown complete")
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Warn().Str("log_level", level).Msg("unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
