package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/poslink/bridge/internal/config"
	"github.com/poslink/bridge/internal/discovery"
	"github.com/poslink/bridge/pkg/poslink"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	// Local .env keeps the shared secret out of shell history during development
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("main.env_file_loaded")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("main.config_load_failed")
	}

	app, err := poslink.NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("main.app_init_failed")
	}

	if err := app.Start(); err != nil {
		log.Fatal().Err(err).Msg("main.listen_failed")
	}

	app.Logger.Info().
		Int("port", app.Listener.Port()).
		Strs("pairing_urls", discovery.PairingURLs(app.Listener.Port())).
		Msg("main.bridge_ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("main.shutting_down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("main.shutdown_failed")
		os.Exit(1)
	}
	app.Logger.Info().Msg("main.stopped")
}
