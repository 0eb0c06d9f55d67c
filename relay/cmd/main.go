package main

import (
	"context"
	"net/http"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mlvzk/watchparty/internal/config"
	"github.com/mlvzk/watchparty/internal/httputil"
	"github.com/mlvzk/watchparty/internal/log"
	"github.com/mlvzk/watchparty/internal/workflow"
	"github.com/mlvzk/watchparty/relay"
)

type Config struct {
	App   config.App      `mapstructure:"app"`
	HTTP  httputil.Config `mapstructure:"http"`
	Relay relay.Config    `mapstructure:"relay"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		config.Setup(v, "app")
		httputil.Setup(v, "http")
		relay.Setup(v, "relay")

		// override default addr to ease testing
		v.SetDefault("http.addr", "0.0.0.0:8089")
	})
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", err)
	}

	logger, err := log.NewLogger(cfg.App.LogConfigFile)
	if err != nil {
		log.Fatal("Failed to create logger", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting relay...")

	server := relay.NewServer(&cfg.Relay, logger.Module("Relay"))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpServer := httputil.NewServer(&cfg.HTTP, mux)

	ctx := context.Background()
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", log.String("addr", cfg.HTTP.Addr))
		if err := httpServer.Listen(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	cleanup := func(ctx context.Context) {
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down HTTP server", log.Error(err))
		}
	}
	workflow.WaitGracefulShutdown(ctx, logger.Module("CleanUp"), cleanup, cfg.App.ShutdownTimeout)

	if err := g.Wait(); err != nil {
		logger.Fatal("HTTP server failed", log.Error(err))
	}
}
