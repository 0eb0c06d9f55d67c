package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"

	"github.com/mlvzk/watchparty/internal/channel/websocket"
	"github.com/mlvzk/watchparty/internal/config"
	"github.com/mlvzk/watchparty/internal/eventbus"
	"github.com/mlvzk/watchparty/internal/log"
	"github.com/mlvzk/watchparty/internal/retry"
	"github.com/mlvzk/watchparty/internal/workflow"
	"github.com/mlvzk/watchparty/player"
	"github.com/mlvzk/watchparty/session"
)

type Config struct {
	App config.App `mapstructure:"app"`

	RelayURL string `mapstructure:"relay_url"`
	Identity string `mapstructure:"identity"`
	Room     string `mapstructure:"room"`

	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		config.Setup(v, "app")

		v.SetDefault("relay_url", "ws://127.0.0.1:8089/ws")
		v.SetDefault("identity", "guest-"+uuid.New().String()[:8])
		v.SetDefault("room", "lobby")
		v.SetDefault("retry_initial_interval", "500ms")
		v.SetDefault("retry_max_interval", "10s")
	})
}

// Headless room member: follows the authoritative clock against a simulated
// media source and logs what the room does. Useful for soak-testing a relay
// and as a wiring reference for real player frontends.
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

	logger.Info("Starting client",
		log.String("relay", cfg.RelayURL),
		log.String("identity", cfg.Identity),
		log.String("room", cfg.Room))

	// maxElapsedTime 0: keep redialing for as long as the process lives
	r := retry.New(logger.Module("Retry"), cfg.RetryInitialInterval, cfg.RetryMaxInterval, 0)
	ch := websocket.NewClient(cfg.RelayURL, r, logger.Module("WS"))

	source := player.NewSimulatedSource(clockwork.NewRealClock())
	ctrl := player.NewController(source, logger.Module("Player"))
	sess := session.New(ch, ctrl, logger.Module("Session"))

	roomLog := logger.Module("Room")
	sess.Subscribe(session.EventConnected, func(e *eventbus.Event) {
		roomLog.Info("connected", log.String("lastActor", e.Identity), log.Float64("time", e.Time))
	})
	sess.Subscribe(session.EventStarted, func(e *eventbus.Event) {
		roomLog.Info("playback started", log.String("by", e.Identity))
	})
	sess.Subscribe(session.EventPaused, func(e *eventbus.Event) {
		roomLog.Info("playback paused", log.String("by", e.Identity))
	})
	sess.Subscribe(session.EventSeeked, func(e *eventbus.Event) {
		roomLog.Info("seeked", log.String("by", e.Identity), log.Float64("to", e.Time))
	})
	sess.Subscribe(session.EventJoined, func(e *eventbus.Event) {
		roomLog.Info("member joined", log.String("identity", e.Identity))
	})
	sess.Subscribe(session.EventLeft, func(e *eventbus.Event) {
		roomLog.Info("member left", log.String("identity", e.Identity))
	})
	sess.Subscribe(session.EventMessage, func(e *eventbus.Event) {
		roomLog.Info("chat", log.String("from", e.Identity), log.String("text", e.Text))
	})

	ctx := context.Background()
	if err := sess.Open(ctx); err != nil {
		logger.Fatal("Failed to open session", log.Error(err))
	}

	// the simulated source needs no buffering
	ctrl.HandleReady()
	sess.Join(cfg.Identity, cfg.Room)

	cleanup := func(_ context.Context) {
		if err := sess.Close(); err != nil {
			logger.Error("Error closing session", log.Error(err))
		}
	}
	workflow.WaitGracefulShutdown(ctx, logger.Module("CleanUp"), cleanup, cfg.App.ShutdownTimeout)
}
