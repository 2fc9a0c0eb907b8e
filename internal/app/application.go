package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"peerpractice/internal/api"
	"peerpractice/internal/auth"
	"peerpractice/internal/config"
	"peerpractice/internal/database"
	"peerpractice/internal/logger"
	"peerpractice/internal/notify"
	"peerpractice/internal/queue"
	"peerpractice/internal/scheduling"
	"peerpractice/internal/sweeper"
	"peerpractice/internal/topics"
	"peerpractice/internal/websocket"
	dbconfig "peerpractice/pkg/database"
)

// Application owns every component and their start/stop order
type Application struct {
	config     *config.Config
	store      *database.Manager
	broker     *notify.Broker
	outbound   *notify.Async
	redis      *notify.RedisDispatcher
	registry   *websocket.Registry
	tokens     *auth.TokenService
	matchmaker *queue.Matchmaker
	matcher    *scheduling.Matcher
	lifecycle  *scheduling.Lifecycle
	sweeper    *sweeper.Sweeper
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
	log        *logrus.Entry
}

// NewApplication wires components in dependency order:
// store -> notifications -> engines -> sweeper -> push -> API -> HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.WithComponent("app")

	storeConfig := cfg.StoreConfig()
	store, err := database.NewManager(storeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(store.GetDB(), storeConfig.MigrationsPath)
	applied, err := migrations.ApplyMigrations()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	validator := dbconfig.NewSchemaValidator(store.GetDB())
	for _, check := range []func() error{migrations.ValidateSchema, validator.ValidateTableStructure, validator.ValidateConstraints} {
		if err := check(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("database schema invalid: %w", err)
		}
	}
	log.WithField("applied", applied).Info("Database migrations applied")

	app := &Application{
		config:   cfg,
		store:    store,
		broker:   notify.NewBroker(),
		registry: websocket.NewRegistry(),
		tokens:   auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		log:      log,
	}

	// Waiters hear about pairings synchronously through the broker; everything
	// leaving the process goes through the bounded async queue.
	external := notify.Multi{notify.NewLogDispatcher(), notify.NewPushDispatcher(app.registry)}
	if cfg.Notify.Driver == config.NotifyDriverRedis {
		app.redis = notify.NewRedisDispatcher(notify.RedisConfig{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
			Channel:  cfg.Notify.RedisChannel,
		})
		external = append(external, app.redis)
	}
	app.outbound = notify.NewAsync(external, cfg.Notify.QueueSize)
	notifier := notify.Multi{app.broker, app.outbound}

	directory := topics.NewStatic(topics.DefaultTopics)

	app.matchmaker = queue.NewMatchmaker(store, notifier, directory, queue.Config{
		EstimatedWaitSeconds: cfg.Matching.EstimatedWaitSeconds,
		StatusLookback:       cfg.Matching.StatusLookback,
		SessionMinutes:       queue.DefaultConfig().SessionMinutes,
	})
	app.matcher = scheduling.NewMatcher(store, notifier, directory, cfg.Matching.Window)
	app.lifecycle = scheduling.NewLifecycle(store, app.matcher, notifier, directory)

	app.sweeper, err = sweeper.New(store, app.matcher, app.lifecycle, sweeper.Config{
		Interval:      cfg.Matching.SweepInterval,
		QueueEntryTTL: cfg.Matching.QueueEntryTTL,
		PendingGrace:  cfg.Matching.PendingGrace,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create sweeper: %w", err)
	}

	wsHandler := websocket.NewHandler(app.registry, app.tokens, websocket.Config{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	})

	app.apiServer = api.NewServer(api.Dependencies{
		Identity:  app.tokens,
		Queue:     app.matchmaker,
		Waiter:    app.waiter(),
		Scheduler: app.lifecycle,
		Matcher:   app.matcher,
		Analyzer:  scheduling.NewAnalyzer(store, app.matcher.Window()),
		Topics:    directory,
		Health:    store,
		Registry:  app.registry,
		WebSocket: http.HandlerFunc(wsHandler.HandleWebSocket),
		RateLimit: cfg.HTTP.MatchRateLimit,
		MaxWait:   maxWait(cfg.HTTP.WriteTimeout),
		Operators: cfg.Auth.Operators,
	})

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

func (app *Application) waiter() queue.Waiter {
	if app.config.Matching.WaitMode == config.WaitModePoll {
		return queue.NewPollingWaiter(app.matchmaker, app.config.Matching.PollInterval)
	}
	return queue.NewPushWaiter(app.matchmaker, app.broker)
}

// maxWait keeps a long poll inside the server's write deadline
func maxWait(writeTimeout time.Duration) time.Duration {
	if writeTimeout > 2*time.Second {
		return writeTimeout - time.Second
	}
	return writeTimeout / 2
}

// Start runs the sweeper and begins serving. It returns once the listener is
// bound; serve errors after that are logged.
func (app *Application) Start(ctx context.Context) error {
	if app.redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := app.redis.Ping(pingCtx); err != nil {
			app.log.WithError(err).Warn("Redis unreachable, notifications will be retried per event")
		}
		cancel()
	}

	if err := app.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.sweeper.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.WithError(err).Error("HTTP server stopped")
		}
	}()

	app.log.WithField("addr", listener.Addr().String()).Info("peerpractice started")
	return nil
}

// Stop shuts down in reverse dependency order: HTTP, sweeper, notifications, store
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("Shutting down")
	var errs []error

	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := app.sweeper.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("sweeper: %w", err))
	}
	if err := app.outbound.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notifications: %w", err))
	}
	app.broker.Close()
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		app.log.WithError(err).Warn("Shutdown finished with errors")
		return err
	}
	app.log.Info("Shutdown complete")
	return nil
}

// Addr is the bound address once started, the configured one before
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler is the root HTTP handler: API, health and websocket upgrade
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Sweeper exposes the background jobs for on-demand passes
func (app *Application) Sweeper() *sweeper.Sweeper {
	return app.sweeper
}

// Tokens exposes the identity provider for issuing development tokens
func (app *Application) Tokens() *auth.TokenService {
	return app.tokens
}
