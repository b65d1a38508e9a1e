// Package app assembles the daemon and the CLI from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/tullo/streamly/config"
	"github.com/tullo/streamly/internal/auth"
	"github.com/tullo/streamly/internal/backoff"
	"github.com/tullo/streamly/internal/cache"
	"github.com/tullo/streamly/internal/capture"
	"github.com/tullo/streamly/internal/database"
	"github.com/tullo/streamly/internal/downloader"
	"github.com/tullo/streamly/internal/events"
	"github.com/tullo/streamly/internal/exec"
	"github.com/tullo/streamly/internal/handlers"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/middleware"
	"github.com/tullo/streamly/internal/models"
	"github.com/tullo/streamly/internal/monitor"
	"github.com/tullo/streamly/internal/notify"
	"github.com/tullo/streamly/internal/platform"
	"github.com/tullo/streamly/internal/repository"
	"github.com/tullo/streamly/internal/retention"
	"github.com/tullo/streamly/internal/websocket"
	"go.uber.org/zap"
)

// App holds every long-lived component. Optional integrations (Redis, AMQP,
// Telegram) are nil when not configured or unreachable.
type App struct {
	Config    *config.Config
	Store     repository.Store
	Bus       *events.Bus
	Redis     *cache.RedisClient
	AMQP      *notify.AMQP
	Notify    *notify.Queue
	YouTube   *platform.YouTube
	Tracker   *monitor.Tracker
	Scheduler *monitor.Scheduler
	Pipeline  *capture.Pipeline
	Sweeper   *retention.Sweeper
	Hub       *websocket.Hub
	JWT       *auth.JWTService

	wg sync.WaitGroup
}

// OpenStore returns the configured store, running Postgres migrations first.
func OpenStore(cfg *config.Config) (repository.Store, error) {
	switch cfg.Database.Driver {
	case "bolt":
		return repository.NewBoltStore(cfg.Database.BoltPath)
	case "postgres":
		db, err := database.NewPostgresDB(cfg.GetDSN())
		if err != nil {
			return nil, err
		}
		if err := database.RunMigrations(db.DB); err != nil {
			db.Close()
			return nil, err
		}
		return repository.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// New connects storage and optional integrations and wires the event bus.
// Nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &App{
		Config: cfg,
		Store:  store,
		Bus:    events.NewBus(),
		JWT:    auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours),
	}

	if cfg.Redis.Host != "" {
		redis, err := cache.NewRedisClient(cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("running without redis", zap.Error(err))
		} else {
			a.Redis = redis
		}
	}

	if cfg.AMQP.URL != "" {
		amqp, err := notify.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Warn("running without amqp event sink", zap.Error(err))
		} else {
			a.AMQP = amqp
		}
	}

	runner := exec.NewCommandRunner()
	fs := afero.NewOsFs()

	a.YouTube = platform.NewYouTube(platform.YouTubeConfig{
		YtDlpPath:         cfg.YouTube.YtDlpPath,
		CookiesFile:       cfg.YouTube.CookiesFile,
		FeedURL:           cfg.YouTube.FeedURL,
		BaseURL:           cfg.YouTube.BaseURL,
		RequestsPerSecond: cfg.YouTube.RequestsPerSecond,
		RecentWindow:      cfg.YouTube.RecentWindow,
	}, runner)

	var gate monitor.WarnGate = monitor.NewMemoryGate()
	if a.Redis != nil {
		gate = monitor.NewRedisGate(a.Redis)
	}

	a.Tracker = monitor.NewTracker(store, a.Bus)
	a.Scheduler = monitor.NewScheduler(store, a.YouTube, a.Tracker, a.Bus, gate, monitor.Config{
		DefaultPollInterval: cfg.Monitor.PollInterval,
		MaxConcurrentProbes: cfg.Monitor.MaxConcurrentProbes,
		ProbeTimeout:        cfg.Monitor.ProbeTimeout,
		MaxBackoff:          cfg.Monitor.MaxBackoff,
		WarnThreshold:       cfg.Monitor.WarnThreshold,
		TickInterval:        cfg.Monitor.Tick,
		ShutdownGrace:       cfg.Monitor.ShutdownGrace,
	})

	dl := downloader.NewYtDlp(downloader.YtDlpConfig{
		Path:        cfg.YouTube.YtDlpPath,
		Dir:         cfg.Capture.Dir,
		CookiesFile: cfg.YouTube.CookiesFile,
	}, runner, fs)
	a.Pipeline = capture.NewPipeline(store, dl, a.Bus, capture.Config{
		Workers:       cfg.Capture.Workers,
		MaxRetries:    cfg.Capture.MaxRetries,
		Retry:         backoff.Policy{Base: cfg.Capture.RetryBase, Max: cfg.Capture.RetryMax},
		Timeout:       cfg.Capture.Timeout,
		RetentionDays: cfg.Retention.Days,
	})

	a.Sweeper = retention.NewSweeper(store, fs, a.Bus, retention.Config{
		Interval:    cfg.Retention.SweepInterval,
		Concurrency: cfg.Retention.Concurrency,
	})

	notifiers := notify.Multi{notify.Log{}}
	if cfg.Telegram.Enabled() {
		notifiers = append(notifiers, notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIURL))
	}
	a.Notify = notify.NewQueue(notifiers, notify.QueueConfig{})

	a.Hub = websocket.NewHub(a.Redis)

	a.subscribe()
	return a, nil
}

func (a *App) subscribe() {
	a.Bus.Subscribe(models.EventLiveEnded, a.Pipeline.HandleEvent)
	a.Bus.SubscribeAll(notify.Handler(a.Notify))

	if a.AMQP != nil {
		a.Bus.SubscribeAll(a.AMQP.PublishEvent)
	}

	if a.Redis != nil {
		// the hub reads these back from redis, so consoles also see events
		// from CLI runs and other processes
		a.Bus.SubscribeAll(func(ctx context.Context, ev models.Event) {
			if err := a.Redis.PublishEvent(ctx, ev); err != nil {
				log.Warn("failed to mirror event to redis", zap.String("type", string(ev.Type)), zap.Error(err))
			}
		})
	} else {
		a.Bus.SubscribeAll(a.Hub.HandleEvent)
	}
}

// StartSinks starts notification delivery. The CLI needs only this. Delivery
// outlives ctx so Close can flush what is still queued.
func (a *App) StartSinks(ctx context.Context) {
	a.Notify.Start(context.WithoutCancel(ctx))
}

// Start runs recovery and the background loops until ctx is done.
func (a *App) Start(ctx context.Context) error {
	a.StartSinks(ctx)
	a.Pipeline.Start(ctx)

	if _, err := a.Pipeline.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile downloads: %w", err)
	}

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.Hub.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.Sweeper.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", zap.Error(err))
		}
	}()
	return nil
}

// Router builds the operator API.
func (a *App) Router() *gin.Engine {
	cfg := a.Config
	limiter := middleware.NewRateLimiter(cfg.API.RateLimitRequestsPerSec, a.Redis)

	return handlers.Router{
		Auth:        handlers.NewAuthHandler(auth.Operator{Username: cfg.Operator.Username, PasswordHash: cfg.Operator.PasswordHash}, a.JWT),
		Channels:    handlers.NewChannelHandler(a.Store, a.Store, a.YouTube, a.Scheduler, cfg.Monitor.PollInterval),
		Streams:     handlers.NewStreamHandler(a.Store, a.Store),
		Downloads:   handlers.NewDownloadHandler(a.Store, a.Pipeline),
		Ops:         handlers.NewOpsHandler(a.Scheduler, a.Sweeper, a.Pipeline),
		WS:          websocket.NewHandler(a.Hub, a.JWT, cfg.CORS.AllowedOrigins),
		AuthMW:      middleware.AuthMiddleware(a.JWT),
		RateLimitMW: middleware.RateLimitMiddleware(limiter),
		CORSMW:      middleware.CORSMiddleware(cfg.CORS.AllowedOrigins),
	}.Engine()
}

// Close waits for the background loops, flushes notifications and releases
// connections. ctx must already be cancelled for the loops to exit.
func (a *App) Close() error {
	a.wg.Wait()
	a.Pipeline.Wait()

	a.Notify.Close()
	a.Notify.Wait()

	var errs []error
	if a.AMQP != nil {
		errs = append(errs, a.AMQP.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	errs = append(errs, a.Store.Close())
	log.Sync()
	return errors.Join(errs...)
}
