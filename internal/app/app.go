// Package app wires the engine's services together. Nothing here holds global state;
// every process (server, CLI command, test) builds its own App.
package app

import (
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/your-org/pharmacy-backend/internal/config"
	"github.com/your-org/pharmacy-backend/internal/domain/audit"
	"github.com/your-org/pharmacy-backend/internal/domain/cart"
	"github.com/your-org/pharmacy-backend/internal/domain/conversation"
	"github.com/your-org/pharmacy-backend/internal/domain/events"
	"github.com/your-org/pharmacy-backend/internal/domain/inventory"
	"github.com/your-org/pharmacy-backend/internal/domain/order"
	"github.com/your-org/pharmacy-backend/internal/domain/session"
	"github.com/your-org/pharmacy-backend/internal/infrastructure/database/postgres"
	redisconn "github.com/your-org/pharmacy-backend/internal/infrastructure/database/redis"
	"github.com/your-org/pharmacy-backend/internal/pkg/auth"
	"github.com/your-org/pharmacy-backend/internal/pkg/metrics"
)

// App holds every constructed service
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Clock   clockwork.Clock
	DB      *gorm.DB
	Redis   *redis.Client
	Metrics *metrics.Metrics
	Sink    events.Sink

	Audit        *audit.Service
	Inventory    *inventory.Service
	Cart         *cart.Service
	Orders       *order.Service
	Sessions     *session.Store
	Conversation *conversation.Service
	JWT          *auth.JWTManager

	closers []func() error
}

// Open connects to PostgreSQL and Redis and builds the services on top
func Open(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	database, err := postgres.NewConnection(cfg, logger)
	if err != nil {
		return nil, err
	}
	redisClient, err := redisconn.NewConnection(cfg, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	a, err := New(cfg, logger, database.GetDB(), redisClient.GetClient(), clockwork.NewRealClock())
	if err != nil {
		_ = redisClient.Close()
		_ = database.Close()
		return nil, err
	}
	a.closers = append([]func() error{database.Close, redisClient.Close}, a.closers...)
	return a, nil
}

// New builds the services over existing handles
func New(cfg *config.Config, logger *logrus.Logger, db *gorm.DB, rdb *redis.Client, clock clockwork.Clock) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  clock,
		DB:     db,
		Redis:  rdb,
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.New(cfg.Metrics.Namespace, reg)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		a.Metrics = m
	}

	switch cfg.Events.Driver {
	case "kafka":
		sink := events.NewKafkaSink(cfg.Events, logger, a.Metrics)
		a.Sink = sink
		a.closers = append(a.closers, sink.Close)
	case "", "noop":
		a.Sink = events.NoopSink{}
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Events.Driver)
	}

	a.Audit = audit.NewService(db)
	a.Inventory = inventory.NewService(db, a.Audit, a.Sink, a.Metrics, logger, clock, cfg.Inventory)
	a.Cart = cart.NewService(db, a.Inventory, a.Audit, logger)
	a.Orders = order.NewService(order.Deps{
		DB:        db,
		Cart:      a.Cart,
		Inventory: a.Inventory,
		Audit:     a.Audit,
		Guard:     order.NewRedisCommitGuard(rdb, cfg.Session.CommitClaimTTL),
		Phone:     order.NewE164Validator(),
		Sink:      a.Sink,
		Metrics:   a.Metrics,
		Logger:    logger,
		Clock:     clock,
	})
	a.Sessions = session.NewStore(rdb, clock, logger, a.Metrics, cfg.Session, cfg.Inventory.BulkMaxRows)
	a.Conversation = conversation.NewService(a.Sessions, a.Cart, a.Orders, a.Inventory, a.Audit, logger)
	a.JWT = auth.NewJWTManager(cfg.JWT, clock)

	return a, nil
}

// Sweeper returns a session sweeper on the configured interval
func (a *App) Sweeper() *session.Sweeper {
	return session.NewSweeper(a.Sessions, a.Config.Session.SweepInterval)
}

// Migration returns the schema migrator
func (a *App) Migration() *postgres.Migration {
	return postgres.NewMigration(a.DB, a.Logger)
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
