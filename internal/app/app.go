// Package app builds the ledger and its collaborators from config. cmd/api
// and cmd/auditctl share it so both open the same store the same way.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"audit-ledger/internal/alert"
	"audit-ledger/internal/audit"
	"audit-ledger/internal/config"
	"audit-ledger/internal/ledger"
	"audit-ledger/internal/reporting"
	"audit-ledger/internal/risk"
	"audit-ledger/pkg/tracing"
	"audit-ledger/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

const (
	serviceName = "audit-ledger"

	alertListMax     = 1000
	verifySlotsKey   = "audit:verify:slots"
	verifySlotsLimit = 2
	verifySlotTTL    = 10 * time.Minute
	healthTimeout    = 2 * time.Second
)

// App holds the wired ledger. Close releases everything New opened.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Ledger   *ledger.Ledger
	Reports  *reporting.Service
	Metrics  *ledger.Metrics
	Registry *prometheus.Registry

	// Nil when REDIS_HOST is empty.
	Redis       *redis.Client
	VerifySlots *utils.SlotLimiter

	store      audit.Store
	dispatcher *alert.Dispatcher
	closers    []func(context.Context) error
}

// New opens the configured store, baseline store, notifiers and tracer and
// builds the ledger on top of them.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (a *App, err error) {
	if log == nil {
		log = slog.Default()
	}
	a = &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: serviceName,
		Version:     cfg.App.Version,
		Environment: cfg.App.Env,
	})
	if err != nil {
		return a, err
	}
	a.onClose(tp.Shutdown)

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return a, err
	}
	a.store = store
	a.onClose(func(context.Context) error { return store.Close() })

	keys, err := audit.NewKeyring(cfg.Ledger.KeyVersion, cfg.SigningKeys())
	if err != nil {
		return a, fmt.Errorf("audit keyring: %w", err)
	}

	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return a, err
		}
		a.Redis = rdb
		a.onClose(func(context.Context) error { return rdb.Close() })

		a.VerifySlots, err = utils.NewSlotLimiter(rdb, verifySlotsKey, verifySlotsLimit, verifySlotTTL)
		if err != nil {
			return a, err
		}
	}

	var baselines risk.BaselineStore = risk.NewMemoryBaselineStore()
	if a.Redis != nil {
		baselines = risk.NewRedisBaselineStore(a.Redis, cfg.Redis.BaselineTTL)
	}

	a.Metrics = ledger.NewMetrics()
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := a.Metrics.Register(a.Registry); err != nil {
		return a, fmt.Errorf("registering metrics: %w", err)
	}

	a.dispatcher = alert.NewDispatcher(a.notifier(), alert.DispatcherConfig{
		QueueSize: cfg.Alert.QueueSize,
		Workers:   cfg.Alert.Workers,
	}, log)
	a.dispatcher.OnOutcome = a.Metrics.IncAlert
	a.onClose(a.dispatcher.Close)

	a.Ledger, err = ledger.New(ledger.Deps{
		Store:     store,
		Keys:      keys,
		Baselines: baselines,
		Scorer:    risk.NewScorer(cfg.Location()),
		Alerts:    a.dispatcher,
		Metrics:   a.Metrics,
		Logger:    log,
	}, ledger.Config{
		ServerInstance:        cfg.App.Instance,
		ApplicationVersion:    cfg.App.Version,
		MaxAttempts:           cfg.Ledger.MaxAppendAttempts,
		RiskAlertThreshold:    cfg.Ledger.AlertRiskThreshold,
		AnomalyAlertThreshold: cfg.Ledger.AlertAnomalyThreshold,
	})
	if err != nil {
		return a, err
	}
	a.Reports = reporting.NewService(a.Ledger)

	log.Info("audit ledger ready",
		"store", cfg.Store.Backend,
		"redis", cfg.RedisEnabled(),
		"key_version", cfg.Ledger.KeyVersion,
		"instance", cfg.App.Instance,
	)
	return a, nil
}

// OpenStore opens the record store selected by STORE_BACKEND.
func OpenStore(ctx context.Context, cfg config.Config) (audit.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := utils.OpenDB(ctx, "pgx", cfg.PostgresDSN(), utils.PoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s := audit.NewPostgresStore(db)
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return s, nil
	case config.BackendSQLite:
		return audit.OpenSQLite(cfg.Store.SQLitePath)
	case config.BackendMemory:
		return audit.NewMemoryRepo(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Health pings the SQL store and Redis when they are in use. The memory
// store is always healthy.
func (a *App) Health(ctx context.Context) error {
	if s, ok := a.store.(interface{ DB() *sql.DB }); ok {
		if err := utils.HealthCheck(ctx, s.DB(), healthTimeout); err != nil {
			return err
		}
	}
	if a.Redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := a.Redis.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

func (a *App) notifier() alert.Notifier {
	ns := alert.MultiNotifier{alert.LogNotifier{Logger: a.Logger}}
	if a.Redis != nil && a.Config.Alert.RedisList != "" {
		ns = append(ns, alert.NewRedisNotifier(a.Redis, a.Config.Alert.RedisList, alertListMax))
	}
	if a.Config.Alert.WebhookURL != "" {
		ns = append(ns, alert.WebhookNotifier{
			URL:    a.Config.Alert.WebhookURL,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	return ns
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close drains pending alerts and releases resources in reverse open order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
