package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlementd/internal/config"
	"github.com/rcourtman/entitlementd/internal/fraud"
	"github.com/rcourtman/entitlementd/internal/grace"
	"github.com/rcourtman/entitlementd/internal/notify"
	"github.com/rcourtman/entitlementd/internal/offline"
	"github.com/rcourtman/entitlementd/internal/remote"
	"github.com/rcourtman/entitlementd/internal/store"
	"github.com/rcourtman/entitlementd/internal/validator"
)

// pinger is satisfied by the SQLite store and the remote client.
type pinger interface {
	Ping(ctx context.Context) error
}

// engine bundles the wired components for one process.
type engine struct {
	cfg *config.Config

	entitlements store.EntitlementStore
	fraudEvents  store.FraudEventStore
	auditLogs    store.AuditLogStore
	health       pinger

	// remote is set in edge mode.
	remote *remote.Client

	cache     *offline.Cache
	usage     *fraud.UsageCounter
	reminders *notify.Scheduler
	grace     *grace.Manager
	validator *validator.Validator

	closers []io.Closer
}

// buildEngine wires stores, cache, fraud screening, grace handling and the
// validator for cfg.Mode.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	e := &engine{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if err := e.openStores(); err != nil {
		return nil, err
	}

	backend, err := openCacheBackend(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := offline.NewCache(ctx, backend, cfg.OfflineWindow)
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, fmt.Errorf("load offline cache: %w", err)
	}
	e.cache = cache
	e.closers = append(e.closers, cache)

	e.usage = fraud.NewUsageCounter(cfg.UsageLimit, cfg.UsageWindow)
	// No DeviceIntegritySignal on the server: device clients report jailbreak
	// and tamper findings through POST /api/v1/fraud-events.
	detector := fraud.NewDetector(e.fraudEvents,
		fraud.WithUsageCounter(e.usage),
		fraud.WithLookback(cfg.FraudLookback),
	)
	scorer := fraud.NewScorer(fraud.Thresholds{
		Alert: cfg.FraudAlertThreshold,
		Block: cfg.FraudBlockThreshold,
	})

	e.reminders = notify.NewScheduler(notify.LogSender{})
	e.grace = grace.NewManager(e.entitlements, e.auditLogs, e.reminders)

	v, err := validator.New(validator.Deps{
		Entitlements: e.entitlements,
		Audit:        e.auditLogs,
		Cache:        e.cache,
		Detector:     detector,
		Scorer:       scorer,
		Grace:        e.grace,
	}, validator.WithConfig(validator.Config{
		FreshnessTTL: cfg.FreshnessTTL,
		RefreshAfter: cfg.RefreshAfter,
	}))
	if err != nil {
		return nil, err
	}
	e.validator = v

	ok = true
	return e, nil
}

func (e *engine) openStores() error {
	cfg := e.cfg
	if cfg.Mode == config.ModeEdge {
		client := remote.NewClient(cfg.RemoteURL)
		e.remote = client
		e.entitlements = client.Entitlements()
		e.fraudEvents = client.FraudEvents()
		e.auditLogs = client.AuditLogs()
		e.health = client
		log.Info().Str("authority", cfg.RemoteURL).Msg("Using remote record store")
		return nil
	}

	switch cfg.StoreBackend {
	case config.StoreMemory:
		mem := store.NewMemoryStore()
		e.entitlements = mem.Entitlements()
		e.fraudEvents = mem.FraudEvents()
		e.auditLogs = mem.AuditLogs()
		log.Warn().Msg("Using in-memory record store; records are lost on restart")
	default:
		db, err := store.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open record store: %w", err)
		}
		e.closers = append(e.closers, db)
		e.entitlements = db.Entitlements()
		e.fraudEvents = db.FraudEvents()
		e.auditLogs = db.AuditLogs()
		e.health = db
	}
	return nil
}

func openCacheBackend(cfg *config.Config) (offline.Backend, error) {
	switch cfg.CacheBackend {
	case config.CacheMemory:
		return nil, nil
	case config.CacheRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis offline cache")
		return offline.NewRedisBackend(rdb, cfg.RedisPrefix, cfg.RedisTTL), nil
	default:
		backend, err := offline.NewSQLiteBackend(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open offline cache: %w", err)
		}
		return backend, nil
	}
}

// Close stops timers and releases storage in reverse order of opening.
func (e *engine) Close() error {
	if e.reminders != nil {
		e.reminders.Stop()
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
