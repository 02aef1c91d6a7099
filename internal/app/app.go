// Package app builds the store, gateway, dispatcher, verifier and engine from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"custodyline/internal/anchor"
	"custodyline/internal/config"
	"custodyline/internal/db"
	"custodyline/internal/engine"
	"custodyline/internal/fingerprint"
	"custodyline/internal/lock"
	"custodyline/internal/metrics"
	"custodyline/internal/repo"
	"custodyline/internal/store"
	"custodyline/internal/store/badgerstore"
	"custodyline/internal/verify"
)

type App struct {
	Config     *config.Config
	Store      store.Store
	Dispatcher *anchor.Dispatcher
	Verifier   *verify.Verifier
	Engine     engine.Engine
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Logger     *slog.Logger

	redis redis.UniversalClient
}

// Open wires every collaborator for workspace. Close releases them.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &App{Config: cfg, Registry: reg, Metrics: metrics.New(reg), Logger: logger}

	st, err := openStore(ctx, workspace, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.Store = st

	locker, err := a.openLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	gw, err := openGateway(ctx, cfg.Anchor)
	if err != nil {
		a.Close()
		return nil, err
	}
	if gw != nil {
		var limiter *rate.Limiter
		if cfg.Anchor.RatePerSecond > 0 {
			burst := cfg.Anchor.Burst
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(cfg.Anchor.RatePerSecond), burst)
		}
		a.Dispatcher = anchor.NewDispatcher(st, gw, anchor.DispatcherOptions{
			Policy: anchor.Policy{
				MaxAttempts:    cfg.Anchor.MaxAttempts,
				BaseBackoff:    cfg.Anchor.BaseBackoff,
				MaxBackoff:     cfg.Anchor.MaxBackoff,
				SubmitTimeout:  cfg.Anchor.SubmitTimeout,
				ConfirmTimeout: cfg.Anchor.ConfirmTimeout,
			},
			Limiter: limiter,
			Logger:  logger,
			Metrics: a.Metrics,
		})
	}

	a.Verifier = verify.New(st, verify.Options{
		Gateway:        gw,
		Parallelism:    cfg.Verify.Parallelism,
		ConfirmTimeout: cfg.Anchor.ConfirmTimeout,
		CacheSize:      cfg.Verify.CacheSize,
		CacheTTL:       cfg.Verify.CacheTTL,
		Logger:         logger,
		Metrics:        a.Metrics,
	})

	eng := engine.New(st)
	eng.Locker = locker
	eng.Dispatcher = a.Dispatcher
	eng.Verifier = a.Verifier
	eng.Version = fingerprint.Version(cfg.Integrity.FingerprintVersion)
	eng.AutoAnchor = cfg.Anchor.Auto
	eng.Logger = logger
	eng.Metrics = a.Metrics
	a.Engine = eng
	return a, nil
}

func openStore(ctx context.Context, workspace string, cfg config.Storage, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "badger":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(workspace, ".custodyline", "badger")
		}
		s, err := badgerstore.Open(badgerstore.Options{Path: path, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		r, err := repo.Open(ctx, db.Config{Workspace: workspace, Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func (a *App) openLocker(ctx context.Context) (lock.Locker, error) {
	cfg := a.Config.Lock
	if cfg.Driver != "redis" {
		return lock.NewLocal(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis lock %s: %w", cfg.RedisAddr, err)
	}
	a.redis = rdb
	return lock.NewRedis(rdb, cfg.Prefix, cfg.TTL), nil
}

// openGateway returns nil when anchoring is off.
func openGateway(ctx context.Context, cfg config.Anchor) (anchor.Gateway, error) {
	switch cfg.Gateway {
	case "simulated":
		return anchor.NewSimulated(), nil
	case "http":
		secret := os.Getenv(cfg.HTTP.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("http anchor gateway: %s is not set", cfg.HTTP.SecretEnv)
		}
		return &anchor.HTTPGateway{
			BaseURL:    cfg.HTTP.URL,
			Secret:     []byte(secret),
			Issuer:     cfg.HTTP.Issuer,
			TokenTTL:   cfg.HTTP.TokenTTL,
			HTTPClient: &http.Client{Timeout: cfg.SubmitTimeout},
		}, nil
	case "evm":
		key := os.Getenv(cfg.EVM.KeyEnv)
		if key == "" {
			return nil, fmt.Errorf("evm anchor gateway: %s is not set", cfg.EVM.KeyEnv)
		}
		gw, err := anchor.DialEVM(ctx, cfg.EVM.RPCURL, key, cfg.EVM.MinConfirmations)
		if err != nil {
			return nil, err
		}
		return gw, nil
	default:
		return nil, nil
	}
}

// Reconciler returns the background anchor loop, or false when anchoring is off.
func (a *App) Reconciler() (anchor.Reconciler, bool) {
	if a.Dispatcher == nil {
		return anchor.Reconciler{}, false
	}
	return anchor.Reconciler{Dispatcher: a.Dispatcher, Interval: a.Config.Anchor.ReconcileInterval}, true
}

// Close stops background submissions, then closes the store and redis client.
func (a *App) Close() error {
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
