package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"

	"github.com/sells-group/ident-sync/internal/crmsync"
	"github.com/sells-group/ident-sync/internal/db"
	"github.com/sells-group/ident-sync/internal/fieldmap"
	"github.com/sells-group/ident-sync/internal/redisclient"
	"github.com/sells-group/ident-sync/internal/resilience"
	"github.com/sells-group/ident-sync/internal/runlock"
	"github.com/sells-group/ident-sync/internal/source"
	"github.com/sells-group/ident-sync/internal/store"
	"github.com/sells-group/ident-sync/internal/tokenstore"
	"github.com/sells-group/ident-sync/pkg/amocrm"
)

// syncEnv holds everything a sync command needs.
type syncEnv struct {
	Store    store.Store
	Source   *source.PostgresSource
	Redis    *redis.Client
	Tokens   *tokenstore.Store
	CRM      amocrm.Client
	Engine   *crmsync.Engine
	Lock     runlock.Locker
	Location *time.Location

	closers []func()
}

func (e *syncEnv) onClose(fn func()) { e.closers = append(e.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (e *syncEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// initSyncEnv validates configuration for mode and wires the engine.
func initSyncEnv(ctx context.Context, mode string, metrics *crmsync.Metrics) (*syncEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	loc, err := syncLocation()
	if err != nil {
		return nil, err
	}
	fields, err := fieldmap.New(cfg.Fields)
	if err != nil {
		return nil, err
	}

	e := &syncEnv{Location: loc}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	if e.Store, err = initStore(ctx); err != nil {
		return nil, err
	}
	e.onClose(func() { _ = e.Store.Close() })
	if err := e.Store.Migrate(ctx); err != nil {
		return nil, err
	}

	src, closeSource, err := initSource(ctx)
	if err != nil {
		return nil, err
	}
	e.Source = src
	e.onClose(closeSource)

	if e.Redis, err = redisclient.New(ctx, cfg.Redis.URL); err != nil {
		return nil, err
	}
	e.onClose(func() { _ = e.Redis.Close() })

	e.Tokens = initTokens(e.Redis)
	e.CRM = initCRM(e.Tokens)
	e.Lock = runlock.New(e.Redis, cfg.Redis.KeyPrefix, lockTTL())

	e.Engine = crmsync.NewEngine(crmsync.Deps{
		Source:    e.Source,
		Store:     e.Store,
		CRM:       e.CRM,
		Fields:    fields,
		Pipelines: crmsync.PipelinesFromConfig(cfg.Pipelines),
		Payloads:  crmsync.NewPayloads(fields, cfg.Sync.LeadNameTemplate, loc),
		Metrics:   metrics,
	}, crmsync.Options{
		Workers:         cfg.Sync.Workers,
		InitialLookback: time.Duration(cfg.Sync.InitialLookbackHours) * time.Hour,
		IncludePatients: cfg.Sync.IncludePatients,
	})

	ok = true
	return e, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.StoreURL(), db.PoolConfig{MaxConns: 4})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSource(ctx context.Context) (*source.PostgresSource, func(), error) {
	pool, err := db.Connect(ctx, cfg.Source.DatabaseURL, db.PoolConfig{MaxConns: cfg.Source.MaxConns})
	if err != nil {
		return nil, nil, eris.Wrap(err, "connect to IDENT database")
	}
	return source.New(pool, cfg.Source.Schema), pool.Close, nil
}

func initTokens(rdb redis.Cmdable) *tokenstore.Store {
	return tokenstore.New(rdb, tokenstore.Config{
		BaseURL:      cfg.AmoCRM.BaseURL,
		ClientID:     cfg.AmoCRM.ClientID,
		ClientSecret: cfg.AmoCRM.ClientSecret,
		RedirectURI:  cfg.AmoCRM.RedirectURI,
		KeyPrefix:    cfg.Redis.KeyPrefix,
		Seed:         seedToken(),
	})
}

// seedToken turns configured tokens into the initial cache entry.
func seedToken() *oauth2.Token {
	if cfg.AmoCRM.AccessToken == "" && cfg.AmoCRM.RefreshToken == "" {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  cfg.AmoCRM.AccessToken,
		RefreshToken: cfg.AmoCRM.RefreshToken,
		TokenType:    "Bearer",
	}
}

func initCRM(tokens amocrm.TokenSource) amocrm.Client {
	g := cfg.Gateway
	return amocrm.NewClient(cfg.AmoCRM.BaseURL, tokens,
		amocrm.WithHTTPClient(&http.Client{
			Timeout: seconds(g.TimeoutSecs),
			Transport: &http.Transport{
				MaxIdleConnsPerHost: max(cfg.Sync.Workers, 2),
				IdleConnTimeout:     90 * time.Second,
			},
		}),
		amocrm.WithLimiter(amocrm.NewLimiter(g.RequestsPerSecond)),
		amocrm.WithRetry(resilience.FromRetryConfig(
			g.RetryMaxAttempts,
			time.Duration(g.RetryBaseMs)*time.Millisecond,
			time.Duration(g.RetryMaxMs)*time.Millisecond,
			g.RetryJitter,
		)),
		amocrm.WithCircuitBreaker(resilience.NewCircuitBreaker(
			resilience.FromCircuitConfig(g.CircuitThreshold, seconds(g.CircuitResetSecs)),
		)),
		amocrm.WithBatchSize(g.BatchSize),
		amocrm.WithPageLimit(g.PageLimit),
	)
}

func syncLocation() (*time.Location, error) {
	if cfg.Sync.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(cfg.Sync.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "load timezone %q", cfg.Sync.Timezone)
	}
	return loc, nil
}

func lockTTL() time.Duration {
	if cfg.Sync.LockTTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(cfg.Sync.LockTTLMinutes) * time.Minute
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
