package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	_ "github.com/lib/pq"

	"github.com/payhuk02/emarzona-sub013/internal/api"
	"github.com/payhuk02/emarzona-sub013/internal/config"
	"github.com/payhuk02/emarzona-sub013/internal/dispatch"
	"github.com/payhuk02/emarzona-sub013/internal/domain"
	"github.com/payhuk02/emarzona-sub013/internal/handlers/commerce"
	"github.com/payhuk02/emarzona-sub013/internal/janitor"
	"github.com/payhuk02/emarzona-sub013/internal/ratelimit"
	"github.com/payhuk02/emarzona-sub013/internal/registry"
	"github.com/payhuk02/emarzona-sub013/internal/retry"
	"github.com/payhuk02/emarzona-sub013/internal/store"
)

func main() {
	var (
		addr   = flag.String("addr", ":8080", "HTTP bind address")
		driver = flag.String("driver", "sqlite", "queue store driver: sqlite or postgres")
		dsn    = flag.String("dsn", "relayd.db", "SQLite path or Postgres DSN")
		poll   = flag.Duration("poll", 10*time.Second, "dispatch poll interval")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := config.Load()

	st, closeDB, err := openStore(*driver, *dsn)
	if err != nil {
		log.Fatal().Err(err).Str("driver", *driver).Msg("open store")
	}
	defer closeDB()

	if n, err := st.RecoverStale(context.Background(), time.Now().Add(-cfg.StaleAfter)); err != nil {
		log.Error().Err(err).Msg("startup stale recovery failed")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale in-flight items")
	}

	var guard ratelimit.Guard
	limits := ratelimit.Limits{PerHour: cfg.RateHourly, PerDay: cfg.RateDaily}
	if cfg.RedisAddr != "" {
		rg := ratelimit.NewRedisGuard(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), limits)
		if err := rg.Ping(context.Background()); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis rate guard unreachable")
		}
		guard = rg
		log.Info().Str("addr", cfg.RedisAddr).Msg("using shared redis rate guard")
	} else {
		guard = ratelimit.NewMemoryGuard(limits)
	}

	backend := commerce.NewClient(cfg.BackendURL, cfg.AttemptTimeout)
	handlers := map[domain.SyncOp]dispatch.Handler{
		domain.OpCreateOrder:   commerce.Orders{C: backend},
		domain.OpUpdateProduct: commerce.Products{C: backend},
		domain.OpAddToCart:     commerce.Cart{C: backend},
	}

	policy := retry.Policy{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Jitter: 0.2}
	dispatcher := dispatch.New(st, guard, policy, handlers, dispatch.Config{
		BatchSize:        cfg.BatchSize,
		AttemptTimeout:   cfg.AttemptTimeout,
		FailureThreshold: cfg.FailureThreshold,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go dispatcher.Run(ctx, *poll)

	jan, err := janitor.New(st, cfg.JanitorCron, cfg.Retention, cfg.StaleAfter)
	if err != nil {
		log.Fatal().Err(err).Str("cron", cfg.JanitorCron).Msg("invalid janitor schedule")
	}
	jan.Start()

	reg := registry.New(st)
	srv := &http.Server{Addr: *addr, Handler: api.NewServer(st, reg, dispatcher.Wake, cfg.MaxAttempts)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	jan.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func openStore(driver, dsn string) (store.Store, func(), error) {
	switch driver {
	case "sqlite":
		db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", dsn))
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := store.EnsureSchema(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store.NewSQLite(db), func() { db.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsurePostgresSchema(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store.NewPostgres(db), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
