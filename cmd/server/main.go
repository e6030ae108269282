package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/podushkina/jobrelay/internal/api"
	"github.com/podushkina/jobrelay/internal/auth"
	"github.com/podushkina/jobrelay/internal/bus"
	"github.com/podushkina/jobrelay/internal/config"
	"github.com/podushkina/jobrelay/internal/deadletter"
	"github.com/podushkina/jobrelay/internal/events"
	"github.com/podushkina/jobrelay/internal/gateway"
	"github.com/podushkina/jobrelay/internal/handlers"
	"github.com/podushkina/jobrelay/internal/platform/logger"
	"github.com/podushkina/jobrelay/internal/platform/postgres"
	"github.com/podushkina/jobrelay/internal/queue"
	"github.com/podushkina/jobrelay/internal/reaper"
	"github.com/podushkina/jobrelay/internal/reliability"
	"github.com/podushkina/jobrelay/internal/retry"
	"github.com/podushkina/jobrelay/internal/router"
	"github.com/podushkina/jobrelay/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("jobrelay exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, level, err := logger.Setup(cfg.Server.LogLevel, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := queue.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer client.Close()
	log.Info("connected to redis", "addr", cfg.Redis.Addr)

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return err
	}

	rt, err := router.FromMap(cfg.Routes.Rules, cfg.Routes.Default)
	if err != nil {
		return err
	}

	q := queue.New(client, rt,
		queue.WithPrefix(cfg.Redis.Prefix),
		queue.WithDefaultMaxRetry(cfg.Retry.MaxRetries),
	)
	b := bus.New(client, cfg.Redis.Prefix, log)
	sink := deadletter.New(client, cfg.Redis.Prefix, cfg.DeadLetter.TTL, log)

	g, ctx := errgroup.WithContext(ctx)

	var store events.Store
	switch cfg.Events.Backend {
	case "postgres":
		if err := postgres.Migrate(ctx, cfg.Events.DatabaseURL, log); err != nil {
			return err
		}
		pool, err := postgres.Connect(ctx, cfg.Events.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pgStore := postgres.NewEventStore(pool)
		g.Go(func() error {
			prune(ctx, pgStore, cfg.Events.Retention, log)
			return nil
		})
		store = pgStore
	default:
		store = events.NewRedisStore(client, cfg.Redis.Prefix,
			events.WithRetention(cfg.Events.Retention),
			events.WithMaxPerSubject(cfg.Events.MaxPerSubject),
		)
	}

	notifier := events.NewNotifier(store, b, log)
	settler := reliability.NewSettler(q, retry.Policy{
		Base:       cfg.Retry.Base,
		Cap:        cfg.Retry.Cap,
		MaxRetries: cfg.Retry.MaxRetries,
	}, log, sink, notifier)

	var pools worker.Group
	if cfg.Worker.Enabled {
		bodies := handlers.NewSet(
			handlers.NewRemoteRunner(cfg.Runner.Endpoint, cfg.Runner.Token, cfg.Runner.Timeout),
			notifier, log,
		)
		for _, name := range rt.Queues() {
			n := cfg.Worker.ConcurrencyFor(name)
			if n == 0 {
				log.Info("queue has no workers in this process", "queue", name)
				continue
			}
			p := worker.NewPool(q, settler, worker.Config{
				Queue:         name,
				Concurrency:   n,
				PollInterval:  cfg.Worker.PollInterval,
				HeartbeatTTL:  cfg.Worker.HeartbeatTTL,
				PauseDelay:    cfg.Worker.PauseDelay,
				ShutdownGrace: cfg.Worker.ShutdownGrace,
			}, worker.WithBus(b), worker.WithNotifier(notifier), worker.WithLogger(log))
			bodies.Register(p)
			if err := p.Start(ctx); err != nil {
				stop()
				pools.Stop()
				return fmt.Errorf("start %s pool: %w", name, err)
			}
			pools = append(pools, p)
		}
	}

	if cfg.Reaper.Enabled {
		r := reaper.New(q, settler, b, reaper.Config{
			Interval: cfg.Reaper.Interval,
			Timeout:  cfg.Reaper.Timeout,
		}, log)
		g.Go(func() error {
			r.Run(ctx)
			return nil
		})
	}

	gw := gateway.New(verifier, b, store, gateway.Config{
		AuthTimeout:  cfg.Gateway.AuthTimeout,
		PingInterval: cfg.Gateway.PingInterval,
		AllowOrigins: cfg.Gateway.AllowOrigins,
	}, log)

	handler := api.NewHandler(q, sink, b, pools, log)
	routes := api.NewRouter(handler, api.Routes{
		Gateway:      gw,
		Verifier:     verifier,
		ServiceToken: cfg.Auth.ServiceToken,
	})

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           routes,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := config.Watch(ctx, configPath, log, func(next *config.Config) {
		lvl, err := logger.ParseLevel(next.Server.LogLevel)
		if err != nil {
			return
		}
		level.Set(lvl)
		log.Info("log level applied; other settings take effect on restart", "level", next.Server.LogLevel)
	}); err != nil {
		log.Warn("config watch disabled", "error", err)
	}

	g.Go(func() error {
		log.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown error", "error", err)
		}
		pools.Stop()
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

// prune drops expired event records every hour. The Redis store trims on
// write and needs no sweeper.
func prune(ctx context.Context, store *postgres.EventStore, retention time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := store.Prune(ctx, retention)
		if err != nil && ctx.Err() == nil {
			log.Warn("event prune failed", "error", err)
		} else if n > 0 {
			log.Info("event records pruned", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
