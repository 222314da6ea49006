package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/syntaxsurge/escrowzy-okx-sub006/auth"
	"github.com/syntaxsurge/escrowzy-okx-sub006/config"
	"github.com/syntaxsurge/escrowzy-okx-sub006/db"
	"github.com/syntaxsurge/escrowzy-okx-sub006/dispute"
	"github.com/syntaxsurge/escrowzy-okx-sub006/listing"
	"github.com/syntaxsurge/escrowzy-okx-sub006/logging"
	"github.com/syntaxsurge/escrowzy-okx-sub006/metrics"
	"github.com/syntaxsurge/escrowzy-okx-sub006/outbox"
	"github.com/syntaxsurge/escrowzy-okx-sub006/ratelimit"
	"github.com/syntaxsurge/escrowzy-okx-sub006/trade"
)

func main() {
	configPath := flag.String("config", "", "optional config file; ESCROW_* environment variables take precedence")
	runSweeper := flag.Bool("sweeper", true, "run the expiry and finalization sweeper in this process")
	runRelay := flag.Bool("relay", true, "run the outbox relay in this process")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), provisionUsage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flag.NArg() > 0 {
		if err := provision(ctx, cfg, flag.Args()); err != nil {
			log.WithError(err).Fatal("provision account")
		}
		return
	}

	if err := run(ctx, cfg, log, *runSweeper, *runRelay); err != nil {
		log.WithError(err).Fatal("escrow api stopped")
	}
}

func provision(ctx context.Context, cfg config.Config, args []string) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return runProvision(ctx, auth.NewService(auth.NewRepository(pool), cfg.JWTSecret), args, os.Stdout)
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger, runSweeper, runRelay bool) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.New(reg)
	if err != nil {
		return err
	}

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	store := trade.NewPGStore(pool)
	tradeService := trade.NewService(store, authService, log.WithField("component", "trade")).
		WithThrottle(ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			MaxActors:         cfg.RateLimit.MaxActors,
			IdleTTL:           cfg.RateLimit.IdleTTL,
		})).
		WithMetrics(rec).
		WithMaxRetries(cfg.Service.MaxRetries)
	listingService := listing.NewService(listing.NewRepository(pool), tradeService)
	disputeService := dispute.NewService(pool, nil)

	server := NewServer(tradeService, disputeService, listingService, authService, reg, Windows{
		Payment: cfg.Service.DefaultPaymentWindow,
		Dispute: cfg.Service.DefaultDisputeWindow,
	}, log.WithField("component", "http"))

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if runSweeper {
		sweeper := trade.NewSweeper(store, tradeService, trade.SweeperConfig{
			Interval:    cfg.Sweeper.Interval,
			BatchSize:   cfg.Sweeper.BatchSize,
			Parallelism: cfg.Sweeper.Parallelism,
		}, log.WithField("component", "sweeper"), rec)
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	if runRelay {
		var publisher outbox.Publisher = outbox.LogPublisher{Log: log.WithField("component", "outbox")}
		if len(cfg.Kafka.Brokers) > 0 {
			kp := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
			defer kp.Close()
			publisher = kp
		}
		relay := outbox.NewRelay(pool, publisher, outbox.RelayConfig{
			Interval:    cfg.Relay.Interval,
			BatchSize:   cfg.Relay.BatchSize,
			MaxAttempts: cfg.Relay.MaxAttempts,
		}, log.WithField("component", "relay"), rec)
		g.Go(func() error { return relay.Run(gctx) })
	}

	return g.Wait()
}
