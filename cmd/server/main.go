package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"projectescrow/config"
	"projectescrow/internal/escrow"
	"projectescrow/internal/handler"
	"projectescrow/internal/httpserver"
	"projectescrow/internal/mqhandler"
	"projectescrow/internal/repository"
	"projectescrow/internal/service"
	"projectescrow/pkg/db"
	"projectescrow/pkg/logger"
	"projectescrow/pkg/mq"
	"projectescrow/pkg/outbox"
	"projectescrow/pkg/redis"
	"projectescrow/pkg/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	policy, err := buildPolicy(cfg.Escrow)
	if err != nil {
		log.Fatal("Invalid escrow config", zap.Error(err))
	}

	log.Info("Starting escrow service...",
		zap.String("storage", cfg.Escrow.Storage),
		zap.String("duplicate_ids", policy.Duplicates.String()),
		zap.Bool("gate_release", policy.GateRelease),
		zap.String("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var checks []httpserver.ReadinessCheck

	// Redis
	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to init Redis", zap.Error(err))
		}
		defer rdb.Close()
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		log.Info("Redis connection established", zap.String("addr", cfg.Redis.Addr))
	} else {
		log.Warn("Redis not configured, idempotency keys are ignored")
	}

	// MQ publisher
	var publisher *mq.Publisher
	if cfg.MQ.URL != "" {
		publisher, err = mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "mq",
			Check: func(context.Context) error {
				if !publisher.IsConnected() {
					return errors.New("publisher disconnected")
				}
				return nil
			},
		})
		log.Info("MQ publisher ready")
	} else {
		log.Warn("MQ not configured, escrow events are not published")
	}

	// Ledger
	var (
		ledger         service.Ledger
		adminHandler   *handler.AdminHandler
		dispatcherDone chan struct{}
	)
	switch cfg.Escrow.Storage {
	case config.StoragePostgres:
		dbConn, err := db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		defer dbConn.Close()
		if err := db.EnsureSchema(ctx, dbConn, log); err != nil {
			log.Fatal("Failed to prepare schema", zap.Error(err))
		}

		outboxRepo := outbox.NewRepository(dbConn)
		projectRepo := repository.NewProjectRepository(dbConn, outboxRepo, policy, log)
		ledger = projectRepo
		checks = append(checks, httpserver.ReadinessCheck{Name: "db", Check: projectRepo.Ping})

		if publisher != nil {
			dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
				WithInterval(cfg.Outbox.Interval).
				WithBatchSize(cfg.Outbox.BatchSize).
				WithMaxRetries(cfg.Outbox.MaxRetries)
			dispatcherDone = make(chan struct{})
			go func() {
				defer close(dispatcherDone)
				dispatcher.Start(ctx)
			}()
			adminHandler = handler.NewAdminHandler(outbox.NewReplayService(outboxRepo, publisher, log), log)
		} else {
			log.Warn("MQ not configured, outbox events stay pending")
		}
	default:
		registry := escrow.NewRegistry(policy, log)
		var eventPublisher service.EventPublisher
		if publisher != nil {
			eventPublisher = publisher
		}
		ledger = service.NewMemoryLedger(registry, eventPublisher, log)
	}

	var deduper service.Deduper
	if rdb != nil {
		deduper = util.NewDeduper(rdb, cfg.Redis.DedupTTL, log)
	}
	escrowService := service.NewEscrowService(ledger, deduper, log)

	// MQ consumer for oracle attestations
	var (
		consumer     *mq.Consumer
		consumerDone chan struct{}
	)
	if publisher != nil {
		log.Info("Initializing MQ consumer for escrow.milestone.attested...",
			zap.String("queue", mq.MilestoneAttestedQueue),
			zap.String("routing_key", mq.RoutingMilestoneAttested),
		)
		consumer, err = mq.NewConsumer(cfg.MQ.URL, mq.MilestoneAttestedQueue, mq.RoutingMilestoneAttested, log)
		if err != nil {
			log.Fatal("Failed to init attestation consumer", zap.Error(err))
		}
		defer consumer.Close()

		var (
			attestationDedup mqhandler.Deduper
			retryCounter     mqhandler.RetryCounter
		)
		if rdb != nil {
			attestationDedup = util.NewDeduper(rdb, cfg.Redis.DedupTTL, log)
			retryCounter = util.NewRetryCounter(rdb, cfg.Redis.DedupTTL)
		}
		attestedHandler := mqhandler.NewMilestoneAttestedHandler(escrowService, attestationDedup, retryCounter, publisher, log).
			WithMaxRetries(int64(cfg.Outbox.MaxRetries))
		consumer.SetHandler(attestedHandler.Handle)

		consumerDone = make(chan struct{})
		go func() {
			defer close(consumerDone)
			if err := consumer.StartConsuming(); err != nil {
				log.Fatal("Attestation consumer failed", zap.Error(err))
			}
		}()
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "consumer",
			Check: func(context.Context) error {
				if !consumer.IsConnected() {
					return errors.New("consumer disconnected")
				}
				return nil
			},
		})
	}

	// HTTP server
	escrowHandler := handler.NewEscrowHandler(escrowService, log)
	router := httpserver.NewRouter(escrowHandler, adminHandler, policy.Admin, cfg.JWT.Secret, log, checks...)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down escrow service gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// In-flight attestations finish before the ledger and publisher close.
	if consumer != nil {
		consumer.Stop()
		if !waitStopped(shutdownCtx, consumerDone) {
			log.Warn("Attestation consumer did not stop in time")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	if dispatcherDone != nil {
		<-dispatcherDone
	}
	log.Info("Escrow service shutdown complete")
}

// waitStopped reports whether done closed before ctx expired.
func waitStopped(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildPolicy(cfg config.EscrowConfig) (escrow.Policy, error) {
	duplicates, err := escrow.ParseDuplicatePolicy(cfg.DuplicateIDs)
	if err != nil {
		return escrow.Policy{}, err
	}
	policy := escrow.DefaultPolicy(escrow.Identity(cfg.Admin))
	if cfg.MaxMilestones != 0 {
		policy.MaxMilestones = cfg.MaxMilestones
	}
	policy.Duplicates = duplicates
	policy.GateRelease = cfg.GateReleaseOnMilestones
	return policy, nil
}
