/**
 * @description
 * This is the main entry point for the transfer-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the Solana ledger gateway, message brokers, repositories, the core application service,
 * the settlement worker and sweeper, and the HTTP server. It wires everything together
 * and starts the service.
 *
 * @dependencies
 * - github.com/spf13/pflag: command-line flags.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: acceptance attempt rate limiting.
 * - github.com/gagliardetto/solana-go: RPC client and custody key.
 * - golang.org/x/sync/errgroup: server and shutdown lifecycle.
 * - internal/api, internal/app, internal/config, internal/ledger, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tickettoken/transfer-service/internal/api"
	"github.com/tickettoken/transfer-service/internal/app"
	"github.com/tickettoken/transfer-service/internal/config"
	"github.com/tickettoken/transfer-service/internal/domain"
	"github.com/tickettoken/transfer-service/internal/ledger"
	"github.com/tickettoken/transfer-service/internal/resilience"
	"github.com/tickettoken/transfer-service/internal/store"
	"github.com/tickettoken/transfer-service/internal/tenant"
	rmrabbit "github.com/tickettoken/transfer-service/pkg/rabbitmq"
)

func main() {
	configDir := pflag.String("config-dir", ".", "directory holding an optional .env file")
	disableSweeper := pflag.Bool("disable-sweeper", false, "do not run the stuck settlement sweeper in this process")
	pflag.Parse()

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not set; internal endpoints will reject every request\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting transfer-service\" %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind connection poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool, store.Options{
		LockTimeout:      cfg.DatabaseLockTimeout,
		StatementTimeout: cfg.DatabaseStmtTimeout,
	})

	// Initialize the RabbitMQ producer. Lifecycle events degrade to the fallback,
	// in which case settlement jobs are picked up by the sweeper instead.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer publisher.Close()

	limiter := newAcceptAttemptLimiter(ctx, cfg)

	breakers := resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		MonitoringWindow: cfg.BreakerMonitoringWindow,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
	})

	gateway, err := newLedgerGateway(cfg, breakers)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger gateway init failed\" err=%v", err)
	}

	var limiterIface app.AcceptAttemptLimiter
	if limiter != nil {
		limiterIface = limiter
	}

	// Initialize the core application service with its dependencies.
	transferService := app.NewService(
		repository,
		gateway,
		publisher,
		app.NewQueueSettlementDispatcher(publisher, cfg.EventsExchange),
		limiterIface,
		app.ServiceOptions{
			TransferExpiry:        cfg.TransferExpiry,
			EventsExchange:        cfg.EventsExchange,
			AcceptAttemptLimit:    cfg.AcceptAttemptLimit,
			AcceptAttemptWindow:   cfg.AcceptAttemptWindow,
			ClaimLease:            cfg.SettlementClaimLease,
			SubmittedUnknownAfter: cfg.SettlementUnknownAfter,
			MaxSettlementRetries:  cfg.SettlementMaxRetries,
			StuckSettlementAge:    cfg.StuckSettlementAge,
			SweepConcurrency:      cfg.SettlementSweepConcurrent,
			Poll: resilience.PollOptions{
				MaxAttempts: cfg.PollMaxAttempts,
				Interval:    cfg.PollInterval,
				Timeout:     cfg.PollTimeout,
			},
		},
	)

	// The settlement worker consumes the jobs this service dispatches on accept.
	var consumerDone <-chan struct{}
	if gateway != nil {
		settlementConsumer := app.NewSettlementConsumer(transferService, cfg.SettlementJobTimeout)
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, cfg.SettlementPrefetch)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; settlements rely on the sweeper\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			bindings := map[string]rmrabbit.Handler{
				domain.JobSettlementRequested: settlementConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.SettlementQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"settlement consumer start failed\" err=%v", err)
			}
			consumerDone = rabbitConsumer.Done()
			log.Printf("level=info component=bootstrap msg=\"settlement consumer started\" queue=%s", cfg.SettlementQueue)
		}
	}

	var scheduler *app.Scheduler
	if gateway != nil && !*disableSweeper {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "scheduler")
		scheduler = app.NewScheduler(transferService, logger, app.SchedulerConfig{
			SweepSchedule: cfg.SettlementSweepSchedule,
			BatchSize:     cfg.SettlementSweepBatchSize,
			RunTimeout:    cfg.SettlementJobTimeout * 2,
		})
		if err := scheduler.Start(); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
		}
	}

	// Initialize the API handlers and router.
	handlers := api.NewTransferHandlers(transferService, breakers)
	router := api.TransferRoutes(handlers, api.RouterOptions{
		Keys:           api.NewJWKSCache(cfg.JWKSURL, 0),
		Resolver:       tenant.NewResolver(),
		Issuer:         cfg.JWTIssuer,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if consumerDone != nil {
		g.Go(func() error {
			select {
			case <-consumerDone:
				return errors.New("settlement consumer delivery channel closed")
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Println("level=info component=http msg=\"shutdown started\"")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if scheduler != nil {
			select {
			case <-scheduler.Stop().Done():
			case <-shutdownCtx.Done():
				log.Println("level=warn component=scheduler msg=\"sweep still running at shutdown\"")
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("level=error component=bootstrap msg=\"service stopped with error\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// newAcceptAttemptLimiter connects to Redis. Without it acceptance attempts are
// not rate limited.
func newAcceptAttemptLimiter(ctx context.Context, cfg config.Config) *app.RedisAcceptAttemptLimiter {
	if cfg.RedisURL == "" || cfg.AcceptAttemptLimit <= 0 {
		log.Println("level=warn component=bootstrap msg=\"redis url missing or limit disabled; acceptance rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; acceptance rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; acceptance rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return app.NewRedisAcceptAttemptLimiter(client, cfg.RedisRateLimitPrefix)
}

// newLedgerGateway returns a nil Gateway when no custody key is configured,
// which leaves transfers relational-only.
func newLedgerGateway(cfg config.Config, breakers *resilience.Registry) (ledger.Gateway, error) {
	if !cfg.LedgerEnabled() {
		log.Println("level=warn component=bootstrap msg=\"custody key not configured; ledger settlement disabled\" env=SOLANA_CUSTODY_KEY")
		return nil, nil
	}
	authority, err := solana.PrivateKeyFromBase58(cfg.SolanaCustodyKey)
	if err != nil {
		return nil, errors.New("SOLANA_CUSTODY_KEY is not a valid base58 private key")
	}

	breaker := breakers.Register(ledger.BreakerName, resilience.BreakerSettings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		MonitoringWindow: cfg.BreakerMonitoringWindow,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		IsFailure:        ledger.IsTransient,
	})
	retry := resilience.RetryOptions{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
	}

	log.Printf("level=info component=bootstrap msg=\"ledger settlement enabled\" authority=%s", authority.PublicKey())
	return ledger.NewSolanaGateway(rpc.New(cfg.SolanaRPCURL), authority, breaker, ledger.Options{
		VerifyRetry: retry,
		SubmitRetry: retry,
		StatusRetry: retry,
		Commitment:  rpc.CommitmentType(cfg.SolanaCommitment),
	}), nil
}
