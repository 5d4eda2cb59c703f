package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"zapia_ai/internal/config"
	"zapia_ai/internal/entities"
	"zapia_ai/internal/infrastructure"
	"zapia_ai/internal/interfaces"
	"zapia_ai/internal/repository"
	"zapia_ai/internal/usecases"
	"zapia_ai/internal/workflow"
)

// app holds the wiring shared by every command.
type app struct {
	cfg config.Config
	log *slog.Logger

	pg         *infrastructure.PostgresClient
	registry   *repository.TenantRegistry
	resolver   *repository.Resolver
	partitions usecases.Partitioner
	ledger     workflow.Ledger

	closers []func()
}

// newApp opens the tenant store and the ledger. Without DATABASE_URL the
// store lives in memory, which is only useful for local runs.
func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var backend repository.TxBackend
	if cfg.DatabaseURL != "" {
		pg, err := infrastructure.NewPostgresClient(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		a.pg = pg
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		manager := repository.NewTenantManager(pg.Pool)
		a.registry = repository.NewTenantRegistry(manager)
		a.partitions = manager
		backend = repository.NewPostgresBackend(pg.Pool)
	} else {
		log.Warn("DATABASE_URL not set, tenant data is kept in memory")
		memory := repository.NewMemoryBackend()
		a.registry = repository.NewTenantRegistry(memory)
		a.partitions = memory
		backend = memory
	}
	a.resolver = repository.NewResolver(backend, a.registry, log)

	ledger, err := a.openLedger()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ledger = ledger
	return a, nil
}

func (a *app) openLedger() (workflow.Ledger, error) {
	dsn := a.cfg.LedgerDSN
	switch {
	case dsn == "" || dsn == "memory://":
		a.log.Warn("step ledger kept in memory; completed steps replay after restart")
		return workflow.NewMemoryLedger(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		l, err := repository.OpenSQLiteLedger(strings.TrimPrefix(dsn, "sqlite://"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = l.Close() })
		return l, nil
	case dsn == "postgres":
		if a.pg == nil {
			return nil, errors.New("postgres ledger requires DATABASE_URL")
		}
		return repository.NewPostgresLedger(a.pg.Pool), nil
	default:
		return nil, fmt.Errorf("unsupported LEDGER_DSN %q", dsn)
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) openAI() *infrastructure.OpenAIClient {
	if a.cfg.OpenAIAPIKey == "" {
		a.log.Warn("OPENAI_API_KEY not set, embedding and completion calls will fail")
	}
	return infrastructure.NewOpenAIClient(a.cfg.OpenAIAPIKey, a.cfg.OpenAIBaseURL, a.cfg.EmbeddingModel)
}

func (a *app) alerter() interfaces.Alerter {
	if a.cfg.TelegramBotToken == "" || a.cfg.TelegramAlertChatID == 0 {
		return infrastructure.LogAlerter{Log: a.log}
	}
	alerter, err := infrastructure.NewTelegramAlerter(a.cfg.TelegramBotToken, a.cfg.TelegramAlertChatID)
	if err != nil {
		a.log.Error("telegram alerts disabled", slog.Any("error", err))
		return infrastructure.LogAlerter{Log: a.log}
	}
	return alerter
}

func (a *app) crm() interfaces.CRM {
	if a.cfg.CRMBaseURL == "" {
		return infrastructure.LogCRM{Log: a.log}
	}
	return infrastructure.NewHTTPCRM(a.cfg.CRMBaseURL, a.cfg.CRMAPIKey, &http.Client{Timeout: 15 * time.Second})
}

// objectStore picks S3 when S3_ENDPOINT is set and local directories otherwise.
func (a *app) objectStore() (interfaces.ObjectStore, error) {
	if a.cfg.S3Endpoint == "" {
		a.log.Info("tenant buckets kept on local disk", slog.String("root", a.cfg.BucketRoot))
		return infrastructure.NewFSObjectStore(a.cfg.BucketRoot), nil
	}
	store, err := infrastructure.NewS3ObjectStore(infrastructure.S3Options{
		Endpoint:  a.cfg.S3Endpoint,
		Region:    a.cfg.S3Region,
		AccessKey: a.cfg.S3AccessKey,
		SecretKey: a.cfg.S3SecretKey,
		UseSSL:    a.cfg.S3UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (a *app) provisioning() (*usecases.ProvisioningService, error) {
	buckets, err := a.objectStore()
	if err != nil {
		return nil, err
	}
	return usecases.NewProvisioningService(a.partitions, a.registry, a.resolver, buckets, a.crm(), a.log), nil
}

// engine builds the workflow engine. With REDIS_URL set, dedup-key locks are
// also taken in Redis so that several processes can share one ledger.
func (a *app) engine(ctx context.Context, workflows ...workflow.Workflow) (*workflow.Engine, error) {
	policy := workflow.DefaultRetryPolicy()
	policy.MaxAttempts = a.cfg.StepMaxAttempts
	policy.StepTimeout = a.cfg.StepTimeout

	var locker workflow.Locker = workflow.NewKeyLocks()
	if a.cfg.RedisURL != "" {
		rc, err := infrastructure.NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		locker = workflow.ChainLockers(locker, infrastructure.NewRedisLocker(rc, 4*a.cfg.StepTimeout))
	}

	e := workflow.NewEngine(a.ledger,
		workflow.WithLogger(a.log),
		workflow.WithLocker(locker),
		workflow.WithRetryPolicy(policy),
	)
	for _, wf := range workflows {
		if err := e.Register(wf); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// openBus picks the transport from the BUS_URL scheme.
func (a *app) openBus(ctx context.Context) (interfaces.EventBus, <-chan error, error) {
	url := a.cfg.BusURL
	switch {
	case url == "" || url == "memory://":
		return infrastructure.NewMemoryBus(infrastructure.MemoryBusOptions{
			Workers: a.cfg.BusWorkers,
			Logger:  a.log,
		}), nil, nil
	case strings.HasPrefix(url, "amqp://") || strings.HasPrefix(url, "amqps://"):
		bus, err := infrastructure.NewRabbitBus(ctx, infrastructure.RabbitOptions{
			URL:            url,
			Exchange:       a.cfg.BusExchange,
			Queue:          a.cfg.BusQueue,
			Workers:        a.cfg.BusWorkers,
			Prefetch:       2 * a.cfg.BusWorkers,
			HandlerTimeout: 10 * a.cfg.StepTimeout,
			Logger:         a.log,
		})
		if err != nil {
			return nil, nil, err
		}
		return bus, bus.Closed(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported BUS_URL %q", url)
	}
}

func fallbackWhatsApp(cfg config.Config) entities.WhatsAppConfig {
	return entities.WhatsAppConfig{
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		AccessToken:   cfg.WhatsAppAccessToken,
		VerifyToken:   cfg.WhatsAppVerifyToken,
	}
}
