// Package app wires configuration into the running components shared by
// the gateway and the standalone worker.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/lynk/internal/circuitbreaker"
	"github.com/lalithlochan/lynk/internal/config"
	"github.com/lalithlochan/lynk/internal/contacts"
	"github.com/lalithlochan/lynk/internal/db"
	"github.com/lalithlochan/lynk/internal/mail"
	"github.com/lalithlochan/lynk/internal/newsletter"
	"github.com/lalithlochan/lynk/internal/observ"
	"github.com/lalithlochan/lynk/internal/queue"
	"github.com/lalithlochan/lynk/internal/redis"
	"github.com/lalithlochan/lynk/internal/sqs"
	"github.com/lalithlochan/lynk/internal/tracking"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB    *db.DB
	Repo  *db.Repository
	Redis *redis.Client // nil when Redis is unreachable and not the queue backend

	Broker     queue.Broker
	Dispatcher *queue.Dispatcher
	Runner     *queue.Runner

	Signer   *tracking.Signer // nil without TRACKING_SECRET
	Breakers []*circuitbreaker.CircuitBreaker
	Hooks    *contacts.Hooks
	Sender   *newsletter.Broadcaster
}

// New connects to the database, Redis and the queue backend and builds
// every job. The caller must Close the App.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = database
	a.Repo = db.NewRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 10 + cfg.WorkerConcurrency,
	}, logger)
	if err != nil {
		if cfg.QueueBackend == config.QueueRedis {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		a.Redis = redisClient
	}

	if err := a.buildBroker(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Dispatcher = queue.NewDispatcher(a.Broker, observ.Component(logger, "dispatcher"))

	if cfg.TrackingSecret != "" {
		a.Signer = tracking.NewSigner(cfg.TrackingSecret)
	}

	pixels, err := tracking.NewURLBuilder(cfg.PublicBaseURL, a.Signer)
	if err != nil {
		a.Close()
		return nil, err
	}

	mailer, err := a.buildMailer(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	crm, err := a.buildCRM(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.MailRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MailRatePerSec), max(1, int(cfg.MailRatePerSec)))
	}

	jobLogger := observ.Component(logger, "jobs")
	a.Runner = queue.NewRunner(a.Broker, queue.RunnerConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: time.Second,
	}, observ.Component(logger, "runner"),
		newsletter.NewSendJob(a.Repo, mailer, pixels, limiter, jobLogger),
		contacts.NewAddContactJob(crm, jobLogger),
		contacts.NewTouchJob(crm, jobLogger),
	)

	a.Hooks = contacts.NewHooks(a.Dispatcher, observ.Component(logger, "contacts"))
	a.Sender = newsletter.NewBroadcaster(a.Dispatcher, observ.Component(logger, "broadcast"))

	return a, nil
}

func (a *App) buildBroker(ctx context.Context) error {
	cfg := a.Config

	switch cfg.QueueBackend {
	case config.QueueSQS:
		broker, err := sqs.NewBroker(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs broker: %w", err)
		}
		a.Broker = broker
	default:
		a.Broker = redis.NewQueue(a.Redis, redis.QueueConfig{Name: cfg.QueueName}, a.Logger)
	}

	a.Logger.Info("job queue ready",
		zap.String("backend", cfg.QueueBackend),
		zap.String("queue", cfg.QueueName),
	)
	return nil
}

func (a *App) buildMailer(ctx context.Context) (mail.Mailer, error) {
	cfg := a.Config

	var inner mail.Mailer
	switch cfg.MailDriver {
	case config.MailSES:
		ses, err := mail.NewSESMailer(ctx, mail.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES mailer: %w", err)
		}
		inner = ses
	case config.MailSMTP:
		inner = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, a.Logger)
	default:
		return mail.NewLogMailer(a.Logger), nil
	}

	breakerCfg := circuitbreaker.DefaultConfig(cfg.MailDriver)
	breakerCfg.MaxFailures = cfg.MailBreakerFail
	breaker := circuitbreaker.New(breakerCfg, a.Logger)
	a.Breakers = append(a.Breakers, breaker)

	a.Logger.Info("mailer ready", zap.String("driver", cfg.MailDriver))
	return circuitbreaker.NewProtectedMailer(inner, breaker, a.Logger), nil
}

func (a *App) buildCRM(ctx context.Context) (contacts.CRM, error) {
	cfg := a.Config

	switch cfg.CRMDriver {
	case config.CRMHTTP:
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("crm"), a.Logger)
		a.Breakers = append(a.Breakers, breaker)
		return contacts.NewHTTPClient(contacts.HTTPConfig{
			BaseURL: cfg.CRMBaseURL,
			APIKey:  cfg.CRMAPIKey,
			Timeout: time.Duration(cfg.CRMTimeout) * time.Second,
		}, breaker, a.Logger), nil
	case config.CRMSNS:
		publisher, err := contacts.NewSNSPublisher(ctx, cfg.AWSRegion, cfg.CRMSNSTopicARN, cfg.AWSEndpoint, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS contact publisher: %w", err)
		}
		return publisher, nil
	default:
		return contacts.NewLogCRM(a.Logger), nil
	}
}

// Health reports the state of the database, Redis and circuit breakers.
// The error is non-nil when a hard dependency is down.
func (a *App) Health(ctx context.Context) (map[string]any, error) {
	report := map[string]any{"status": "ok"}
	var failed error

	if err := a.DB.Health(ctx); err != nil {
		report["database"] = err.Error()
		failed = fmt.Errorf("database: %w", err)
	} else {
		report["database"] = "ok"
	}

	if a.Redis != nil {
		if err := a.Redis.Ping(ctx); err != nil {
			report["redis"] = err.Error()
			if a.Config.QueueBackend == config.QueueRedis && failed == nil {
				failed = fmt.Errorf("redis: %w", err)
			}
		} else {
			report["redis"] = "ok"
		}
	}

	breakers := make([]circuitbreaker.Stats, 0, len(a.Breakers))
	for _, b := range a.Breakers {
		breakers = append(breakers, b.Stats())
	}
	report["circuit_breakers"] = breakers

	if failed != nil {
		report["status"] = "degraded"
	}
	return report, failed
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
