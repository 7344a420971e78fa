package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Queue backends
const (
	QueueRedis = "redis"
	QueueSQS   = "sqs"
)

// Mail drivers
const (
	MailSES  = "ses"
	MailSMTP = "smtp"
	MailLog  = "log"
)

// CRM drivers
const (
	CRMHTTP = "http"
	CRMSNS  = "sns"
	CRMLog  = "log"
)

type Config struct {
	Port     int    `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Env      string `envconfig:"ENV" default:"development"`

	// Public URL the tracking pixel is served from, e.g. https://lynk.bio
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`
	// When set, rendered emails carry signed tracking tokens instead of raw ids.
	TrackingSecret string `envconfig:"TRACKING_SECRET"`
	// Keep recording raw /t/{newsletter}/{user} views while TRACKING_SECRET is set.
	TrackingAllowRaw bool `envconfig:"TRACKING_ALLOW_RAW" default:"false"`

	// Database
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"lynk"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"lynk"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	// Redis
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Queue
	QueueBackend      string `envconfig:"QUEUE_BACKEND" default:"redis"`
	QueueName         string `envconfig:"QUEUE_NAME" default:"default"`
	SQSQueueURL       string `envconfig:"SQS_QUEUE_URL"`
	SQSRegion         string `envconfig:"SQS_REGION"`
	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"4"`
	RunWorker         bool   `envconfig:"RUN_WORKER" default:"true"` // run the job runner inside the gateway

	// AWS
	AWSRegion   string `envconfig:"AWS_REGION" default:"us-east-1"`
	// Overrides the SQS and SNS endpoints, e.g. http://localhost:4566 for LocalStack.
	AWSEndpoint string `envconfig:"AWS_ENDPOINT"`

	// Mail
	MailDriver      string  `envconfig:"MAIL_DRIVER" default:"log"`
	MailRatePerSec  float64 `envconfig:"MAIL_RATE_PER_SEC" default:"10"`
	SESFromEmail    string  `envconfig:"SES_FROM_EMAIL" default:"noreply@lynk.local"`
	SMTPHost        string  `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort        int     `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername    string  `envconfig:"SMTP_USERNAME"`
	SMTPPassword    string  `envconfig:"SMTP_PASSWORD"`
	SMTPFrom        string  `envconfig:"SMTP_FROM" default:"noreply@lynk.local"`
	MailBreakerFail int     `envconfig:"MAIL_BREAKER_FAILURES" default:"5"`

	// CRM / marketing contact sync
	CRMDriver      string `envconfig:"CRM_DRIVER" default:"log"`
	CRMBaseURL     string `envconfig:"CRM_BASE_URL"`
	CRMAPIKey      string `envconfig:"CRM_API_KEY"`
	CRMTimeout     int    `envconfig:"CRM_TIMEOUT" default:"10"` // seconds
	CRMSNSTopicARN string `envconfig:"CRM_SNS_TOPIC_ARN"`

	// Rate limit for the /v1 API, requests per minute per client IP
	APIRateLimit int `envconfig:"API_RATE_LIMIT" default:"120"`
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	c.QueueBackend = strings.ToLower(c.QueueBackend)
	c.MailDriver = strings.ToLower(c.MailDriver)
	c.CRMDriver = strings.ToLower(c.CRMDriver)

	switch c.QueueBackend {
	case QueueRedis:
	case QueueSQS:
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required when QUEUE_BACKEND=sqs")
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q", c.QueueBackend)
	}

	switch c.MailDriver {
	case MailSES, MailSMTP, MailLog:
	default:
		return fmt.Errorf("invalid MAIL_DRIVER %q", c.MailDriver)
	}

	switch c.CRMDriver {
	case CRMLog:
	case CRMHTTP:
		if c.CRMBaseURL == "" {
			return fmt.Errorf("CRM_BASE_URL is required when CRM_DRIVER=http")
		}
	case CRMSNS:
		if c.CRMSNSTopicARN == "" {
			return fmt.Errorf("CRM_SNS_TOPIC_ARN is required when CRM_DRIVER=sns")
		}
	default:
		return fmt.Errorf("invalid CRM_DRIVER %q", c.CRMDriver)
	}

	if c.WorkerConcurrency < 1 {
		c.WorkerConcurrency = 1
	}

	return nil
}
