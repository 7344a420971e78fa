// Package sqs implements queue.Broker on Amazon SQS. Retry backoff uses
// DelaySeconds; redelivery of unacked messages uses the visibility timeout.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/queue"
)

// SQS caps DelaySeconds at 15 minutes.
const maxDelay = 15 * time.Minute

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint          string
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// API is the subset of the SQS client the broker uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Broker sends envelopes to and receives them from one SQS queue.
type Broker struct {
	client   API
	queueURL string
	wait     int32
	visible  int32
	logger   *zap.Logger
}

var _ queue.Broker = (*Broker)(nil)

// NewBroker loads the default AWS config and creates a broker.
func NewBroker(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs broker initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewBrokerWithClient(client, cfg, logger), nil
}

// NewBrokerWithClient creates a broker on an existing client.
func NewBrokerWithClient(client API, cfg Config, logger *zap.Logger) *Broker {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 300
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		client:   client,
		queueURL: cfg.QueueURL,
		wait:     cfg.WaitTimeSeconds,
		visible:  cfg.VisibilityTimeout,
		logger:   logger,
	}
}

// Publish sends env, hidden from consumers for delay.
func (b *Broker) Publish(ctx context.Context, env queue.Envelope, delay time.Duration) error {
	if err := env.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(b.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.Kind),
			},
		},
	})
	if err != nil {
		b.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("job_id", env.ID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// Receive long-polls for one message.
func (b *Broker) Receive(ctx context.Context) (*queue.Receipt, error) {
	result, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     b.wait,
		VisibilityTimeout:   b.visible,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, nil
	}

	msg := result.Messages[0]
	handle := aws.ToString(msg.ReceiptHandle)

	var env queue.Envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		b.logger.Error("dropping undecodable message",
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
		if delErr := b.delete(ctx, handle); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}

	return &queue.Receipt{Envelope: env, Handle: handle}, nil
}

// Ack deletes the message.
func (b *Broker) Ack(ctx context.Context, receipt *queue.Receipt) error {
	return b.delete(ctx, receipt.Handle)
}

func (b *Broker) delete(ctx context.Context, handle string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
