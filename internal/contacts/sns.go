package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Contact event types published to SNS.
const (
	EventContactUpserted = "contact.upserted"
	EventContactActive   = "contact.active"
)

// SNSAPI is the subset of the SNS client the publisher uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// ContactEvent is the message body. CRM connectors subscribe to the topic
// and filter on the event_type attribute.
type ContactEvent struct {
	Type         string     `json:"type"`
	UserID       string     `json:"user_id"`
	Email        string     `json:"email"`
	Name         string     `json:"name,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// SNSPublisher implements CRM by publishing contact events to a topic.
type SNSPublisher struct {
	client   SNSAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSPublisher loads the default AWS config. endpoint overrides the
// service endpoint (for LocalStack) when non-empty.
func NewSNSPublisher(ctx context.Context, region, topicARN, endpoint string, logger *zap.Logger) (*SNSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return NewSNSPublisherWithClient(client, topicARN, logger), nil
}

func NewSNSPublisherWithClient(client SNSAPI, topicARN string, logger *zap.Logger) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN, logger: logger}
}

func (p *SNSPublisher) UpsertContact(ctx context.Context, c Contact) error {
	registered := c.RegisteredAt.UTC()
	return p.publish(ctx, ContactEvent{
		Type:         EventContactUpserted,
		UserID:       c.UserID.String(),
		Email:        c.Email,
		Name:         c.Name,
		RegisteredAt: &registered,
	})
}

func (p *SNSPublisher) UpdateLastActive(ctx context.Context, userID uuid.UUID, email string, at time.Time) error {
	at = at.UTC()
	return p.publish(ctx, ContactEvent{
		Type:         EventContactActive,
		UserID:       userID.String(),
		Email:        email,
		LastActiveAt: &at,
	})
}

func (p *SNSPublisher) publish(ctx context.Context, event ContactEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal contact event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("contact event published",
		zap.String("type", event.Type),
		zap.String("user_id", event.UserID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
