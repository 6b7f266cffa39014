// Package queue provides the SQS producer that hands committed subscription
// changes to the downstream push/email workers.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"receiptwise/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ChangePublisher sends ChangeMessage payloads to the change queue. Delivery
// is fire and forget: failures are logged and swallowed so a queue outage can
// never fail a committed transition.
type ChangePublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewChangePublisher creates a ChangePublisher for the given queue URL. An
// empty queue URL disables publishing; PublishChange becomes a no-op.
func NewChangePublisher(client SQSSender, queueURL string, logger *slog.Logger) *ChangePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangePublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// PublishChange serializes the message and sends it to the change queue.
func (p *ChangePublisher) PublishChange(ctx context.Context, msg types.ChangeMessage) {
	if p.queueURL == "" || p.client == nil {
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal change message",
			"event_type", string(msg.EventType),
			"user_id", msg.UserID,
			"error", err,
		)
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.EventType)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish change message",
			"queue_url", p.queueURL,
			"event_type", string(msg.EventType),
			"user_id", msg.UserID,
			"error", err,
		)
		return
	}

	p.logger.InfoContext(ctx, "change message published",
		"event_type", string(msg.EventType),
		"user_id", msg.UserID,
		"trace_id", msg.TraceID,
	)
}
