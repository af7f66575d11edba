// Package notify delivers report tuple state changes to observers outside
// the database.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"adsingest/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each tuple change as a JSON message to one queue.
// Attributes carry the account, aggregation and status so subscribers can
// filter without decoding the body.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSPublisher creates an SQSPublisher for queueURL.
func NewSQSPublisher(client SQSSender, queueURL string, logger *slog.Logger) *SQSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Publish implements registry.Notifier.
func (p *SQSPublisher) Publish(ctx context.Context, change types.TupleChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("notify: failed to marshal TupleChange: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"account_id":  stringAttr(change.AccountID),
			"aggregation": stringAttr(string(change.Aggregation)),
			"entity_type": stringAttr(string(change.EntityType)),
			"status":      stringAttr(string(change.Status)),
			"tuple_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(change.TupleID, 10)),
			},
			"change_id": stringAttr(uuid.NewString()),
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("notify: failed to send TupleChange to %s: %w", p.queueURL, err)
	}

	p.logger.DebugContext(ctx, "tuple change sent",
		"queue_url", p.queueURL,
		"tuple_id", change.TupleID,
		"status", string(change.Status),
	)
	return nil
}

func stringAttr(v string) sqsTypes.MessageAttributeValue {
	return sqsTypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
