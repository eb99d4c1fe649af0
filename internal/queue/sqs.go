// Package queue publishes usage events to SQS for asynchronous consumers.
// Publishing is best-effort; failures are logged and swallowed.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/blueberrycongee/llmux/internal/domain"
)

type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return NewSQSPublisherWithConfig(cfg, queueURL), nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) Record(ctx context.Context, rec domain.UsageRecord) {
	body, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("queue: marshal usage record", "error", err)
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.RequestID),
			},
			"Provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Provider),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		slog.Warn("queue: publish usage record", "request_id", rec.RequestID, "error", err)
	}
}

// InMemoryPublisher collects usage records for tests.
type InMemoryPublisher struct {
	mu      sync.Mutex
	records []domain.UsageRecord
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Record(ctx context.Context, rec domain.UsageRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
}

func (p *InMemoryPublisher) Records() []domain.UsageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.UsageRecord, len(p.records))
	copy(out, p.records)
	return out
}
