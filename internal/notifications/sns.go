// Package notifications publishes best-effort provider failure alerts to an
// SNS topic. Publish errors never affect request handling.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationProviderDown       NotificationType = "provider_down"
	NotificationAllProvidersFailed NotificationType = "all_providers_failed"
)

type Notification struct {
	Type     NotificationType `json:"type"`
	Provider string           `json:"provider,omitempty"`
	Model    string           `json:"model,omitempty"`
	Message  string           `json:"message"`
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) publish(ctx context.Context, notification Notification) {
	message, err := json.Marshal(notification)
	if err != nil {
		slog.Warn("notifications: marshal failed", "error", err)
		return
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}
	if notification.Provider != "" {
		input.MessageAttributes["Provider"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.Provider),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		slog.Warn("notifications: publish failed", "type", notification.Type, "error", err)
		return
	}

	slog.Info("notification sent", "type", notification.Type, "provider", notification.Provider)
}

func (n *SNSNotifier) ProviderFailure(ctx context.Context, provider, message string) {
	n.publish(ctx, Notification{
		Type:     NotificationProviderDown,
		Provider: provider,
		Message:  message,
	})
}

func (n *SNSNotifier) AllProvidersFailed(ctx context.Context, model, message string) {
	n.publish(ctx, Notification{
		Type:    NotificationAllProvidersFailed,
		Model:   model,
		Message: message,
	})
}

// InMemoryNotifier collects notifications for tests.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) record(notification Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
}

func (n *InMemoryNotifier) ProviderFailure(ctx context.Context, provider, message string) {
	n.record(Notification{Type: NotificationProviderDown, Provider: provider, Message: message})
}

func (n *InMemoryNotifier) AllProvidersFailed(ctx context.Context, model, message string) {
	n.record(Notification{Type: NotificationAllProvidersFailed, Model: model, Message: message})
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.notifications))
	copy(out, n.notifications)
	return out
}
