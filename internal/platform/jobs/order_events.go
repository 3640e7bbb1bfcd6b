// Package jobs hands order events to downstream consumers over Pub/Sub.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ledgerpos/api/internal/services"
)

// orderEventMessage is the wire form of services.OrderEvent.
type orderEventMessage struct {
	Type           string         `json:"type"`
	TenantID       string         `json:"tenantId"`
	OrderID        string         `json:"orderId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PubSubOrderPublisher publishes order events to a topic. Messages for one order share an
// ordering key so subscribers see them in commit order.
type PubSubOrderPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderPublisher)(nil)

func NewPubSubOrderPublisher(topic *pubsub.Topic) (*PubSubOrderPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubOrderPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishOrderEvent blocks until the server acknowledges the message.
func (p *PubSubOrderPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}
	data, err := p.marshal(orderEventMessage{
		Type:           event.Type,
		TenantID:       event.TenantID,
		OrderID:        event.OrderID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string, 3)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "tenantId", event.TenantID)
	setAttr(attrs, "orderId", event.OrderID)

	orderingKey := orderingKey(event)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until resumed.
		if orderingKey != "" {
			p.topic.ResumePublish(orderingKey)
		}
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func orderingKey(event services.OrderEvent) string {
	tenant := strings.TrimSpace(event.TenantID)
	order := strings.TrimSpace(event.OrderID)
	if order == "" {
		return ""
	}
	return tenant + "/" + order
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
