package services

import (
	"context"
	"maps"
	"time"
)

const (
	orderEventCreated          = "order.created"
	orderEventPlaced           = "order.placed"
	orderEventPaid             = "order.paid"
	orderEventCancelled        = "order.cancelled"
	orderEventReverted         = "order.payment.reverted"
	orderEventInventoryShort   = "inventory.shortage"
	orderEventRefundProcessed  = "refund.processed"
	orderEventPaymentRecorded  = "payment.recorded"
	orderEventPaymentDeleted   = "payment.deleted"
	orderEventPublishFailedLog = "order.event.publish.failed"
)

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	TenantID       string
	OrderID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// eventSink publishes after commit. Publish failures are logged and never fail the operation.
type eventSink struct {
	events OrderEventPublisher
	logger func(context.Context, string, map[string]any)
}

func (s eventSink) publish(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil && s.logger != nil {
		s.logger(ctx, orderEventPublishFailedLog, map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func defaultLogger(logger func(context.Context, string, map[string]any)) func(context.Context, string, map[string]any) {
	if logger == nil {
		return func(context.Context, string, map[string]any) {}
	}
	return logger
}

func utcClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time {
		return clock().UTC()
	}
}
