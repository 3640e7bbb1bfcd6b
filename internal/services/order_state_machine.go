package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/repositories"
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusDraft:     {domain.OrderStatusPlaced, domain.OrderStatusCancelled},
	domain.OrderStatusPlaced:    {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:      {},
	domain.OrderStatusCancelled: {},
}

// OrderStateMachine owns the legal order statuses and the content preconditions of each transition.
type OrderStateMachine struct {
	catalog repositories.CatalogRepository
}

// NewOrderStateMachine returns a state machine that checks product availability through catalog.
func NewOrderStateMachine(catalog repositories.CatalogRepository) (*OrderStateMachine, error) {
	if catalog == nil {
		return nil, errors.New("order state machine: catalog repository is required")
	}
	return &OrderStateMachine{catalog: catalog}, nil
}

// AllowedTransitions lists the statuses reachable from current.
func (m *OrderStateMachine) AllowedTransitions(current OrderStatus) []OrderStatus {
	return slices.Clone(orderStateTransitions[current])
}

// ValidateTransition accepts self-transitions and the edges of the transition table.
func (m *OrderStateMachine) ValidateTransition(current, requested OrderStatus) error {
	if !requested.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, requested)
	}
	if current == requested {
		return nil
	}
	allowed := orderStateTransitions[current]
	if slices.Contains(allowed, requested) {
		return nil
	}
	names := make([]string, len(allowed))
	for i, status := range allowed {
		names[i] = string(status)
	}
	return fmt.Errorf("%w: invalid transition %s→%s, allowed: [%s]", ErrOrderInvalidTransition, current, requested, strings.Join(names, ", "))
}

// ValidateForPlacement checks a draft order can be confirmed.
func (m *OrderStateMachine) ValidateForPlacement(ctx context.Context, order Order) error {
	if order.Status != domain.OrderStatusDraft {
		return fmt.Errorf("%w: only draft orders can be placed, order is %s", ErrOrderInvalidState, order.Status)
	}
	if err := validateContent(order); err != nil {
		return err
	}
	return m.checkProducts(ctx, order)
}

// ValidateForCancellation checks the order has not been paid or cancelled.
func (m *OrderStateMachine) ValidateForCancellation(order Order) error {
	switch order.Status {
	case domain.OrderStatusDraft, domain.OrderStatusPlaced:
		return nil
	case domain.OrderStatusPaid:
		return fmt.Errorf("%w: order is paid; must refund instead", ErrOrderInvalidState)
	case domain.OrderStatusCancelled:
		return fmt.Errorf("%w: order is already cancelled", ErrOrderInvalidState)
	}
	return fmt.Errorf("%w: unknown status %q", ErrOrderInvalidState, order.Status)
}

// ValidateForModification checks items and discounts may still change.
func (m *OrderStateMachine) ValidateForModification(order Order) error {
	if order.Status.Terminal() {
		return fmt.Errorf("%w: %s orders cannot be modified", ErrOrderInvalidState, order.Status)
	}
	return nil
}

// ValidateForPayment checks the order can accept a tender.
func (m *OrderStateMachine) ValidateForPayment(ctx context.Context, order Order) error {
	if !order.AwaitingPayment() {
		return fmt.Errorf("%w: %s orders do not accept payments", ErrOrderInvalidState, order.Status)
	}
	if err := validateContent(order); err != nil {
		return err
	}
	return m.checkProducts(ctx, order)
}

// Apply moves the order to next and stamps the matching timestamp. Callers validate content first.
func (m *OrderStateMachine) Apply(order *Order, next OrderStatus, now time.Time) error {
	if order == nil {
		return fmt.Errorf("%w: order is required", ErrOrderInvalidInput)
	}
	if err := m.ValidateTransition(order.Status, next); err != nil {
		return err
	}
	if order.Status == next {
		return nil
	}
	order.Status = next
	order.UpdatedAt = now
	ts := now
	switch next {
	case domain.OrderStatusPlaced:
		order.PlacedAt = &ts
	case domain.OrderStatusPaid:
		order.PaidAt = &ts
	case domain.OrderStatusCancelled:
		order.CancelledAt = &ts
	}
	return nil
}

func validateContent(order Order) error {
	if len(order.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrOrderInvalidInput)
	}
	for i, item := range order.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
	}
	if !order.Total().IsPositive() {
		return fmt.Errorf("%w: order total must be positive, got %s", ErrOrderInvalidInput, order.Total().StringFixed(2))
	}
	return nil
}

func (m *OrderStateMachine) checkProducts(ctx context.Context, order Order) error {
	seen := make(map[string]struct{}, len(order.Items))
	for _, item := range order.Items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		product, err := m.catalog.GetProduct(ctx, order.TenantID, item.ProductID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return fmt.Errorf("%w: product %s no longer exists", ErrOrderInvalidInput, item.ProductID)
			}
			return fmt.Errorf("order: load product %s: %w", item.ProductID, err)
		}
		if !product.Available {
			return fmt.Errorf("%w: product %s is not available", ErrOrderInvalidInput, item.ProductID)
		}
	}
	return nil
}
