package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/platform/textutil"
	"github.com/ledgerpos/api/internal/repositories"
)

const (
	orderIDPrefix = "ord_"

	maxItemNotesLength    = 280
	maxCancelReasonLength = 500
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	Catalog      repositories.CatalogRepository
	Pricing      *PricingEngine
	StateMachine *OrderStateMachine
	UnitOfWork   repositories.UnitOfWork
	Clock        func() time.Time
	IDGenerator  func() string
	Events       OrderEventPublisher
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	catalog    repositories.CatalogRepository
	pricing    *PricingEngine
	machine    *OrderStateMachine
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	sink       eventSink
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}
	if deps.StateMachine == nil {
		return nil, errors.New("order service: state machine is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := defaultLogger(deps.Logger)

	return &orderService{
		orders:     deps.Orders,
		catalog:    deps.Catalog,
		pricing:    deps.Pricing,
		machine:    deps.StateMachine,
		unitOfWork: unit,
		clock:      utcClock(deps.Clock),
		newID:      idGen,
		sink:       eventSink{events: deps.Events, logger: logger},
		logger:     logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	tenantID := strings.TrimSpace(cmd.TenantID)
	if tenantID == "" {
		return Order{}, fmt.Errorf("%w: tenant id is required", ErrOrderInvalidInput)
	}
	spotID := strings.TrimSpace(cmd.SpotID)
	if spotID == "" {
		return Order{}, fmt.Errorf("%w: spot id is required", ErrOrderInvalidInput)
	}

	now := s.clock()
	order := Order{
		ID:         orderIDPrefix + s.newID(),
		TenantID:   tenantID,
		SpotID:     spotID,
		CreatedBy:  strings.TrimSpace(cmd.ActorID),
		DiscountID: strings.TrimSpace(cmd.DiscountID),
		Status:     domain.OrderStatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	items, err := s.buildItems(ctx, tenantID, cmd.Items, nil)
	if err != nil {
		return Order{}, err
	}
	order.Items = items

	if err := s.reprice(ctx, &order); err != nil {
		return Order{}, err
	}

	if err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		return mapRepositoryError(s.orders.Insert(txCtx, order), ErrOrderNotFound)
	}); err != nil {
		return Order{}, err
	}
	order.Version = 1

	s.sink.publish(ctx, OrderEvent{
		Type:          orderEventCreated,
		TenantID:      tenantID,
		OrderID:       order.ID,
		CurrentStatus: string(order.Status),
		ActorID:       order.CreatedBy,
		OccurredAt:    now,
		Metadata:      map[string]any{"spotId": spotID, "total": order.Total().String()},
	})
	return order, nil
}

func (s *orderService) UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (Order, error) {
	tenantID, orderID, err := orderKey(cmd.TenantID, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if cmd.Items == nil && cmd.DiscountID == nil {
		return Order{}, fmt.Errorf("%w: nothing to update", ErrOrderInvalidInput)
	}

	var updated Order
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindForUpdate(txCtx, tenantID, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != order.Version {
			return fmt.Errorf("%w: expected version %d but was %d", ErrOrderConflict, *cmd.ExpectedVersion, order.Version)
		}
		if err := s.machine.ValidateForModification(order); err != nil {
			return err
		}

		if cmd.Items != nil {
			items, err := s.buildItems(txCtx, tenantID, *cmd.Items, order.Items)
			if err != nil {
				return err
			}
			order.Items = items
		}
		if cmd.DiscountID != nil {
			order.DiscountID = strings.TrimSpace(*cmd.DiscountID)
		}
		if err := s.reprice(txCtx, &order); err != nil {
			return err
		}
		order.UpdatedAt = s.clock()

		updated, err = s.orders.Update(txCtx, order)
		return mapRepositoryError(err, ErrOrderNotFound)
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	tenantID, orderID, err := orderKey(cmd.TenantID, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}

	var (
		placed   Order
		previous OrderStatus
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindForUpdate(txCtx, tenantID, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		previous = order.Status
		if order.Status == domain.OrderStatusPlaced {
			placed = order
			return nil
		}
		if err := s.reprice(txCtx, &order); err != nil {
			return err
		}
		if err := s.machine.ValidateForPlacement(txCtx, order); err != nil {
			return err
		}
		if err := s.machine.Apply(&order, domain.OrderStatusPlaced, s.clock()); err != nil {
			return err
		}
		placed, err = s.orders.Update(txCtx, order)
		return mapRepositoryError(err, ErrOrderNotFound)
	})
	if err != nil {
		return Order{}, err
	}

	if previous != placed.Status {
		s.sink.publish(ctx, OrderEvent{
			Type:           orderEventPlaced,
			TenantID:       tenantID,
			OrderID:        orderID,
			PreviousStatus: string(previous),
			CurrentStatus:  string(placed.Status),
			ActorID:        strings.TrimSpace(cmd.ActorID),
			OccurredAt:     placed.UpdatedAt,
			Metadata:       map[string]any{"total": placed.Total().String()},
		})
	}
	return placed, nil
}

func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	tenantID, orderID, err := orderKey(cmd.TenantID, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	reason := textutil.PlainText(cmd.Reason, maxCancelReasonLength)

	var (
		cancelled Order
		previous  OrderStatus
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindForUpdate(txCtx, tenantID, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		previous = order.Status
		if err := s.machine.ValidateForCancellation(order); err != nil {
			return err
		}
		if err := s.machine.Apply(&order, domain.OrderStatusCancelled, s.clock()); err != nil {
			return err
		}
		order.CancelReason = reason
		cancelled, err = s.orders.Update(txCtx, order)
		return mapRepositoryError(err, ErrOrderNotFound)
	})
	if err != nil {
		return Order{}, err
	}

	s.sink.publish(ctx, OrderEvent{
		Type:           orderEventCancelled,
		TenantID:       tenantID,
		OrderID:        orderID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(cancelled.Status),
		ActorID:        strings.TrimSpace(cmd.ActorID),
		OccurredAt:     cancelled.UpdatedAt,
		Metadata:       map[string]any{"reason": reason},
	})
	return cancelled, nil
}

func (s *orderService) GetOrder(ctx context.Context, tenantID, orderID string) (Order, error) {
	tenantID, orderID, err := orderKey(tenantID, orderID)
	if err != nil {
		return Order{}, err
	}
	order, err := s.orders.FindByID(ctx, tenantID, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return order, nil
}

// buildItems resolves client lines against the catalog. Lines already on the order keep the unit
// price captured when they were first added.
func (s *orderService) buildItems(ctx context.Context, tenantID string, inputs []OrderItemInput, existing []OrderItem) ([]OrderItem, error) {
	captured := make(map[string]OrderItem, len(existing))
	for _, item := range existing {
		captured[lineKey(item.ProductID, item.ModificationKey)] = item
	}

	items := make([]OrderItem, 0, len(inputs))
	for i, input := range inputs {
		productID := strings.TrimSpace(input.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: item %d product id is required", ErrOrderInvalidInput, i)
		}
		if input.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		item := OrderItem{
			ProductID:       productID,
			ModificationKey: strings.TrimSpace(input.ModificationKey),
			Quantity:        input.Quantity,
			Notes:           textutil.PlainText(input.Notes, maxItemNotesLength),
		}
		if prev, ok := captured[lineKey(item.ProductID, item.ModificationKey)]; ok {
			item.UnitPrice = prev.UnitPrice
			items = append(items, item)
			continue
		}
		product, err := s.catalog.GetProduct(ctx, tenantID, productID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return nil, fmt.Errorf("%w: product %s does not exist", ErrOrderInvalidInput, productID)
			}
			return nil, fmt.Errorf("order: load product %s: %w", productID, err)
		}
		if !product.Available {
			return nil, fmt.Errorf("%w: product %s is not available", ErrOrderInvalidInput, productID)
		}
		item.UnitPrice = product.Price
		items = append(items, item)
	}
	return items, nil
}

func (s *orderService) reprice(ctx context.Context, order *Order) error {
	breakdown, err := s.pricing.CalculateTotals(ctx, *order, order.TenantID, "")
	if err != nil {
		return err
	}
	order.Subtotal = breakdown.Subtotal
	order.Discount = breakdown.Discount
	order.Tax = breakdown.Tax
	return nil
}

func orderKey(tenantID, orderID string) (string, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	orderID = strings.TrimSpace(orderID)
	if tenantID == "" {
		return "", "", fmt.Errorf("%w: tenant id is required", ErrOrderInvalidInput)
	}
	if orderID == "" {
		return "", "", fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	return tenantID, orderID, nil
}

func lineKey(productID, modificationKey string) string {
	return productID + "|" + modificationKey
}
