package handlers

import (
	"context"
	"errors"

	"github.com/ledgerpos/api/internal/services"
)

type stubOrderService struct {
	createFn func(context.Context, services.CreateOrderCommand) (services.Order, error)
	updateFn func(context.Context, services.UpdateOrderCommand) (services.Order, error)
	placeFn  func(context.Context, services.PlaceOrderCommand) (services.Order, error)
	cancelFn func(context.Context, services.CancelOrderCommand) (services.Order, error)
	getFn    func(context.Context, string, string) (services.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdateOrder(ctx context.Context, cmd services.UpdateOrderCommand) (services.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) PlaceOrder(ctx context.Context, cmd services.PlaceOrderCommand) (services.Order, error) {
	if s.placeFn != nil {
		return s.placeFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) CancelOrder(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, tenantID, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, tenantID, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubPaymentService struct {
	createFn  func(context.Context, services.CreatePaymentCommand) (services.PaymentResult, error)
	splitFn   func(context.Context, services.CreateSplitPaymentsCommand) (services.SplitPaymentResult, error)
	intentFn  func(context.Context, services.CreateCardIntentCommand) (services.CardIntent, error)
	deleteFn  func(context.Context, services.DeletePaymentCommand) (services.PaymentBalance, error)
	balanceFn func(context.Context, string, string) (services.PaymentBalance, error)
}

func (s *stubPaymentService) CreatePayment(ctx context.Context, cmd services.CreatePaymentCommand) (services.PaymentResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.PaymentResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) CreateSplitPayments(ctx context.Context, cmd services.CreateSplitPaymentsCommand) (services.SplitPaymentResult, error) {
	if s.splitFn != nil {
		return s.splitFn(ctx, cmd)
	}
	return services.SplitPaymentResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) CreateCardIntent(ctx context.Context, cmd services.CreateCardIntentCommand) (services.CardIntent, error) {
	if s.intentFn != nil {
		return s.intentFn(ctx, cmd)
	}
	return services.CardIntent{}, errors.New("not implemented")
}

func (s *stubPaymentService) DeletePayment(ctx context.Context, cmd services.DeletePaymentCommand) (services.PaymentBalance, error) {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, cmd)
	}
	return services.PaymentBalance{}, errors.New("not implemented")
}

func (s *stubPaymentService) ListPayments(ctx context.Context, tenantID, orderID string) ([]services.Payment, error) {
	balance, err := s.GetBalance(ctx, tenantID, orderID)
	return balance.Payments, err
}

func (s *stubPaymentService) GetBalance(ctx context.Context, tenantID, orderID string) (services.PaymentBalance, error) {
	if s.balanceFn != nil {
		return s.balanceFn(ctx, tenantID, orderID)
	}
	return services.PaymentBalance{}, errors.New("not implemented")
}

type stubRefundService struct {
	processFn func(context.Context, services.ProcessRefundCommand) (services.RefundResult, error)
	listFn    func(context.Context, string, string) ([]services.Refund, error)
}

func (s *stubRefundService) ProcessRefund(ctx context.Context, cmd services.ProcessRefundCommand) (services.RefundResult, error) {
	if s.processFn != nil {
		return s.processFn(ctx, cmd)
	}
	return services.RefundResult{}, errors.New("not implemented")
}

func (s *stubRefundService) ListRefunds(ctx context.Context, tenantID, orderID string) ([]services.Refund, error) {
	if s.listFn != nil {
		return s.listFn(ctx, tenantID, orderID)
	}
	return nil, nil
}
