package services

import (
	"errors"
	"fmt"

	"github.com/ledgerpos/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid order data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located for the tenant.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the requested status is not reachable from the current one.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderInvalidState indicates the order status does not permit the operation.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates a concurrent writer changed the order first.
	ErrOrderConflict = errors.New("order: conflict")

	// ErrPaymentInvalidInput signals a malformed tender.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates the payment does not belong to the order.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentExceedsBalance indicates the amount is larger than the remaining balance.
	ErrPaymentExceedsBalance = errors.New("payment: amount exceeds remaining balance")
	// ErrPaymentDuplicateTender indicates the card intent or gift card was already used on the order.
	ErrPaymentDuplicateTender = errors.New("payment: tender already used on order")
	// ErrPaymentTenderRejected indicates the gateway or gift card ledger refused the tender.
	ErrPaymentTenderRejected = errors.New("payment: tender rejected")
	// ErrPaymentGatewayUnavailable indicates the card gateway could not be reached.
	ErrPaymentGatewayUnavailable = errors.New("payment: gateway unavailable")

	// ErrRefundInvalidInput signals a malformed refund request.
	ErrRefundInvalidInput = errors.New("refund: invalid input")
	// ErrRefundInvalidState indicates the order cannot be refunded in its current status.
	ErrRefundInvalidState = errors.New("refund: invalid state")

	// ErrPricingDiscountNotFound indicates the referenced discount is missing, inactive or out of window.
	ErrPricingDiscountNotFound = errors.New("pricing: discount not found")
	// ErrPricingUnavailable indicates tax or discount rules could not be loaded.
	ErrPricingUnavailable = errors.New("pricing: rules unavailable")
)

// mapRepositoryError translates repository categories onto service sentinels. notFound is the
// sentinel reported for missing records in the caller's context.
func mapRepositoryError(err error, notFound error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("repository unavailable: %w", err)
		}
	}

	return err
}
