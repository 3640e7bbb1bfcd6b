package repositories

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
)

// ApplyGiftCardDebit validates a redemption against the loaded card and returns the debited card.
// Backends call it between their locked read and write.
func ApplyGiftCardDebit(card domain.GiftCard, amount decimal.Decimal, now time.Time) (domain.GiftCard, error) {
	const op = "giftcard.debit"
	if !amount.IsPositive() {
		return domain.GiftCard{}, NewGiftCardError(op, GiftCardErrorInvalidAmount, "debit amount must be positive")
	}
	if !card.Active {
		return domain.GiftCard{}, NewGiftCardError(op, GiftCardErrorInactive, fmt.Sprintf("gift card %s is not active", card.Code))
	}
	if card.Expired(now) {
		return domain.GiftCard{}, NewGiftCardError(op, GiftCardErrorExpired, fmt.Sprintf("gift card %s has expired", card.Code))
	}
	if card.Balance.LessThan(amount) {
		return domain.GiftCard{}, NewGiftCardError(op, GiftCardErrorInsufficientBalance,
			fmt.Sprintf("gift card %s balance %s is below %s", card.Code, card.Balance.StringFixed(2), amount.StringFixed(2)))
	}
	card.Balance = card.Balance.Sub(amount)
	card.UpdatedAt = now
	return card, nil
}

// ApplyGiftCardCredit returns amount to the card. Credits are not capped at the original amount.
func ApplyGiftCardCredit(card domain.GiftCard, amount decimal.Decimal, now time.Time) (domain.GiftCard, error) {
	if !amount.IsPositive() {
		return domain.GiftCard{}, NewGiftCardError("giftcard.credit", GiftCardErrorInvalidAmount, "credit amount must be positive")
	}
	card.Balance = card.Balance.Add(amount)
	card.UpdatedAt = now
	return card, nil
}
