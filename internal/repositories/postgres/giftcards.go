package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/repositories"
)

// GiftCardRepository performs balance read-modify-write under a row lock.
type GiftCardRepository struct {
	q querier
}

func (r *GiftCardRepository) FindByCode(ctx context.Context, tenantID, code string) (domain.GiftCard, error) {
	card, err := r.load(ctx, tenantID, code, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.GiftCard{}, repositories.NewNotFoundError("giftcards.find", "gift card")
	}
	if err != nil {
		return domain.GiftCard{}, wrapError("giftcards.find", err)
	}
	return card, nil
}

func (r *GiftCardRepository) Debit(ctx context.Context, req repositories.GiftCardDebitRequest) (domain.GiftCard, error) {
	var updated domain.GiftCard
	err := withTx(ctx, r.q.pool, func(ctx context.Context) error {
		card, err := r.load(ctx, req.TenantID, req.Code, true)
		if errors.Is(err, pgx.ErrNoRows) {
			return repositories.NewGiftCardError("giftcard.debit", repositories.GiftCardErrorNotFound, "gift card "+req.Code+" not found")
		}
		if err != nil {
			return wrapError("giftcards.debit", err)
		}
		if updated, err = repositories.ApplyGiftCardDebit(card, req.Amount, req.Now); err != nil {
			return err
		}
		return r.save(ctx, updated)
	})
	return updated, err
}

func (r *GiftCardRepository) Credit(ctx context.Context, req repositories.GiftCardCreditRequest) (domain.GiftCard, error) {
	var updated domain.GiftCard
	err := withTx(ctx, r.q.pool, func(ctx context.Context) error {
		card, err := r.load(ctx, req.TenantID, req.Code, true)
		if errors.Is(err, pgx.ErrNoRows) {
			return repositories.NewGiftCardError("giftcard.credit", repositories.GiftCardErrorNotFound, "gift card "+req.Code+" not found")
		}
		if err != nil {
			return wrapError("giftcards.credit", err)
		}
		if updated, err = repositories.ApplyGiftCardCredit(card, req.Amount, req.Now); err != nil {
			return err
		}
		return r.save(ctx, updated)
	})
	return updated, err
}

func (r *GiftCardRepository) load(ctx context.Context, tenantID, code string, lock bool) (domain.GiftCard, error) {
	query := `
SELECT tenant_id, code, balance::text, original_amount::text, active, expires_at, updated_at
FROM gift_cards WHERE tenant_id = $1 AND code = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		card              domain.GiftCard
		balance, original string
		expiresAt         *time.Time
	)
	err := r.q.queryRow(ctx, query, tenantID, strings.ToUpper(strings.TrimSpace(code))).Scan(
		&card.TenantID, &card.Code, &balance, &original, &card.Active, &expiresAt, &card.UpdatedAt)
	if err != nil {
		return domain.GiftCard{}, err
	}
	if card.Balance, err = parseDecimal(balance); err != nil {
		return domain.GiftCard{}, err
	}
	if card.OriginalAmount, err = parseDecimal(original); err != nil {
		return domain.GiftCard{}, err
	}
	card.ExpiresAt = utcPtr(expiresAt)
	return card, nil
}

func (r *GiftCardRepository) save(ctx context.Context, card domain.GiftCard) error {
	_, err := r.q.exec(ctx, `UPDATE gift_cards SET balance = $3, updated_at = $4 WHERE tenant_id = $1 AND code = $2`,
		card.TenantID, card.Code, card.Balance.String(), card.UpdatedAt)
	return wrapError("giftcards.save", err)
}
