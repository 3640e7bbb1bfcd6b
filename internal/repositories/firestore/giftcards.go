package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
	pfirestore "github.com/ledgerpos/api/internal/platform/firestore"
	"github.com/ledgerpos/api/internal/repositories"
)

type giftCardDocument struct {
	Balance        string     `firestore:"balance"`
	OriginalAmount string     `firestore:"originalAmount"`
	Active         bool       `firestore:"active"`
	ExpiresAt      *time.Time `firestore:"expiresAt,omitempty"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
}

func (d giftCardDocument) toDomain(tenantID, code string) (domain.GiftCard, error) {
	balance, err := decimal.NewFromString(d.Balance)
	if err != nil {
		return domain.GiftCard{}, fmt.Errorf("decode gift card %s balance: %w", code, err)
	}
	original, err := decimal.NewFromString(d.OriginalAmount)
	if err != nil {
		return domain.GiftCard{}, fmt.Errorf("decode gift card %s original amount: %w", code, err)
	}
	return domain.GiftCard{
		TenantID:       tenantID,
		Code:           code,
		Balance:        balance,
		OriginalAmount: original,
		Active:         d.Active,
		ExpiresAt:      utcPtr(d.ExpiresAt),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}, nil
}

// GiftCardRepository mutates balances with a transactional read-modify-write on the card document.
type GiftCardRepository struct {
	base
}

func (r *GiftCardRepository) ref(ctx context.Context, tenantID, code string) (*firestore.DocumentRef, string, error) {
	coll, err := r.collection(ctx, tenantID, giftCardsCollection)
	if err != nil {
		return nil, "", err
	}
	normalized := strings.ToUpper(strings.TrimSpace(code))
	return coll.Doc(tenderDocID(normalized)), normalized, nil
}

func (r *GiftCardRepository) FindByCode(ctx context.Context, tenantID, code string) (domain.GiftCard, error) {
	ref, normalized, err := r.ref(ctx, tenantID, code)
	if err != nil {
		return domain.GiftCard{}, err
	}
	snap, err := get(ctx, ref)
	if err != nil {
		return domain.GiftCard{}, pfirestore.WrapError("giftcards.find", err)
	}
	var doc giftCardDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.GiftCard{}, fmt.Errorf("decode gift card %s: %w", normalized, err)
	}
	return doc.toDomain(tenantID, normalized)
}

func (r *GiftCardRepository) Debit(ctx context.Context, req repositories.GiftCardDebitRequest) (domain.GiftCard, error) {
	return r.mutate(ctx, "giftcard.debit", req.TenantID, req.Code, func(card domain.GiftCard) (domain.GiftCard, error) {
		return repositories.ApplyGiftCardDebit(card, req.Amount, req.Now)
	})
}

func (r *GiftCardRepository) Credit(ctx context.Context, req repositories.GiftCardCreditRequest) (domain.GiftCard, error) {
	return r.mutate(ctx, "giftcard.credit", req.TenantID, req.Code, func(card domain.GiftCard) (domain.GiftCard, error) {
		return repositories.ApplyGiftCardCredit(card, req.Amount, req.Now)
	})
}

func (r *GiftCardRepository) mutate(ctx context.Context, op, tenantID, code string, apply func(domain.GiftCard) (domain.GiftCard, error)) (domain.GiftCard, error) {
	ref, normalized, err := r.ref(ctx, tenantID, code)
	if err != nil {
		return domain.GiftCard{}, err
	}

	var updated domain.GiftCard
	err = r.runTx(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.NewGiftCardError(op, repositories.GiftCardErrorNotFound, "gift card "+normalized+" not found")
			}
			return pfirestore.WrapError(op, err)
		}
		var doc giftCardDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode gift card %s: %w", normalized, err)
		}
		card, err := doc.toDomain(tenantID, normalized)
		if err != nil {
			return err
		}
		if updated, err = apply(card); err != nil {
			return err
		}
		return pfirestore.WrapError(op, tx.Update(ref, []firestore.Update{
			{Path: "balance", Value: updated.Balance.String()},
			{Path: "updatedAt", Value: updated.UpdatedAt},
		}))
	})
	if err != nil {
		return domain.GiftCard{}, err
	}
	return updated, nil
}
