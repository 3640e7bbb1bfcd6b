package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection  = "pos_idempotency"
	defaultMaxAttempts = 5
	defaultCleanupSize = 100
)

// ClientSource yields the Firestore client lazily so the store can share the registry's provider.
type ClientSource interface {
	Client(ctx context.Context) (*firestore.Client, error)
}

// FirestoreOption customises the FirestoreStore behaviour.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name used to store idempotency keys.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts configures the transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// FirestoreStore shares idempotency records between replicas when the ledger runs on Firestore
// without Redis.
type FirestoreStore struct {
	source      ClientSource
	collection  string
	maxAttempts int
}

var _ Store = (*FirestoreStore)(nil)

func NewFirestoreStore(source ClientSource, opts ...FirestoreOption) (*FirestoreStore, error) {
	if source == nil {
		return nil, errors.New("idempotency: firestore client source is required")
	}
	store := &FirestoreStore{
		source:      source,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.Client, *firestore.DocumentRef, error) {
	client, err := s.source.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Collection(s.collection).Doc(compositeKey(key)), nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client, ref, err := s.doc(ctx, key)
	if err != nil {
		return Reservation{}, err
	}

	var result Reservation
	err = client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fresh := firestoreRecord{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      string(StatusPending),
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}

		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			result = Reservation{State: ReservationStateNew, Record: fresh.toRecord()}
			return tx.Set(ref, fresh)
		}
		if err != nil {
			return err
		}

		var record firestoreRecord
		if err := snap.DataTo(&record); err != nil {
			return err
		}
		// An expired record is reclaimable by any request, matching the memory store.
		if !now.Before(record.ExpiresAt) {
			result = Reservation{State: ReservationStateNew, Record: fresh.toRecord()}
			return tx.Set(ref, fresh)
		}
		if record.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		state := ReservationStatePending
		if record.Status == string(StatusCompleted) {
			state = ReservationStateCompleted
		}
		result = Reservation{State: state, Record: record.toRecord()}
		return nil
	}, firestore.MaxAttempts(s.maxAttempts))
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client, ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}

	headers := sanitizeHeaders(resp.Headers)
	body := append([]byte(nil), resp.Body...)

	return client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		record := firestoreRecord{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&record); err != nil {
				return err
			}
			if record.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
		}

		record.Status = string(StatusCompleted)
		record.ResponseStatus = resp.Status
		record.ResponseHeaders = headers
		record.ResponseBody = body
		record.UpdatedAt = now
		record.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, record)
	}, firestore.MaxAttempts(s.maxAttempts))
}

// Release deletes the reservation only while fingerprint still owns it.
func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	client, ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	return client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var record firestoreRecord
		if err := snap.DataTo(&record); err != nil {
			return err
		}
		if record.Fingerprint != fingerprint {
			return nil
		}
		return tx.Delete(ref)
	}, firestore.MaxAttempts(s.maxAttempts))
}

func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupSize
	}
	client, err := s.source.Client(ctx)
	if err != nil {
		return 0, err
	}

	docs, err := client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	writer := client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := writer.Delete(doc.Ref)
		if err != nil {
			writer.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	writer.End()

	removed := 0
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

type firestoreRecord struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers"`
	ResponseBody    []byte              `firestore:"response_body"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}
