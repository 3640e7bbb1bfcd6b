// Package postgres implements the repositories against PostgreSQL through pgx. Transactions are
// carried in the context so repositories invoked inside RunInTx share the same pgx.Tx.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerpos/api/internal/repositories"
	"github.com/ledgerpos/api/internal/repositories/postgres/migrations"
)

// Config controls pool construction.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Migrate         bool
}

// Store is the Postgres-backed repositories.Registry.
type Store struct {
	pool   *pgxpool.Pool
	q      querier
	health repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// Open creates the pool, verifies connectivity and optionally applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapError("ping", err)
	}
	if cfg.Migrate {
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return NewStore(pool), nil
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	s := &Store{pool: pool, q: querier{pool: pool}}
	s.health, _ = repositories.NewProbeHealthRepository([]repositories.Probe{{
		Name:  "postgres",
		Check: pool.Ping,
	}}, nil)
	return s
}

// Pool exposes the underlying pool for wiring probes and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// RunInTx runs fn inside a read-committed transaction; nested calls join the outer one.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

// Close releases the pool.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func (s *Store) Orders() repositories.OrderRepository           { return &OrderRepository{q: s.q} }
func (s *Store) Payments() repositories.PaymentRepository       { return &PaymentRepository{q: s.q} }
func (s *Store) Refunds() repositories.RefundRepository         { return &RefundRepository{q: s.q} }
func (s *Store) GiftCards() repositories.GiftCardRepository     { return &GiftCardRepository{q: s.q} }
func (s *Store) Inventory() repositories.InventoryRepository    { return &InventoryRepository{q: s.q} }
func (s *Store) Catalog() repositories.CatalogRepository        { return &CatalogRepository{q: s.q} }
func (s *Store) TaxRules() repositories.TaxRuleRepository       { return &TaxRuleRepository{q: s.q} }
func (s *Store) Discounts() repositories.DiscountRuleRepository { return &DiscountRepository{q: s.q} }
func (s *Store) Health() repositories.HealthRepository          { return s.health }
