// Package postgres binds the domain repositories to a pgx pool and runs
// units of work in database transactions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeMC777/marketplace-saga/internal/catalog"
	"github.com/MikeMC777/marketplace-saga/internal/order"
	"github.com/MikeMC777/marketplace-saga/internal/outbox"
	"github.com/MikeMC777/marketplace-saga/internal/stock"
)

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Store implements order.Store on top of a pool. Calls made outside RunInTx
// run in their own implicit transaction.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) Items() catalog.Repository { return catalog.NewPGRepo(s.pool) }
func (s *Store) Stock() stock.Store { return stock.NewPGStore(s.pool) }
func (s *Store) Orders() order.Repository { return order.NewPGRepo(s.pool) }
func (s *Store) Payments() order.PaymentRepository { return order.NewPGPaymentRepo(s.pool) }
func (s *Store) Events() outbox.Writer { return outbox.NewPGRepo(s.pool) }
func (s *Store) Outbox() outbox.Repository { return outbox.NewPGRepo(s.pool) }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// RunInTx commits only if fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(tx order.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.Background()); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(txScope{tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type txScope struct{ tx pgx.Tx }

func (t txScope) Items() catalog.Repository { return catalog.NewPGRepo(t.tx) }
func (t txScope) Stock() stock.Store { return stock.NewPGStore(t.tx) }
func (t txScope) Orders() order.Repository { return order.NewPGRepo(t.tx) }
func (t txScope) Payments() order.PaymentRepository { return order.NewPGPaymentRepo(t.tx) }
func (t txScope) Events() outbox.Writer { return outbox.NewPGRepo(t.tx) }
