// Package reconcile settles payments whose gateway callback never arrived
// and closes orders that were never paid.
package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MikeMC777/marketplace-saga/internal/gateway"
	"github.com/MikeMC777/marketplace-saga/internal/order"
	"github.com/MikeMC777/marketplace-saga/internal/payment"
	"github.com/MikeMC777/marketplace-saga/internal/stock"
)

// Settler is the part of the payment saga the sweeps drive.
type Settler interface {
	Confirm(ctx context.Context, token string) (*order.Order, error)
	Resolve(ctx context.Context, token string) (*order.Order, error)
	Expire(ctx context.Context, orderID string) (*order.Order, error)
}

type Config struct {
	// StaleAfter is how long a tokened payment may wait for its callback.
	StaleAfter time.Duration
	// AbandonAfter is how long an order may stay unpaid. Tokened payments the
	// gateway refuses to commit are settled from their gateway status after
	// it.
	AbandonAfter time.Duration
	Batch        int
	Workers      int
	// RPS paces gateway commits.
	RPS float64
}

type Report struct {
	Checked int64 `json:"checked"`
	Settled int64 `json:"settled"`
	Expired int64 `json:"expired"`
	// Unresolved counts payments the gateway could not account for. They
	// stay INITIATED and need a manual look.
	Unresolved int64 `json:"unresolved"`
	Errors     int64 `json:"errors"`
}

type Reconciler struct {
	store   order.Store
	settler Settler
	cfg     Config
	limiter *rate.Limiter
	log     *zap.Logger

	now func() time.Time
}

func New(store order.Store, settler Settler, cfg Config, log *zap.Logger) *Reconciler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 30 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		store:   store,
		settler: settler,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		log:     log,
		now:     time.Now,
	}
}

// Run re-runs Confirm for every INITIATED payment holding a token that has
// been waiting longer than StaleAfter.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	now := r.now()
	stale, err := r.store.Payments().ListStale(ctx, now.Add(-r.cfg.StaleAfter), r.cfg.Batch)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, p := range stale {
		p := p
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			atomic.AddInt64(&rep.Checked, 1)
			r.settle(gctx, p, now, &rep)
			return nil
		})
	}
	err = g.Wait()
	r.log.Info("reconcile_done", zap.Int64("checked", rep.Checked), zap.Int64("settled", rep.Settled),
		zap.Int64("expired", rep.Expired), zap.Int64("unresolved", rep.Unresolved), zap.Int64("errors", rep.Errors))
	return rep, err
}

func (r *Reconciler) settle(ctx context.Context, p order.Payment, now time.Time, rep *Report) {
	_, err := r.settler.Confirm(ctx, p.TokenValue())
	switch {
	case err == nil, errors.Is(err, payment.ErrDeclined), errors.Is(err, stock.ErrInsufficientStock):
		atomic.AddInt64(&rep.Settled, 1)
		return
	case errors.Is(err, payment.ErrConfirmInProgress):
		// a live callback is handling it
		return
	case errors.Is(err, gateway.ErrRejected) && p.UpdatedAt.Before(now.Add(-r.cfg.AbandonAfter)):
		r.resolve(ctx, p, rep)
		return
	}
	atomic.AddInt64(&rep.Errors, 1)
	r.log.Warn("reconcile_confirm_failed", zap.String("order_id", p.OrderID), zap.Error(err))
}

// resolve settles a payment from its gateway status once commits keep being
// refused. A refused commit says nothing about whether the buyer paid.
func (r *Reconciler) resolve(ctx context.Context, p order.Payment, rep *Report) {
	o, err := r.settler.Resolve(ctx, p.TokenValue())
	switch {
	case err == nil && o.Payment.GatewayStatus == payment.StatusExpired:
		atomic.AddInt64(&rep.Expired, 1)
	case err == nil, errors.Is(err, payment.ErrDeclined), errors.Is(err, stock.ErrInsufficientStock):
		atomic.AddInt64(&rep.Settled, 1)
	case errors.Is(err, payment.ErrConfirmInProgress):
	case errors.Is(err, payment.ErrUnresolved):
		atomic.AddInt64(&rep.Unresolved, 1)
		r.log.Error("reconcile_unresolved",
			zap.String("order_id", p.OrderID), zap.String("payment_id", p.ID), zap.Error(err))
	default:
		atomic.AddInt64(&rep.Errors, 1)
		r.log.Warn("reconcile_resolve_failed", zap.String("order_id", p.OrderID), zap.Error(err))
	}
}

// Expire closes PENDING orders that never received a gateway token within
// AbandonAfter, releasing their reservations.
func (r *Reconciler) Expire(ctx context.Context) (Report, error) {
	orders, err := r.store.Orders().ListAbandoned(ctx, r.now().Add(-r.cfg.AbandonAfter), r.cfg.Batch)
	if err != nil {
		return Report{}, err
	}
	var rep Report
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		_, err := r.settler.Expire(ctx, o.ID)
		switch {
		case err == nil:
			rep.Expired++
		case errors.Is(err, order.ErrAlreadyProcessed), errors.Is(err, payment.ErrPaymentInProgress):
			// raced with a buyer action
		default:
			rep.Errors++
			r.log.Warn("expire_failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	r.log.Info("expire_done", zap.Int64("checked", rep.Checked), zap.Int64("expired", rep.Expired), zap.Int64("errors", rep.Errors))
	return rep, nil
}

// Loop runs both sweeps every interval until ctx is done.
func (r *Reconciler) Loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Expire(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("expire_sweep", zap.Error(err))
			}
			if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("reconcile_sweep", zap.Error(err))
			}
		}
	}
}
