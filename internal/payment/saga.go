// Package payment drives an order's payment through the remote gateway:
// initiation, confirmation with its compensations, and abandonment.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MikeMC777/marketplace-saga/internal/access"
	"github.com/MikeMC777/marketplace-saga/internal/gateway"
	"github.com/MikeMC777/marketplace-saga/internal/guard"
	"github.com/MikeMC777/marketplace-saga/internal/logx"
	"github.com/MikeMC777/marketplace-saga/internal/metrics"
	"github.com/MikeMC777/marketplace-saga/internal/order"
	"github.com/MikeMC777/marketplace-saga/internal/outbox"
	"github.com/MikeMC777/marketplace-saga/internal/stock"
)

var (
	// ErrDeclined is returned together with the settled order when the
	// gateway did not authorize the payment.
	ErrDeclined          = errors.New("payment declined")
	ErrConfirmInProgress = errors.New("payment confirmation already in progress")
	// ErrPaymentInProgress means the buyer already holds a gateway token, so
	// the order can only be settled through confirm.
	ErrPaymentInProgress = errors.New("payment in progress at the gateway")
	ErrMissingReturnURL  = errors.New("return url is required")
	// ErrUnresolved means the gateway could not tell whether the buyer paid.
	// The payment stays INITIATED.
	ErrUnresolved = errors.New("payment outcome unresolved")
)

// Raw gateway statuses recorded for settlements decided locally.
const (
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
)

var tracer = otel.Tracer("github.com/MikeMC777/marketplace-saga/internal/payment")

type Saga struct {
	store     order.Store
	gateway   gateway.Adapter
	locker    guard.Locker
	policy    stock.Policy
	lockTTL   time.Duration
	tokenTTL  time.Duration
	returnURL string
	now       func() time.Time
}

type Option func(*Saga)

func WithLocker(l guard.Locker) Option { return func(s *Saga) { s.locker = l } }

// WithLockTTL bounds both the confirm lock and the commit claim. It should
// outlast the gateway timeout.
func WithLockTTL(d time.Duration) Option { return func(s *Saga) { s.lockTTL = d } }

// WithTokenTTL sets how long a gateway token is left to the buyer before
// Initiate may replace it.
func WithTokenTTL(d time.Duration) Option { return func(s *Saga) { s.tokenTTL = d } }

// WithReturnURL sets the return url used when the client does not send one.
func WithReturnURL(u string) Option { return func(s *Saga) { s.returnURL = u } }

func NewSaga(store order.Store, gw gateway.Adapter, policy stock.Policy, opts ...Option) *Saga {
	s := &Saga{
		store:    store,
		gateway:  gw,
		locker:   guard.Nop{},
		policy:   policy,
		lockTTL:  30 * time.Second,
		tokenTTL: 10 * time.Minute,
		now:      time.Now,
	}
	if s.policy == "" {
		s.policy = stock.PolicyEager
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Initiate opens a gateway transaction for the order's payment and stores
// the token. A payment that already holds a token younger than the token TTL
// is refused with ErrPaymentInProgress. An older token is looked up at the
// gateway first: a paid or declined transaction settles the payment instead
// (ErrAlreadyProcessed), one the buyer never paid is replaced.
func (s *Saga) Initiate(ctx context.Context, caller access.Identity, orderID, returnURL string) (_ *order.PaymentRedirect, err error) {
	ctx, span := tracer.Start(ctx, "payment.Initiate", trace.WithAttributes(attribute.String("order.id", orderID)))
	variant := "unknown"
	defer func() { finish(span, "initiate", variant, err) }()

	if returnURL == "" {
		returnURL = s.returnURL
	}
	if returnURL == "" {
		return nil, ErrMissingReturnURL
	}

	o, err := order.Load(ctx, s.store, orderID)
	if err != nil {
		return nil, err
	}
	variant = string(o.Kind)
	if err := access.RequireBuyer(caller, o.BuyerID); err != nil {
		return nil, err
	}
	if o.Payment.Status.IsTerminal() || o.Status != order.StatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", order.ErrAlreadyProcessed, o.ID, o.Status)
	}
	prev := o.Payment.TokenValue()
	if prev != "" {
		unclaim, err := s.retire(ctx, o)
		if err != nil {
			return nil, err
		}
		defer unclaim()
	}

	// never inside a transaction: row locks must not wait on the network
	res, err := s.gateway.Initiate(ctx, gateway.BuyOrderRef(o.Kind, o.ID), o.BuyerID, o.Payment.Amount, returnURL)
	if err != nil {
		return nil, err
	}

	err = s.store.RunInTx(ctx, func(tx order.Tx) error {
		p, err := tx.Payments().GetByOrderIDForUpdate(ctx, o.ID)
		if err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			return fmt.Errorf("%w: payment is %s", order.ErrAlreadyProcessed, p.Status)
		}
		if p.TokenValue() != prev {
			// a concurrent initiate stored its token first
			return ErrPaymentInProgress
		}
		if err := p.SetToken(res.Token); err != nil {
			return err
		}
		return tx.Payments().Update(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	logx.FromContext(ctx).Info("payment_initiated",
		zap.String("order_id", o.ID), zap.String("payment_id", o.Payment.ID), zap.Bool("replaced", prev != ""))
	return &order.PaymentRedirect{OrderID: o.ID, Token: res.Token, RedirectURL: res.RedirectURL}, nil
}

// retire decides whether the payment's current token may be replaced. On
// success the commit claim is held until the returned func is called.
func (s *Saga) retire(ctx context.Context, o *order.Order) (func(), error) {
	if age := s.now().Sub(o.Payment.UpdatedAt); age < s.tokenTTL {
		return nil, ErrPaymentInProgress
	}
	unclaim, ok, err := s.claim(ctx, o.Payment)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPaymentInProgress
	}

	res, outcome, err := s.statusOf(ctx, o)
	if err != nil {
		unclaim()
		return nil, fmt.Errorf("%w: %w", ErrPaymentInProgress, err)
	}
	switch outcome {
	case gateway.OutcomeUnpaid:
		return unclaim, nil
	case gateway.OutcomePaid, gateway.OutcomeDeclined:
		defer unclaim()
		out, err := s.apply(ctx, o.ID, outcome == gateway.OutcomePaid, res.RawStatus)
		if out == nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %s is %s", order.ErrAlreadyProcessed, out.ID, out.Status)
	default:
		unclaim()
		return nil, ErrPaymentInProgress
	}
}

// Confirm settles the payment identified by token. A payment that is already
// settled is returned with its stored outcome, without asking the gateway
// again. A decline returns the settled order together with ErrDeclined.
// Gateway failures leave the payment INITIATED so that a later call can retry.
func (s *Saga) Confirm(ctx context.Context, token string) (_ *order.Order, err error) {
	ctx, span := tracer.Start(ctx, "payment.Confirm")
	variant := "unknown"
	defer func() { finish(span, "confirm", variant, err) }()
	log := logx.FromContext(ctx)

	if token == "" {
		return nil, order.ErrPaymentNotFound
	}

	release, err := s.locker.Acquire(ctx, token, s.lockTTL)
	switch {
	case errors.Is(err, guard.ErrHeld):
		return nil, ErrConfirmInProgress
	case err != nil:
		// the commit claim below still admits a single caller
		log.Warn("confirm_guard_unavailable", zap.Error(err))
		release = func() {}
	}
	defer release()

	o, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	variant = string(o.Kind)
	span.SetAttributes(attribute.String("order.id", o.ID))

	if o.Payment.Status.IsTerminal() {
		span.SetAttributes(attribute.Bool("payment.already_settled", true))
		return o, storedOutcome(o)
	}
	unclaim, ok, err := s.claim(ctx, o.Payment)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.settledOrBusy(ctx, o.ID)
	}
	defer unclaim()

	res, err := s.gateway.Commit(ctx, token)
	if err != nil {
		log.Warn("payment_commit_failed", zap.String("order_id", o.ID), zap.Error(err))
		return nil, err
	}
	if err := s.verify(ctx, o, res); err != nil {
		return nil, err
	}
	return s.apply(ctx, o.ID, res.Authorized, res.RawStatus)
}

// Resolve settles a payment whose token the gateway no longer commits, from
// the transaction status it reports. Paid and declined transactions settle as
// in Confirm. A transaction the buyer never paid expires the order and
// returns it without error. Anything else leaves the payment INITIATED and
// returns ErrUnresolved.
func (s *Saga) Resolve(ctx context.Context, token string) (_ *order.Order, err error) {
	ctx, span := tracer.Start(ctx, "payment.Resolve")
	variant := "unknown"
	defer func() { finish(span, "resolve", variant, err) }()

	o, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	variant = string(o.Kind)
	span.SetAttributes(attribute.String("order.id", o.ID))

	if o.Payment.Status.IsTerminal() {
		return o, storedOutcome(o)
	}
	unclaim, ok, err := s.claim(ctx, o.Payment)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.settledOrBusy(ctx, o.ID)
	}
	defer unclaim()

	res, outcome, err := s.statusOf(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnresolved, err)
	}
	switch outcome {
	case gateway.OutcomePaid, gateway.OutcomeDeclined:
		return s.apply(ctx, o.ID, outcome == gateway.OutcomePaid, res.RawStatus)
	case gateway.OutcomeUnpaid:
		out, err := s.apply(ctx, o.ID, false, StatusExpired)
		if errors.Is(err, ErrDeclined) && out != nil && out.Payment.GatewayStatus == StatusExpired {
			err = nil
		}
		return out, err
	default:
		logx.FromContext(ctx).Error("payment_unresolved",
			zap.String("order_id", o.ID), zap.String("gateway_status", res.RawStatus), zap.Int("response_code", res.ResponseCode))
		return nil, fmt.Errorf("%w: gateway reports %q (%d)", ErrUnresolved, res.RawStatus, res.ResponseCode)
	}
}

func (s *Saga) loadByToken(ctx context.Context, token string) (*order.Order, error) {
	p, err := s.store.Payments().GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	o, err := s.store.Orders().GetByID(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	o.Payment = p
	return o, nil
}

// claim marks the payment as being committed, so that only one caller talks
// to the gateway about it. A claim older than the lock TTL is taken over.
func (s *Saga) claim(ctx context.Context, p *order.Payment) (unclaim func(), ok bool, err error) {
	at := s.now().UTC().Truncate(time.Microsecond)
	ok, err = s.store.Payments().ClaimCommit(ctx, p.ID, at, at.Add(-s.lockTTL))
	if err != nil || !ok {
		return nil, ok, err
	}
	return func() {
		if err := s.store.Payments().ReleaseCommit(context.WithoutCancel(ctx), p.ID, at); err != nil {
			logx.FromContext(ctx).Warn("commit_claim_release_failed", zap.String("payment_id", p.ID), zap.Error(err))
		}
	}, true, nil
}

// settledOrBusy answers a caller that lost the claim: with the stored
// outcome if the winner already settled, else ErrConfirmInProgress.
func (s *Saga) settledOrBusy(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := order.Load(ctx, s.store, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Payment.Status.IsTerminal() {
		return nil, ErrConfirmInProgress
	}
	return o, storedOutcome(o)
}

// storedOutcome is the error a settled payment reported when it settled.
func storedOutcome(o *order.Order) error {
	if o.Payment.Status != order.PaymentFailed {
		return nil
	}
	if o.Payment.GatewayStatus == gateway.StatusAuthorized {
		return fmt.Errorf("%w: order %s was paid but cannot be fulfilled", stock.ErrInsufficientStock, o.ID)
	}
	return ErrDeclined
}

// verify checks that the gateway answered about this order, and that an
// authorized amount is the one quoted.
func (s *Saga) verify(ctx context.Context, o *order.Order, res *gateway.CommitResult) error {
	if want := gateway.BuyOrderRef(o.Kind, o.ID); res.RawOrderRef != want {
		logx.FromContext(ctx).Error("payment_commit_mismatch",
			zap.String("order_id", o.ID), zap.String("want", want), zap.String("got", res.RawOrderRef))
		return fmt.Errorf("%w: got %q, want %q", gateway.ErrMismatch, res.RawOrderRef, want)
	}
	if want := o.Payment.Amount.Round(2); res.Authorized && !res.Amount.Equal(want) {
		logx.FromContext(ctx).Error("payment_amount_mismatch",
			zap.String("order_id", o.ID), zap.String("want", want.String()), zap.String("got", res.Amount.String()))
		return fmt.Errorf("%w: amount %s, want %s", gateway.ErrMismatch, res.Amount, want)
	}
	return nil
}

func (s *Saga) statusOf(ctx context.Context, o *order.Order) (*gateway.CommitResult, gateway.Outcome, error) {
	res, err := s.gateway.Status(ctx, o.Payment.TokenValue())
	if err != nil {
		logx.FromContext(ctx).Warn("payment_status_failed", zap.String("order_id", o.ID), zap.Error(err))
		return nil, gateway.OutcomeUnknown, err
	}
	if err := s.verify(ctx, o, res); err != nil {
		return nil, gateway.OutcomeUnknown, err
	}
	return res, gateway.Classify(res.RawStatus, res.ResponseCode), nil
}

// apply settles the order's payment in one unit of work. A payment settled
// meanwhile is returned with its stored outcome.
func (s *Saga) apply(ctx context.Context, orderID string, authorized bool, raw string) (*order.Order, error) {
	var (
		out     *order.Order
		outcome error
	)
	err := s.store.RunInTx(ctx, func(tx order.Tx) error {
		cur, err := order.LoadForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		out = cur
		if cur.Payment.Status.IsTerminal() {
			outcome = storedOutcome(cur)
			return nil
		}
		if !authorized {
			outcome = ErrDeclined
			return s.settleFailed(ctx, tx, cur, raw)
		}
		fulfilled, err := s.settleAuthorized(ctx, tx, cur, raw)
		if err == nil && !fulfilled {
			outcome = fmt.Errorf("%w: order %s was paid but cannot be fulfilled", stock.ErrInsufficientStock, cur.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	logx.FromContext(ctx).Info("payment_settled",
		zap.String("order_id", out.ID),
		zap.String("payment_status", string(out.Payment.Status)),
		zap.String("order_status", string(out.Status)),
		zap.String("gateway_status", raw),
	)
	return out, outcome
}

// settleAuthorized confirms the payment. Under the lazy policy the stock is
// taken here; if it is gone the order fails, a refund is requested and
// fulfilled is false.
func (s *Saga) settleAuthorized(ctx context.Context, tx order.Tx, o *order.Order, raw string) (fulfilled bool, err error) {
	if s.policy == stock.PolicyLazy && o.Kind.Stocked() && !o.StockReserved {
		err := stock.NewLedger(tx.Stock()).Reserve(ctx, o.ItemID, o.Quantity)
		switch {
		case errors.Is(err, stock.ErrInsufficientStock):
			if err := s.fail(ctx, tx, o, raw); err != nil {
				return false, err
			}
			evt, err := order.NewEvent(outbox.EventRefundRequired, o)
			if err != nil {
				return false, err
			}
			logx.FromContext(ctx).Error("payment_authorized_without_stock", zap.String("order_id", o.ID))
			return false, tx.Events().Append(ctx, evt)
		case err != nil:
			return false, err
		}
		o.StockReserved = true
	}

	if err := o.Payment.Confirm(raw); err != nil {
		return false, err
	}
	s.advance(ctx, o, order.StatusProcessing)
	if err := s.persist(ctx, tx, o); err != nil {
		return false, err
	}
	evt, err := order.NewEvent(outbox.EventPaymentConfirmed, o)
	if err != nil {
		return false, err
	}
	return true, tx.Events().Append(ctx, evt)
}

// settleFailed fails the payment and the order, gives back any reservation
// and records a payment.failed event.
func (s *Saga) settleFailed(ctx context.Context, tx order.Tx, o *order.Order, raw string) error {
	if err := s.fail(ctx, tx, o, raw); err != nil {
		return err
	}
	evt, err := order.NewEvent(outbox.EventPaymentFailed, o)
	if err != nil {
		return err
	}
	return tx.Events().Append(ctx, evt)
}

func (s *Saga) fail(ctx context.Context, tx order.Tx, o *order.Order, raw string) error {
	if err := o.Payment.Fail(raw); err != nil {
		return err
	}
	s.advance(ctx, o, order.StatusFailed)
	if o.StockReserved {
		if err := stock.NewLedger(tx.Stock()).Release(ctx, o.ItemID, o.Quantity); err != nil {
			return fmt.Errorf("release stock: %w", err)
		}
		o.StockReserved = false
	}
	return s.persist(ctx, tx, o)
}

// advance moves the order along with its payment. An order moved elsewhere by
// an administrator keeps its status; the payment is settled regardless.
func (s *Saga) advance(ctx context.Context, o *order.Order, to order.Status) {
	var err error
	switch to {
	case order.StatusProcessing:
		err = o.MarkProcessing()
	case order.StatusFailed:
		err = o.MarkFailed()
	}
	if err != nil {
		logx.FromContext(ctx).Warn("order_status_kept",
			zap.String("order_id", o.ID), zap.String("status", string(o.Status)), zap.String("wanted", string(to)))
	}
}

func (s *Saga) persist(ctx context.Context, tx order.Tx, o *order.Order) error {
	if err := tx.Payments().Update(ctx, o.Payment); err != nil {
		return err
	}
	return tx.Orders().Update(ctx, o)
}

// Abandon cancels an order whose payment was never handed to the gateway.
func (s *Saga) Abandon(ctx context.Context, caller access.Identity, orderID string) (*order.Order, error) {
	o, err := order.Load(ctx, s.store, orderID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireBuyer(caller, o.BuyerID); err != nil {
		return nil, err
	}
	return s.close(ctx, orderID, StatusCancelled)
}

// Expire fails an unsettled order on behalf of the system. Orders whose
// payment holds a token are settled through Resolve instead.
func (s *Saga) Expire(ctx context.Context, orderID string) (*order.Order, error) {
	return s.close(ctx, orderID, StatusExpired)
}

func (s *Saga) close(ctx context.Context, orderID, raw string) (_ *order.Order, err error) {
	ctx, span := tracer.Start(ctx, "payment.Close", trace.WithAttributes(attribute.String("order.id", orderID)))
	variant := "unknown"
	defer func() { finish(span, "close", variant, err) }()

	var out *order.Order
	err = s.store.RunInTx(ctx, func(tx order.Tx) error {
		o, err := order.LoadForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		variant = string(o.Kind)
		if o.Payment.Status.IsTerminal() {
			return fmt.Errorf("%w: payment is %s", order.ErrAlreadyProcessed, o.Payment.Status)
		}
		if o.Payment.Token != nil {
			return ErrPaymentInProgress
		}
		out = o
		return s.settleFailed(ctx, tx, o, raw)
	})
	if err != nil {
		return nil, err
	}
	logx.FromContext(ctx).Info("order_closed", zap.String("order_id", orderID), zap.String("reason", raw))
	return out, nil
}

func finish(span trace.Span, step, variant string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrDeclined):
		outcome = "declined"
	case errors.Is(err, ErrUnresolved):
		outcome = "unresolved"
	case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, gateway.ErrRejected):
		outcome = "gateway_error"
	case errors.Is(err, gateway.ErrMismatch):
		outcome = "mismatch"
	case errors.Is(err, ErrConfirmInProgress), errors.Is(err, ErrPaymentInProgress), errors.Is(err, order.ErrAlreadyProcessed):
		outcome = "conflict"
	case errors.Is(err, stock.ErrInsufficientStock):
		outcome = "insufficient_stock"
	case errors.Is(err, order.ErrNotFound), errors.Is(err, order.ErrPaymentNotFound):
		outcome = "not_found"
	case errors.Is(err, access.ErrForbidden), errors.Is(err, access.ErrUnauthenticated):
		outcome = "forbidden"
	default:
		outcome = "error"
	}
	if err != nil && outcome != "declined" {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	metrics.Step(step, variant, outcome)
	span.End()
}
