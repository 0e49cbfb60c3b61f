// Package memstore is an in-memory implementation of order.Store. Units of
// work are serialised and run against a private copy that replaces the live
// state only on success, so a failed unit leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MikeMC777/marketplace-saga/internal/catalog"
	"github.com/MikeMC777/marketplace-saga/internal/order"
	"github.com/MikeMC777/marketplace-saga/internal/outbox"
	"github.com/MikeMC777/marketplace-saga/internal/stock"
)

type state struct {
	items    map[string]catalog.Item
	orders   map[string]order.Order
	payments map[string]order.Payment
	events   []outbox.Event
}

func newState() *state {
	return &state{
		items:    map[string]catalog.Item{},
		orders:   map[string]order.Order{},
		payments: map[string]order.Payment{},
	}
}

func (s *state) clone() *state {
	c := &state{
		items:    make(map[string]catalog.Item, len(s.items)),
		orders:   make(map[string]order.Order, len(s.orders)),
		payments: make(map[string]order.Payment, len(s.payments)),
		events:   append([]outbox.Event(nil), s.events...),
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

// view runs fn against some state: the live one or a unit of work's copy.
type view func(write bool, fn func(st *state) error) error

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

func New() *Store { return &Store{st: newState()} }

func (s *Store) live(write bool, fn func(st *state) error) error {
	if write {
		// a concurrent unit of work would overwrite this change on commit
		s.txMu.Lock()
		defer s.txMu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	return fn(s.st)
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx order.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	v := view(func(_ bool, f func(st *state) error) error { return f(work) })
	if err := fn(scope{v: v}); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Items() catalog.Repository { return itemRepo{s.live} }
func (s *Store) Stock() stock.Store { return stockStore{s.live} }
func (s *Store) Orders() order.Repository { return orderRepo{s.live} }
func (s *Store) Payments() order.PaymentRepository { return paymentRepo{s.live} }
func (s *Store) Events() outbox.Writer { return eventRepo{s.live} }
func (s *Store) Outbox() outbox.Repository { return eventRepo{s.live} }

type scope struct{ v view }

func (t scope) Items() catalog.Repository { return itemRepo{t.v} }
func (t scope) Stock() stock.Store { return stockStore{t.v} }
func (t scope) Orders() order.Repository { return orderRepo{t.v} }
func (t scope) Payments() order.PaymentRepository { return paymentRepo{t.v} }
func (t scope) Events() outbox.Writer { return eventRepo{t.v} }

type itemRepo struct{ v view }

func (r itemRepo) Create(_ context.Context, it *catalog.Item) error {
	if err := catalog.Validate(it); err != nil {
		return err
	}
	now := time.Now().UTC()
	it.CreatedAt, it.UpdatedAt = now, now
	return r.v(true, func(st *state) error {
		st.items[it.ID] = *it
		return nil
	})
}

func (r itemRepo) GetByID(_ context.Context, id string) (*catalog.Item, error) {
	var out catalog.Item
	err := r.v(false, func(st *state) error {
		it, ok := st.items[id]
		if !ok {
			return catalog.ErrNotFound
		}
		out = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r itemRepo) List(_ context.Context, q catalog.Query) ([]catalog.Item, error) {
	var out []catalog.Item
	err := r.v(false, func(st *state) error {
		needle := strings.ToLower(strings.TrimSpace(q.Q))
		for _, it := range st.items {
			if q.ProviderID != "" && it.ProviderID != q.ProviderID {
				continue
			}
			if needle != "" && !strings.Contains(strings.ToLower(it.Name), needle) &&
				!strings.Contains(strings.ToLower(it.Description), needle) {
				continue
			}
			out = append(out, it)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, q.Limit, q.Offset), err
}

type stockStore struct{ v view }

func (s stockStore) Available(_ context.Context, itemID string) (int, error) {
	n := 0
	err := s.v(false, func(st *state) error {
		it, ok := st.items[itemID]
		if !ok {
			return stock.ErrItemNotFound
		}
		n = it.Stock
		return nil
	})
	return n, err
}

func (s stockStore) Decrement(_ context.Context, itemID string, qty int) (bool, error) {
	changed := false
	err := s.v(true, func(st *state) error {
		it, ok := st.items[itemID]
		if !ok || it.Stock < qty {
			return nil
		}
		it.Stock -= qty
		it.UpdatedAt = time.Now().UTC()
		st.items[itemID] = it
		changed = true
		return nil
	})
	return changed, err
}

func (s stockStore) Increment(_ context.Context, itemID string, qty int) error {
	return s.v(true, func(st *state) error {
		it, ok := st.items[itemID]
		if !ok {
			return stock.ErrItemNotFound
		}
		it.Stock += qty
		it.UpdatedAt = time.Now().UTC()
		st.items[itemID] = it
		return nil
	})
}

type orderRepo struct{ v view }

func (r orderRepo) Create(_ context.Context, o *order.Order) error {
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	return r.v(true, func(st *state) error {
		cp := *o
		cp.Payment = nil
		st.orders[o.ID] = cp
		return nil
	})
}

func (r orderRepo) GetByID(_ context.Context, id string) (*order.Order, error) {
	var out order.Order
	err := r.v(false, func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return order.ErrNotFound
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetForUpdate needs no lock: units of work are already serialised.
func (r orderRepo) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return r.GetByID(ctx, id)
}

func (r orderRepo) ListByBuyer(_ context.Context, buyerID string, limit, offset int) ([]order.Order, error) {
	var out []order.Order
	err := r.v(false, func(st *state) error {
		for _, o := range st.orders {
			if o.BuyerID == buyerID {
				out = append(out, o)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), err
}

func (r orderRepo) ListAbandoned(_ context.Context, before time.Time, limit int) ([]order.Order, error) {
	var out []order.Order
	err := r.v(false, func(st *state) error {
		tokenless := map[string]bool{}
		for _, p := range st.payments {
			if p.Status == order.PaymentInitiated && p.Token == nil {
				tokenless[p.OrderID] = true
			}
		}
		for _, o := range st.orders {
			if o.Status == order.StatusPending && o.CreatedAt.Before(before) && tokenless[o.ID] {
				out = append(out, o)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r orderRepo) Update(_ context.Context, o *order.Order) error {
	return r.v(true, func(st *state) error {
		cur, ok := st.orders[o.ID]
		if !ok {
			return order.ErrNotFound
		}
		cur.Status = o.Status
		cur.StockReserved = o.StockReserved
		cur.UpdatedAt = time.Now().UTC()
		st.orders[o.ID] = cur
		o.UpdatedAt = cur.UpdatedAt
		return nil
	})
}

type paymentRepo struct{ v view }

func (r paymentRepo) Create(_ context.Context, p *order.Payment) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	return r.v(true, func(st *state) error {
		st.payments[p.ID] = *p
		return nil
	})
}

func (r paymentRepo) find(match func(p order.Payment) bool) (*order.Payment, error) {
	var out *order.Payment
	err := r.v(false, func(st *state) error {
		for _, p := range st.payments {
			if match(p) {
				cp := p
				out = &cp
				return nil
			}
		}
		return order.ErrPaymentNotFound
	})
	return out, err
}

func (r paymentRepo) GetByOrderID(_ context.Context, orderID string) (*order.Payment, error) {
	return r.find(func(p order.Payment) bool { return p.OrderID == orderID })
}

func (r paymentRepo) GetByOrderIDForUpdate(ctx context.Context, orderID string) (*order.Payment, error) {
	return r.GetByOrderID(ctx, orderID)
}

func (r paymentRepo) GetByToken(_ context.Context, token string) (*order.Payment, error) {
	return r.find(func(p order.Payment) bool { return p.Token != nil && *p.Token == token })
}

func (r paymentRepo) ListStale(_ context.Context, before time.Time, limit int) ([]order.Payment, error) {
	var out []order.Payment
	err := r.v(false, func(st *state) error {
		for _, p := range st.payments {
			if p.Status == order.PaymentInitiated && p.Token != nil && p.UpdatedAt.Before(before) {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r paymentRepo) Update(_ context.Context, p *order.Payment) error {
	return r.v(true, func(st *state) error {
		cur, ok := st.payments[p.ID]
		if !ok {
			return order.ErrPaymentNotFound
		}
		p.UpdatedAt = time.Now().UTC()
		next := *p
		next.CommitStartedAt = cur.CommitStartedAt
		st.payments[p.ID] = next
		return nil
	})
}

func (r paymentRepo) ClaimCommit(_ context.Context, id string, at, staleBefore time.Time) (bool, error) {
	claimed := false
	err := r.v(true, func(st *state) error {
		p, ok := st.payments[id]
		if !ok || p.Status != order.PaymentInitiated {
			return nil
		}
		if p.CommitStartedAt != nil && !p.CommitStartedAt.Before(staleBefore) {
			return nil
		}
		t := at
		p.CommitStartedAt = &t
		st.payments[id] = p
		claimed = true
		return nil
	})
	return claimed, err
}

func (r paymentRepo) ReleaseCommit(_ context.Context, id string, at time.Time) error {
	return r.v(true, func(st *state) error {
		p, ok := st.payments[id]
		if !ok || p.CommitStartedAt == nil || !p.CommitStartedAt.Equal(at) {
			return nil
		}
		p.CommitStartedAt = nil
		st.payments[id] = p
		return nil
	})
}

type eventRepo struct{ v view }

func (r eventRepo) Append(_ context.Context, e *outbox.Event) error {
	return r.v(true, func(st *state) error {
		st.events = append(st.events, *e)
		return nil
	})
}

func (r eventRepo) Unpublished(_ context.Context, limit int) ([]outbox.Event, error) {
	var out []outbox.Event
	err := r.v(false, func(st *state) error {
		for _, e := range st.events {
			if e.PublishedAt == nil {
				out = append(out, e)
			}
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r eventRepo) MarkPublished(_ context.Context, id string) error {
	return r.v(true, func(st *state) error {
		for i := range st.events {
			if st.events[i].ID == id {
				now := time.Now().UTC()
				st.events[i].PublishedAt = &now
				return nil
			}
		}
		return outbox.ErrNotFound
	})
}

func page[T any](in []T, limit, offset int) []T {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return []T{}
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}
