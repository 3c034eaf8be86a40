package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker/live"
)

// MemoryStore is an in-process order store. It backs the demo mode and the
// tracking tests; it can drop its streams to imitate a transport failure.
type MemoryStore struct {
	mu            sync.Mutex
	clock         clock.Clock
	orders        map[uuid.UUID]domain.Order
	timeline      map[uuid.UUID][]domain.StatusChange
	streams       map[uuid.UUID]map[*memStream]struct{}
	failSubscribe int
	offline       bool
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryStore{
		clock:    clk,
		orders:   make(map[uuid.UUID]domain.Order),
		timeline: make(map[uuid.UUID][]domain.StatusChange),
		streams:  make(map[uuid.UUID]map[*memStream]struct{}),
	}
}

func (m *MemoryStore) FetchOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) SubscribeToOrder(ctx context.Context, id uuid.UUID) (live.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, fmt.Errorf("memory store: offline")
	}
	if m.failSubscribe > 0 {
		m.failSubscribe--
		return nil, fmt.Errorf("memory store: subscribe refused")
	}
	st := &memStream{
		store:  m,
		id:     id,
		events: make(chan domain.UpdateEvent, 64),
		broken: make(chan struct{}),
	}
	if m.streams[id] == nil {
		m.streams[id] = make(map[*memStream]struct{})
	}
	m.streams[id][st] = struct{}{}
	return st, nil
}

// Put stores o as is and pushes an UPDATE to its subscribers.
func (m *MemoryStore) Put(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = copyOrder(o)
	m.publishLocked(o)
}

// PutSilently stores o without notifying anyone, as if the push was lost.
func (m *MemoryStore) PutSilently(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = copyOrder(o)
}

// Push delivers o to the subscribers without storing it. Tests use it to
// replay duplicate, stale or corrupt snapshots.
func (m *MemoryStore) Push(eventType string, o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for st := range m.streams[o.ID] {
		st.send(domain.UpdateEvent{EventType: eventType, Order: copyOrder(o)})
	}
}

// Disconnect breaks every open stream.
func (m *MemoryStore) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

// GoOffline breaks every stream and refuses new subscriptions until GoOnline.
func (m *MemoryStore) GoOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = true
	m.disconnectLocked()
}

func (m *MemoryStore) GoOnline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = false
}

func (m *MemoryStore) disconnectLocked() {
	for id, set := range m.streams {
		for st := range set {
			st.breakLocked()
		}
		delete(m.streams, id)
	}
}

// FailSubscribe makes the next n subscribe calls fail.
func (m *MemoryStore) FailSubscribe(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubscribe = n
}

// Subscribers counts the open streams of an order.
func (m *MemoryStore) Subscribers(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[id])
}

// AddOrder, CountOrders, ListOrders and UpdateOrder make the memory store
// usable by the order service in demo mode.
func (m *MemoryStore) AddOrder(ctx context.Context, o domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if _, ok := m.orders[o.ID]; ok {
		return domain.Order{}, fmt.Errorf("order %s already exists", o.ID)
	}
	now := m.clock.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	m.orders[o.ID] = copyOrder(o)
	m.timeline[o.ID] = append(m.timeline[o.ID], domain.StatusChange{Status: o.Status, ChangedBy: "order-service", ChangedAt: now})
	return copyOrder(o), nil
}

func (m *MemoryStore) CountOrders(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders), ctx.Err()
}

func (m *MemoryStore) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	out := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, copyOrder(o))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, ctx.Err()
}

// UpdateOrder applies fn to the stored row under the store lock, bumps
// updated_at, logs a status change and notifies subscribers. fn may reject
// the change.
func (m *MemoryStore) UpdateOrder(ctx context.Context, id uuid.UUID, changedBy string, fn func(*domain.Order) error) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	next := copyOrder(cur)
	if err := fn(&next); err != nil {
		return domain.Order{}, err
	}
	next.UpdatedAt = m.clock.Now().UTC()
	if !next.UpdatedAt.After(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt.Add(time.Microsecond)
	}
	m.orders[id] = next
	if next.Status != cur.Status {
		m.timeline[id] = append(m.timeline[id], domain.StatusChange{Status: next.Status, ChangedBy: changedBy, ChangedAt: next.UpdatedAt})
	}
	m.publishLocked(next)
	return copyOrder(next), nil
}

func (m *MemoryStore) GetOrderTimeline(ctx context.Context, id uuid.UUID, limit, offset int) ([]domain.StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.timeline[id]
	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return append([]domain.StatusChange(nil), all...), ctx.Err()
}

func (m *MemoryStore) publishLocked(o domain.Order) {
	for st := range m.streams[o.ID] {
		st.send(domain.UpdateEvent{EventType: domain.EventUpdate, Order: copyOrder(o)})
	}
}

func (m *MemoryStore) release(st *memStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.streams[st.id]; set != nil {
		delete(set, st)
		if len(set) == 0 {
			delete(m.streams, st.id)
		}
	}
	st.breakLocked()
}

type memStream struct {
	store    *MemoryStore
	id       uuid.UUID
	events   chan domain.UpdateEvent
	broken   chan struct{}
	isBroken bool // guarded by store.mu
	once     sync.Once
}

// send is called with store.mu held. A full buffer breaks the stream so that
// the subscriber resynchronizes instead of silently missing a commit.
func (st *memStream) send(ev domain.UpdateEvent) {
	if st.isBroken {
		return
	}
	select {
	case st.events <- ev:
	default:
		st.breakLocked()
		delete(st.store.streams[st.id], st)
	}
}

func (st *memStream) breakLocked() {
	if !st.isBroken {
		st.isBroken = true
		close(st.broken)
	}
}

func (st *memStream) Recv(ctx context.Context) (domain.UpdateEvent, error) {
	// Drain queued events before reporting a break.
	select {
	case ev := <-st.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-st.events:
		return ev, nil
	case <-st.broken:
		return domain.UpdateEvent{}, live.ErrStreamClosed
	case <-ctx.Done():
		return domain.UpdateEvent{}, ctx.Err()
	}
}

func (st *memStream) Close() error {
	st.once.Do(func() { st.store.release(st) })
	return nil
}

func copyOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.Item(nil), o.Items...)
	if o.ETAMinutes != nil {
		o.ETAMinutes = domain.IntPtr(*o.ETAMinutes)
	}
	if o.RiderName != nil {
		o.RiderName = domain.StringPtr(*o.RiderName)
	}
	return o
}
