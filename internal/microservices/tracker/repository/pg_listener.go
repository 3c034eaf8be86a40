package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker/live"
)

const (
	subBuffer     = 16
	subscribeWait = 3 * time.Second
)

var (
	errListenerDown = errors.New("order listener not connected")
	errSubOverflow  = fmt.Errorf("%w: subscriber fell behind", live.ErrStreamClosed)
)

// fanout routes the notifications of one LISTEN connection to per-order
// subscribers.
type fanout struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*pgSub]struct{}
}

func newFanout() *fanout {
	return &fanout{subs: make(map[uuid.UUID]map[*pgSub]struct{})}
}

type pgSub struct {
	id     uuid.UUID
	ch     chan domain.Notification
	broken chan struct{}
	err    error // written once, before broken is closed
	once   sync.Once
}

func (s *pgSub) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.broken)
	})
}

func (f *fanout) add(id uuid.UUID) *pgSub {
	s := &pgSub{id: id, ch: make(chan domain.Notification, subBuffer), broken: make(chan struct{})}
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.subs[id]
	if set == nil {
		set = make(map[*pgSub]struct{})
		f.subs[id] = set
	}
	set[s] = struct{}{}
	return s
}

func (f *fanout) remove(s *pgSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(s)
}

func (f *fanout) removeLocked(s *pgSub) {
	set := f.subs[s.id]
	delete(set, s)
	if len(set) == 0 {
		delete(f.subs, s.id)
	}
}

// publish never blocks. A subscriber whose buffer is full is broken so that
// it resynchronizes instead of missing a commit.
func (f *fanout) publish(n domain.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs[n.ID] {
		select {
		case s.ch <- n:
		default:
			s.fail(errSubOverflow)
			f.removeLocked(s)
		}
	}
}

func (f *fanout) breakAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, set := range f.subs {
		for s := range set {
			s.fail(err)
		}
		delete(f.subs, id)
	}
}

func (f *fanout) count(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[id])
}

// Listener keeps one connection outside the pool in LISTEN mode and fans its
// notifications out to order subscribers.
type Listener struct {
	connect func(ctx context.Context) (*pgx.Conn, error)
	channel string
	log     *logger.Logger
	fan     *fanout

	mu        sync.Mutex
	connected bool
	up        chan struct{} // closed while connected
}

func NewListener(connect func(ctx context.Context) (*pgx.Conn, error), channel string, log *logger.Logger) *Listener {
	return &Listener{
		connect: connect,
		channel: channel,
		log:     log,
		fan:     newFanout(),
		up:      make(chan struct{}),
	}
}

// Run listens until ctx is done, reconnecting with backoff. Subscribers are
// broken whenever the connection is lost.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		err := l.listen(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		l.log.Warn("order_listener_lost", map[string]any{"error": err.Error(), "retry_in": wait.String()})
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Listener) listen(ctx context.Context, b backoff.BackOff) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(cctx)
	}()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	b.Reset()
	l.setConnected(true)
	l.log.Info("order_listener_connected", map[string]any{"channel": l.channel})
	defer l.setConnected(false)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(n.Payload)
	}
}

func (l *Listener) dispatch(payload string) {
	var n domain.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		l.log.Warn("notification_malformed", map[string]any{"payload": payload})
		return
	}
	l.fan.publish(n)
}

func (l *Listener) setConnected(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ok == l.connected {
		return
	}
	l.connected = ok
	if ok {
		close(l.up)
		return
	}
	l.up = make(chan struct{})
	l.fan.breakAll(fmt.Errorf("%w: listener disconnected", live.ErrStreamClosed))
}

// subscribe registers id once the connection is up. Registration and the
// disconnect path share l.mu, so a subscriber is either refused or broken
// when notifications may have been lost.
func (l *Listener) subscribe(ctx context.Context, id uuid.UUID) (*pgSub, error) {
	l.mu.Lock()
	up := l.up
	l.mu.Unlock()

	timer := time.NewTimer(subscribeWait)
	defer timer.Stop()
	select {
	case <-up:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errListenerDown
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil, errListenerDown
	}
	return l.fan.add(id), nil
}

type pgStream struct {
	sub     *pgSub
	fan     *fanout
	fetch   func(ctx context.Context, id uuid.UUID) (domain.Order, error)
	timeout time.Duration
	once    sync.Once
}

// Recv waits for the next notification about this order and fetches the
// committed row through the pool.
func (st *pgStream) Recv(ctx context.Context) (domain.UpdateEvent, error) {
	var n domain.Notification
	select {
	case n = <-st.sub.ch:
	default:
		select {
		case n = <-st.sub.ch:
		case <-st.sub.broken:
			return domain.UpdateEvent{}, st.sub.err
		case <-ctx.Done():
			return domain.UpdateEvent{}, ctx.Err()
		}
	}

	fctx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()
	o, err := st.fetch(fctx, n.ID)
	if err != nil {
		if ctx.Err() != nil {
			return domain.UpdateEvent{}, ctx.Err()
		}
		// A vanished row is reported by the resync that follows.
		return domain.UpdateEvent{}, fmt.Errorf("%w: %v", live.ErrStreamClosed, err)
	}
	return domain.UpdateEvent{EventType: n.EventType, Order: o}, nil
}

func (st *pgStream) Close() error {
	st.once.Do(func() { st.fan.remove(st.sub) })
	return nil
}
