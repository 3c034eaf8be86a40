// Package live keeps a tracking session synchronized with mutations of one
// order row.
package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/common/metrics"
	"delivery-tracker/internal/domain"
)

var (
	ErrChannelDisconnected = errors.New("live channel disconnected")
	ErrStreamClosed        = errors.New("stream closed")
)

// Source is the order store as seen by the tracking side.
type Source interface {
	FetchOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
	SubscribeToOrder(ctx context.Context, id uuid.UUID) (Stream, error)
}

// Stream delivers update events for one order. Close releases every resource
// held by the stream and may be called more than once.
type Stream interface {
	Recv(ctx context.Context) (domain.UpdateEvent, error)
	Close() error
}

type Kind int

const (
	// KindUpdate carries a pushed snapshot.
	KindUpdate Kind = iota + 1
	// KindResync carries a full fetch taken right after (re)subscribing.
	KindResync
	// KindDisconnected reports a transport failure; Err says why.
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindResync:
		return "resync"
	case KindDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Event struct {
	Kind  Kind
	Order domain.Order
	Err   error
}

type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

type Option func(*Channel)

func WithClock(c clock.Clock) Option { return func(ch *Channel) { ch.clock = c } }

func WithLogger(l *logger.Logger) Option { return func(ch *Channel) { ch.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(ch *Channel) { ch.metrics = m } }

func WithBackoff(b BackoffConfig) Option { return func(ch *Channel) { ch.backoff = b } }

// WithBuffer sets the per subscription event buffer.
func WithBuffer(n int) Option { return func(ch *Channel) { ch.buffer = n } }

// Channel hands out subscriptions against one Source.
type Channel struct {
	src     Source
	clock   clock.Clock
	log     *logger.Logger
	metrics *metrics.Metrics
	backoff BackoffConfig
	buffer  int
}

func NewChannel(src Source, opts ...Option) *Channel {
	c := &Channel{
		src:     src,
		clock:   clock.WallClock,
		backoff: DefaultBackoff(),
		buffer:  16,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logger.New("tracking-service")
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	if c.buffer < 1 {
		c.buffer = 1
	}
	return c
}

// Subscribe starts delivering events for order id. The first event after a
// successful connection is always a KindResync with a full fetch. The
// subscription lives until Close is called or ctx is cancelled.
func (c *Channel) Subscribe(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		id:     id,
		ch:     c,
		events: make(chan Event, c.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    c.log.With(map[string]any{"order_id": id.String()}),
	}
	go s.run(ctx)
	return s, nil
}

// Unsubscribe is Close under the name the tracking view uses.
func (c *Channel) Unsubscribe(s *Subscription) error {
	if s == nil {
		return nil
	}
	return s.Close()
}

func (c *Channel) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff.Initial
	b.MaxInterval = c.backoff.Max
	if c.backoff.Multiplier > 1 {
		b.Multiplier = c.backoff.Multiplier
	}
	b.RandomizationFactor = c.backoff.Jitter
	b.MaxElapsedTime = 0
	b.Clock = c.clock
	b.Reset()
	return b
}
