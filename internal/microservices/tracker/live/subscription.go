package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/domain"
)

// Subscription is one session's scoped handle on the live channel.
type Subscription struct {
	id     uuid.UUID
	ch     *Channel
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	log    *logger.Logger
}

func (s *Subscription) OrderID() uuid.UUID { return s.id }

// Events is closed once the subscription has stopped.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close stops reconnection attempts, releases the stream and waits for the
// subscription goroutine to exit. It is safe to call repeatedly.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	var (
		stream      Stream
		connections int // number of successful connections
		outage      bool
		bo          = s.ch.newBackoff()
	)
	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	disconnected := func(err error) bool {
		if stream != nil {
			_ = stream.Close()
			stream = nil
		}
		if outage {
			return true
		}
		outage = true
		s.log.Warn("live_disconnected", map[string]any{"error": err.Error()})
		return s.emit(ctx, Event{Kind: KindDisconnected, Err: fmt.Errorf("%w: %v", ErrChannelDisconnected, err)})
	}

	for {
		if stream == nil {
			if connections > 0 || outage {
				select {
				case <-ctx.Done():
					return
				case <-s.ch.clock.After(bo.NextBackOff()):
				}
			}
			var err error
			stream, err = s.ch.src.SubscribeToOrder(ctx, s.id)
			if err != nil {
				stream = nil
				if ctx.Err() != nil {
					return
				}
				if !disconnected(err) {
					return
				}
				continue
			}
			order, err := s.ch.src.FetchOrder(ctx, s.id)
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, domain.ErrNotFound):
				s.log.Warn("live_order_gone", nil)
				s.emit(ctx, Event{Kind: KindDisconnected, Err: err})
				return
			case err != nil:
				if !disconnected(err) {
					return
				}
				continue
			}
			if connections > 0 {
				s.ch.metrics.Reconnects.Inc()
				s.log.Info("live_reconnected", map[string]any{"connections": connections + 1})
			}
			connections++
			outage = false
			bo.Reset()
			if !s.emit(ctx, Event{Kind: KindResync, Order: order}) {
				return
			}
			continue
		}

		ev, err := stream.Recv(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !disconnected(err) {
				return
			}
			continue
		}
		if ev.EventType != domain.EventUpdate || ev.Order.ID != s.id {
			s.log.Debug("live_event_skipped", map[string]any{"event_type": ev.EventType, "event_order_id": ev.Order.ID.String()})
			continue
		}
		if !s.emit(ctx, Event{Kind: KindUpdate, Order: ev.Order}) {
			return
		}
	}
}

func (s *Subscription) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
