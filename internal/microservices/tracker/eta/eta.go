// Package eta derives the minutes-remaining estimate shown for an order.
package eta

import (
	"fmt"
	"math"
	"time"

	"delivery-tracker/internal/domain"
)

type Source string

const (
	SourceNone    Source = "none"
	SourceStore   Source = "store"
	SourceDerived Source = "derived"
	SourceFinal   Source = "final"
)

type Config struct {
	// TotalTravelMinutes is the full restaurant-to-door ride time.
	TotalTravelMinutes int
	// Tolerance is the largest disagreement between store and derived values
	// that is not reported as divergence.
	Tolerance int
	// DecrementEvery is the local countdown rate between store pushes.
	DecrementEvery time.Duration
	// MaxLocalDrift caps how far the local countdown may move away from the
	// last store value.
	MaxLocalDrift int
	// StaleAfter marks a store value as stale during delivery.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		TotalTravelMinutes: 20,
		Tolerance:          3,
		DecrementEvery:     time.Minute,
		MaxLocalDrift:      5,
		StaleAfter:         2 * time.Minute,
	}
}

// Estimate is the outcome for one order at one instant.
type Estimate struct {
	Minutes   *int
	Delivered bool
	Cancelled bool
	Source    Source
	// Diverged is set when the store and the progress based value disagree
	// beyond the tolerance. The store value is still used.
	Diverged bool
}

// Label is the display form of the estimate.
func (e Estimate) Label() string {
	switch {
	case e.Delivered:
		return "delivered"
	case e.Cancelled:
		return "cancelled"
	case e.Minutes == nil:
		return "unknown"
	}
	return fmt.Sprintf("%d min", *e.Minutes)
}

type Estimator struct {
	cfg Config
}

func New(cfg Config) *Estimator {
	if cfg.DecrementEvery <= 0 {
		cfg.DecrementEvery = time.Minute
	}
	if cfg.TotalTravelMinutes < 0 {
		cfg.TotalTravelMinutes = 0
	}
	if cfg.MaxLocalDrift < 0 {
		cfg.MaxLocalDrift = 0
	}
	return &Estimator{cfg: cfg}
}

// Estimate computes the ETA of o. acceptedAt is when the snapshot was taken
// over locally; now is the evaluation instant.
func (e *Estimator) Estimate(o domain.Order, acceptedAt, now time.Time) Estimate {
	switch o.Status {
	case domain.StatusDelivered:
		return Estimate{Minutes: domain.IntPtr(0), Delivered: true, Source: SourceFinal}
	case domain.StatusCancelled:
		return Estimate{Cancelled: true, Source: SourceNone}
	case domain.StatusOutForDelivery:
		return e.inTransit(o, acceptedAt, now)
	}
	if o.ETAMinutes == nil {
		return Estimate{Source: SourceNone}
	}
	return Estimate{Minutes: domain.IntPtr(e.countdown(*o.ETAMinutes, acceptedAt, now)), Source: SourceStore}
}

// Derived is the ride time left at the given progress.
func (e *Estimator) Derived(progress float64) int {
	left := (1 - domain.ClampProgress(progress)) * float64(e.cfg.TotalTravelMinutes)
	return clamp(int(math.Ceil(left - 1e-9)))
}

func (e *Estimator) inTransit(o domain.Order, acceptedAt, now time.Time) Estimate {
	derived := e.Derived(o.RiderProgress)
	if o.ETAMinutes == nil || e.stale(o, now) {
		return Estimate{Minutes: domain.IntPtr(derived), Source: SourceDerived}
	}
	store := e.countdown(*o.ETAMinutes, acceptedAt, now)
	return Estimate{
		Minutes:  domain.IntPtr(store),
		Source:   SourceStore,
		Diverged: abs(store-derived) > e.cfg.Tolerance,
	}
}

func (e *Estimator) stale(o domain.Order, now time.Time) bool {
	if e.cfg.StaleAfter <= 0 || o.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(o.UpdatedAt) > e.cfg.StaleAfter
}

// countdown decrements a store baseline at the configured rate, never by more
// than MaxLocalDrift and never below zero.
func (e *Estimator) countdown(baseline int, acceptedAt, now time.Time) int {
	elapsed := now.Sub(acceptedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	dec := int(elapsed / e.cfg.DecrementEvery)
	if dec > e.cfg.MaxLocalDrift {
		dec = e.cfg.MaxLocalDrift
	}
	return clamp(clamp(baseline) - dec)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
