// Package aggregator fans a location out to every configured provider and
// fuses the answers into one telemetry snapshot.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
)

// Options bounds one aggregation cycle.
type Options struct {
	// Timeout bounds the join. Providers that have not answered by then
	// contribute nothing to the snapshot.
	Timeout time.Duration
	// ProviderTimeout bounds each individual provider call.
	ProviderTimeout time.Duration
	// BreakerMaxFailures consecutive failures open a provider's breaker for
	// BreakerOpenTimeout.
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
	// Clock drives the join deadline and latency measurement. Defaults to
	// the real clock.
	Clock clockwork.Clock
}

// Aggregator is safe for concurrent use. Besides the per-provider circuit
// breakers it keeps no mutable state.
type Aggregator struct {
	providers []guardedProvider
	opts      Options
	logger    *slog.Logger
	metrics   *observability.Metrics
}

type guardedProvider struct {
	provider domain.Provider
	breaker  *gobreaker.CircuitBreaker
}

type result struct {
	index  int
	obs    domain.Observation
	status domain.ProviderStatus
}

// New creates an Aggregator. Provider order decides which provider wins when
// two of them report the same field.
func New(providers []domain.Provider, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Aggregator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	a := &Aggregator{
		opts:    opts,
		logger:  logger.With("component", "aggregator"),
		metrics: metrics,
	}
	for _, p := range providers {
		a.providers = append(a.providers, guardedProvider{
			provider: p,
			breaker:  a.newBreaker(p.Name()),
		})
		metrics.BreakerState.WithLabelValues(p.Name()).Set(0)
	}
	return a
}

func (a *Aggregator) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := uint32(max(a.opts.BreakerMaxFailures, 1))
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     a.opts.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn("provider breaker state change", "provider", name, "from", from.String(), "to", to.String())
			a.metrics.BreakerState.WithLabelValues(name).Set(breakerGauge(to))
		},
	})
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// Fetch aggregates one snapshot for loc. It fails only for an invalid
// location or a cancelled ctx; provider failures leave their fields absent
// and a cycle where every provider failed yields a Degraded snapshot.
//
// Provider calls are not cancelled with ctx. A call already running is
// allowed to finish within its own timeout and its answer is discarded.
func (a *Aggregator) Fetch(ctx context.Context, loc domain.Location) (domain.TelemetrySnapshot, error) {
	if err := loc.Validate(); err != nil {
		return domain.TelemetrySnapshot{}, err
	}
	loc = loc.Canonical()

	results := make(chan result, len(a.providers))
	callCtx := context.WithoutCancel(ctx)
	for i, gp := range a.providers {
		go func() {
			results <- a.call(callCtx, i, gp, loc)
		}()
	}

	statuses := make([]domain.ProviderStatus, len(a.providers))
	observations := make([]domain.Observation, len(a.providers))
	for i, gp := range a.providers {
		statuses[i] = domain.ProviderStatus{
			Name:      gp.provider.Name(),
			Error:     "no answer within aggregation timeout",
			LatencyMS: a.opts.Timeout.Milliseconds(),
		}
	}

	timer := a.opts.Clock.NewTimer(a.opts.Timeout)
	defer timer.Stop()

	pending := len(a.providers)
join:
	for pending > 0 {
		select {
		case r := <-results:
			statuses[r.index] = r.status
			observations[r.index] = r.obs
			pending--
		case <-timer.Chan():
			a.logger.Warn("aggregation join timed out", "location", loc.Key(), "pending", pending)
			break join
		case <-ctx.Done():
			return domain.TelemetrySnapshot{}, fmt.Errorf("aggregate %s: %w", loc.Key(), ctx.Err())
		}
	}

	var merged domain.Observation
	for i := range observations {
		if statuses[i].OK {
			merged = merged.Merge(observations[i])
		}
	}
	snap := domain.NewSnapshot(loc, merged, statuses)
	a.recordOutcome(snap)
	return snap, nil
}

func (a *Aggregator) call(ctx context.Context, index int, gp guardedProvider, loc domain.Location) result {
	name := gp.provider.Name()
	ctx, cancel := context.WithTimeout(ctx, a.opts.ProviderTimeout)
	defer cancel()

	start := a.opts.Clock.Now()
	v, err := gp.breaker.Execute(func() (any, error) {
		return gp.provider.Fetch(ctx, loc)
	})
	elapsed := a.opts.Clock.Since(start)
	a.metrics.ProviderDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	status := domain.ProviderStatus{Name: name, LatencyMS: elapsed.Milliseconds()}
	if err != nil {
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "rejected"
		}
		a.metrics.ProviderRequests.WithLabelValues(name, outcome).Inc()
		a.logger.Warn("provider fetch failed", "provider", name, "location", loc.Key(), "error", err)
		status.Error = err.Error()
		return result{index: index, status: status}
	}

	a.metrics.ProviderRequests.WithLabelValues(name, "success").Inc()
	status.OK = true
	obs, _ := v.(domain.Observation)
	return result{index: index, obs: obs, status: status}
}

func (a *Aggregator) recordOutcome(snap domain.TelemetrySnapshot) {
	ok := 0
	for _, st := range snap.Providers {
		if st.OK {
			ok++
		}
	}
	switch {
	case snap.Degraded:
		a.metrics.Aggregations.WithLabelValues("degraded").Inc()
		a.logger.Warn("degraded aggregation: no provider answered", "location", snap.Location.Key())
	case ok < len(snap.Providers):
		a.metrics.Aggregations.WithLabelValues("partial").Inc()
	default:
		a.metrics.Aggregations.WithLabelValues("complete").Inc()
	}
}
