package personnel

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulator_DeterministicForSeed(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	a, b := NewSimulator(5, 42), NewSimulator(5, 42)

	for range 10 {
		assert.Equal(t, a.Next(now), b.Next(now))
	}
}

func TestSimulator_StaysOnMap(t *testing.T) {
	s := NewSimulator(8, 7)
	now := time.Now()

	for range 200 {
		updates := s.Next(now)
		require.Len(t, updates, 8)
		for _, u := range updates {
			require.NoError(t, u.Validate())
			hr, ok := u.HeartRate.Get()
			require.True(t, ok)
			assert.GreaterOrEqual(t, hr, 40.0)
			assert.LessOrEqual(t, hr, 150.0)
		}
	}
	assert.Equal(t, "W-001", s.Next(now)[0].WorkerID)
}

func TestSimulator_RunFeedsClassifier(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, m := newTestClassifier(t, clock)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewSimulator(4, 1).Run(ctx, c, clock, 15*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	require.Eventually(t, func() bool { return c.Totals().Total == 4 }, 2*time.Second, 5*time.Millisecond)

	blockCtx, blockCancel := context.WithTimeout(ctx, 2*time.Second)
	defer blockCancel()
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
	clock.Advance(15 * time.Second)
	assert.Eventually(t, func() bool {
		w, err := c.Get("W-001")
		return err == nil && w.LastSeen.Equal(clock.Now())
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.WorkerUpdates), 8.0)
}
