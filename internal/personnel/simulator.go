package personnel

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Updater applies position updates. *Classifier implements it.
type Updater interface {
	Update(u PositionUpdate) (domain.Worker, error)
}

type simWorker struct {
	id        string
	pos       domain.Position
	heartRate float64
	spo2      float64
}

// Simulator produces a seeded random walk of worker positions and vitals.
// It stands in for the field tracking feed when none is configured.
type Simulator struct {
	rng     *rand.Rand
	workers []simWorker
	sosRate float64
}

// NewSimulator places count workers uniformly on the map. The same seed
// always yields the same sequence of updates.
func NewSimulator(count int, seed uint64) *Simulator {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	s := &Simulator{rng: rng, sosRate: 0.002}
	for i := range count {
		s.workers = append(s.workers, simWorker{
			id:        fmt.Sprintf("W-%03d", i+1),
			pos:       domain.Position{X: rng.Float64() * 100, Y: rng.Float64() * 100},
			heartRate: 70 + rng.Float64()*20,
			spo2:      96 + rng.Float64()*3,
		})
	}
	return s
}

// Next advances every worker one step and returns their readings.
func (s *Simulator) Next(at time.Time) []PositionUpdate {
	updates := make([]PositionUpdate, 0, len(s.workers))
	for i := range s.workers {
		w := &s.workers[i]
		w.pos.X = clamp(w.pos.X+s.step(5), 0, 100)
		w.pos.Y = clamp(w.pos.Y+s.step(5), 0, 100)
		w.heartRate = clamp(w.heartRate+s.step(6), 40, 150)
		w.spo2 = clamp(w.spo2+s.step(1), 85, 100)

		updates = append(updates, PositionUpdate{
			WorkerID:  w.id,
			Position:  w.pos,
			HeartRate: domain.Some(math.Round(w.heartRate)),
			SpO2:      domain.Some(math.Round(w.spo2)),
			SOS:       s.rng.Float64() < s.sosRate,
			At:        at,
		})
	}
	return updates
}

func (s *Simulator) step(size float64) float64 {
	return (s.rng.Float64()*2 - 1) * size
}

// Run feeds one step into u immediately and then every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, u Updater, clock clockwork.Clock, interval time.Duration, logger *slog.Logger) {
	logger = logger.With("component", "simulator")
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, upd := range s.Next(clock.Now()) {
			if _, err := u.Update(upd); err != nil {
				logger.Warn("simulated update rejected", "worker", upd.WorkerID, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
