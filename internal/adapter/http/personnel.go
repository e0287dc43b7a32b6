package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/personnel"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

const maxBodyBytes = 1 << 20

type liveResponse struct {
	Updated time.Time              `json:"updated"`
	Workers []domain.Worker        `json:"workers"`
	Totals  personnel.Totals       `json:"totals"`
	Trend   []personnel.TrendPoint `json:"trend"`
}

// handlePersonnelLive lists workers in severity order. ?only narrows to one
// tier ("all" or empty for every tier) and ?count caps the list; totals
// always cover every worker.
func (s *Server) handlePersonnelLive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		f   personnel.Filter
		err error
	)
	if only := q.Get("only"); only != "" && !strings.EqualFold(only, "all") {
		if f.Tier, err = domain.ParseTier(only); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
	}
	if f.Limit, err = parseLimit(q, "count"); err != nil {
		s.writeError(w, r, err)
		return
	}

	workers := s.svc.Personnel.List(f)
	if workers == nil {
		workers = []domain.Worker{}
	}
	sharedobs.WriteJSON(w, http.StatusOK, liveResponse{
		Updated: time.Now().UTC(),
		Workers: workers,
		Totals:  s.svc.Personnel.Totals(),
		Trend:   s.svc.Personnel.Trend(),
	})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.svc.Personnel.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, worker)
}

// handlePosition applies one reading posted by a field device. The worker id
// comes from the path.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var u personnel.PositionUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&u); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decode position: %w", errBadRequest, err))
		return
	}
	u.WorkerID = r.PathValue("id")

	worker, err := s.svc.Personnel.Update(u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, worker)
}
