package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/hub"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

func locationFromQuery(r *http.Request) (domain.Location, error) {
	q := r.URL.Query()
	if !q.Has("lat") || !q.Has("lon") {
		return domain.Location{}, fmt.Errorf("%w: lat and lon are required", domain.ErrInvalidLocation)
	}
	return domain.ParseLocation(q.Get("lat"), q.Get("lon"))
}

// handleSnapshot is the pull path: the latest known update for a location.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	loc, err := locationFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Telemetry.Snapshot(r.Context(), loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, u)
}

type historyResponse struct {
	Location domain.Location `json:"location"`
	History  []hub.Update    `json:"history"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	loc, err := locationFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.svc.Telemetry.History(loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, historyResponse{Location: loc.Canonical(), History: history})
}

// handleTelemetrySSE pushes updates as Server-Sent Events until the client
// goes away or the subscription is closed.
func (s *Server) handleTelemetrySSE(w http.ResponseWriter, r *http.Request) {
	loc, err := locationFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.svc.Telemetry.Subscribe(loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("sse flush unsupported", "error", err)
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-sub.Updates():
			if !ok {
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				s.logger.Error("encode sse update", "error", err)
				return
			}
			_ = rc.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := fmt.Fprintf(w, "event: assessment\ndata: %s\n\n", data); err != nil {
				return
			}
		case <-ping.C:
			_ = rc.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	loc, err := locationFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.svc.Telemetry.Subscribe(loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	streamWebSocket(s, w, r, sub.Updates())
}
