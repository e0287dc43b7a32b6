package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/couchcryptid/rockguard-telemetry/internal/alert"
	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

func parseLimit(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, key)
	}
	return n, nil
}

func parseStatus(raw string) (domain.AlertStatus, error) {
	switch st := domain.AlertStatus(strings.ToUpper(raw)); st {
	case domain.StatusRaised, domain.StatusAcknowledged, domain.StatusResolved, domain.StatusTruncated:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", errBadRequest, raw)
}

func parseSource(raw string) (domain.AlertSource, error) {
	switch src := domain.AlertSource(strings.ToLower(raw)); src {
	case domain.SourceRiskThreshold, domain.SourceWorkerEmergency, domain.SourceManualTest, domain.SourceAlertLog:
		return src, nil
	}
	return "", fmt.Errorf("%w: unknown source %q", errBadRequest, raw)
}

func alertFilterFromQuery(q url.Values) (alert.Filter, error) {
	var (
		f   alert.Filter
		err error
	)
	if v := q.Get("level"); v != "" {
		if f.Level, err = domain.ParseLevel(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("status"); v != "" {
		if f.Status, err = parseStatus(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("source"); v != "" {
		if f.Source, err = parseSource(v); err != nil {
			return f, err
		}
	}
	f.Limit, err = parseLimit(q, "limit")
	return f, err
}

type alertsResponse struct {
	Alerts []domain.AlertRecord `json:"alerts"`
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := alertFilterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, alertsResponse{Alerts: s.svc.Alerts.List(f)})
}

// handleTestAlert appends a synthetic record, HIGH unless ?level says otherwise.
func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	level := domain.LevelHigh
	if v := r.URL.Query().Get("level"); v != "" {
		var err error
		if level, err = domain.ParseLevel(v); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	sharedobs.WriteJSON(w, http.StatusCreated, s.svc.Alerts.Test(level))
}

func (s *Server) handleClearAlerts(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, s.svc.Alerts.Clear())
}

type conditionsResponse struct {
	Conditions []alert.Condition `json:"conditions"`
}

func (s *Server) handleConditions(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, conditionsResponse{Conditions: s.svc.Alerts.Conditions()})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Alerts.Acknowledge(r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Alerts.Resolve(r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAlertsWS(w http.ResponseWriter, r *http.Request) {
	stream := s.svc.Alerts.Subscribe()
	defer stream.Close()
	streamWebSocket(s, w, r, stream.Records())
}
