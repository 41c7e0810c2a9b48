package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/discovery"
	"github.com/smukkama/sensor-proxy/internal/registry"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ScanResponse is the body of a successful scan
type ScanResponse struct {
	Message string             `json:"message"`
	Devices []discovery.Device `json:"devices"`
}

// DevicesResponse lists the active polling set
type DevicesResponse struct {
	Devices []registry.DeviceStatus `json:"devices"`
	Stats   registry.ManagerStats   `json:"stats"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"polling": s.deps.Registry.Count(),
	})
}

// handleScan discovers devices, starts polling the new ones and returns
// every device that yielded a token.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	creds := s.deps.Credentials
	if v := q.Get("username"); v != "" {
		creds.Username = v
	}
	if v := q.Get("password"); v != "" {
		creds.Password = v
	}

	name := q.Get("source")
	if name == "" {
		name = s.deps.DefaultSource
	}
	source, ok := s.deps.Sources[name]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown discovery source: "+name, nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.ScanTimeout)
	defer cancel()

	devices, err := s.deps.Scanner.Discover(ctx, source, creds)
	if err != nil {
		s.logger.Error("network scan failed",
			zap.String("source", name),
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "network scan failed", err)
		return
	}

	started := s.deps.Poller.Start(devices)
	s.logger.Info("network scan completed",
		zap.String("source", name),
		zap.Int("devices", len(devices)),
		zap.Int("started", len(started)),
	)

	writeJSON(w, http.StatusOK, ScanResponse{
		Message: "network scan completed (devices with a token only)",
		Devices: devices,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DevicesResponse{
		Devices: s.deps.Registry.Snapshot(),
		Stats:   s.deps.Registry.Stats(),
	})
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r, 24*time.Hour)
	if !ok {
		return
	}

	rows, err := s.deps.Rollups.HourlyTemperatures(r.Context(), chi.URLParam(r, "devAddr"), from, to)
	if err != nil {
		s.logger.Error("failed to read hourly rollups", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read hourly rollups", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r, 30*24*time.Hour)
	if !ok {
		return
	}

	rows, err := s.deps.Rollups.DailyTemperatures(r.Context(), chi.URLParam(r, "devAddr"), from, to)
	if err != nil {
		s.logger.Error("failed to read daily rollups", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read daily rollups", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

// parseRange reads RFC 3339 from/to query values. to defaults to now and
// from to to minus span.
func parseRange(w http.ResponseWriter, r *http.Request, span time.Duration) (time.Time, time.Time, bool) {
	q := r.URL.Query()

	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to", err)
			return time.Time{}, time.Time{}, false
		}
		to = t
	}

	from := to.Add(-span)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from", err)
			return time.Time{}, time.Time{}, false
		}
		from = t
	}

	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to", nil)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

var _ Scanner = (*discovery.Discoverer)(nil)

