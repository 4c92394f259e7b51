package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crowdlink/go-mesh-node/internal/model"
	"crowdlink/go-mesh-node/internal/node"
	"crowdlink/go-mesh-node/internal/session"
)

const maxBodyBytes = 64 << 10

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/status", a.get(func(r *http.Request) (any, error) { return a.node.Status(), nil }))
	mux.HandleFunc("/api/hosts", a.get(func(r *http.Request) (any, error) {
		return struct {
			Hosts []session.DiscoveredHost `json:"hosts"`
		}{a.node.DiscoveredHosts()}, nil
	}))
	mux.HandleFunc("/api/roster", a.get(func(r *http.Request) (any, error) {
		return struct {
			Peers   []string                 `json:"peers"`
			Records []model.ConnectionRecord `json:"records"`
		}{nonNil(a.node.VerifiedPeers()), nonNil(a.node.Records())}, nil
	}))
	mux.HandleFunc("/api/alert", a.get(func(r *http.Request) (any, error) {
		return struct {
			Alert     model.CrowdCrushAlert     `json:"alert"`
			Histories []model.PeerSignalHistory `json:"histories"`
		}{a.node.CurrentAlert(), nonNil(a.node.Histories())}, nil
	}))
	mux.HandleFunc("/api/positions", a.get(func(r *http.Request) (any, error) {
		return struct {
			Positions []model.UserPosition `json:"positions"`
		}{nonNil(a.node.CurrentPositions())}, nil
	}))
	mux.HandleFunc("/api/chat", a.handleChat)
	mux.HandleFunc("/api/panic", a.handlePanic)
	mux.HandleFunc("/api/panics", a.get(func(r *http.Request) (any, error) {
		ctx, cancel := context.WithTimeout(r.Context(), journalTimeout)
		defer cancel()
		panics, err := a.store.RecentPanics(ctx, queryLimit(r, 50, 500))
		return struct {
			Panics []model.PanicAlert `json:"panics"`
		}{nonNil(panics)}, err
	}))
	mux.HandleFunc("/api/incidents", a.get(a.recentIncidents))
	mux.HandleFunc("/api/ingestion-errors", a.get(func(r *http.Request) (any, error) {
		ctx, cancel := context.WithTimeout(r.Context(), journalTimeout)
		defer cancel()
		errs, err := a.store.RecentIngestionErrors(ctx, queryLimit(r, 50, 500))
		return struct {
			Errors []model.IngestionError `json:"errors"`
		}{nonNil(errs)}, err
	}))
	mux.HandleFunc("/api/join", a.post(a.join))
	mux.HandleFunc("/api/leave", a.post(func(r *http.Request) (any, error) {
		return nil, a.node.LeaveRoom()
	}))
	mux.HandleFunc("/api/close", a.post(func(r *http.Request) (any, error) {
		return nil, a.node.CloseRoom()
	}))
	mux.HandleFunc("/api/location", a.post(a.updateLocation))
	mux.HandleFunc("/api/admin/wipe", a.post(a.wipe))
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if !a.ready.Load() || a.store == nil || a.store.Ping(ctx) != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.writeJSON(w, http.StatusOK, struct {
			Messages []model.ChatMessage `json:"messages"`
		}{nonNil(a.node.Messages())})
	case http.MethodPost:
		var req struct {
			Text string `json:"text"`
		}
		if !a.decode(w, r, &req) {
			return
		}
		msg, err := a.node.SendChat(req.Text)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusCreated, msg)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) handlePanic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	alert, err := a.node.SendPanic(req.Message)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.journalPanic(alert)
	a.writeJSON(w, http.StatusCreated, alert)
}

func (a *App) recentIncidents(r *http.Request) (any, error) {
	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			since = &ts
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), journalTimeout)
	defer cancel()
	incidents, err := a.store.RecentIncidents(ctx, queryLimit(r, 25, 250), since)
	return struct {
		Incidents []model.Incident `json:"incidents"`
	}{nonNil(incidents)}, err
}

func (a *App) join(r *http.Request) (any, error) {
	var req struct {
		HostID    string `json:"host_id"`
		EventCode string `json:"event_code"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := a.node.JoinHost(strings.TrimSpace(req.HostID), req.EventCode); err != nil {
		return nil, err
	}
	return struct {
		State session.JoinState `json:"state"`
	}{a.node.JoinState()}, nil
}

func (a *App) updateLocation(r *http.Request) (any, error) {
	var req struct {
		Latitude    *float64 `json:"latitude"`
		Longitude   *float64 `json:"longitude"`
		Accuracy    float64  `json:"accuracy"`
		ShareGPS    *bool    `json:"share_gps"`
		Participate *bool    `json:"participate"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Latitude != nil && req.Longitude != nil {
		if err := a.node.UpdateFix(node.Fix{Latitude: *req.Latitude, Longitude: *req.Longitude, Accuracy: req.Accuracy}); err != nil {
			return nil, err
		}
	}
	if req.Participate != nil {
		if *req.Participate {
			if err := a.node.StartParticipating(); err != nil {
				return nil, err
			}
		} else {
			a.node.StopParticipating()
		}
	}
	if req.ShareGPS != nil {
		if *req.ShareGPS {
			if err := a.node.StartSharingGPS(); err != nil {
				return nil, err
			}
		} else {
			a.node.StopSharingGPS()
		}
	}
	return a.node.Status(), nil
}

func (a *App) wipe(r *http.Request) (any, error) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		return nil, errBadRequest("confirmation required")
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.store.WipeData(ctx); err != nil {
		return nil, err
	}
	a.logger.Warn("wipe: journal cleared")
	return nil, nil
}

// get adapts a read-only handler.
func (a *App) get(fn func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		v, err := fn(r)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, v)
	}
}

// post adapts a command handler. A nil result answers 204.
func (a *App) post(fn func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		v, err := fn(r)
		switch {
		case err != nil:
			a.writeError(w, err)
		case v == nil:
			w.WriteHeader(http.StatusNoContent)
		default:
			a.writeJSON(w, http.StatusOK, v)
		}
	}
}

type errBadRequest string

func (e errBadRequest) Error() string { return string(e) }

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest("invalid payload")
	}
	return nil
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := decodeBody(r, v); err != nil {
		a.writeError(w, err)
		return false
	}
	return true
}

func statusFor(err error) int {
	var bad errBadRequest
	switch {
	case errors.As(err, &bad),
		errors.Is(err, node.ErrEmptyMessage),
		errors.Is(err, node.ErrInvalidAnchor),
		errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, node.ErrWrongRole),
		errors.Is(err, node.ErrNotInSession),
		errors.Is(err, node.ErrNotStarted),
		errors.Is(err, node.ErrNoFix),
		errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, node.ErrConnectFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	a.writeJSON(w, status, struct {
		Error string `json:"error"`
	}{msg})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func queryLimit(r *http.Request, def, max int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= max {
			return n
		}
	}
	return def
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
