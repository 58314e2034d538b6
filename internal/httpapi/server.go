package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fathomops/shoresync/internal/shoresync"
)

type ServerConfig struct {
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server exposes the operational surface of a shoresync node: engine and
// queue state for dashboards, manual sync triggers, and the enqueue path
// for local mutations.
type Server struct {
	engine   *shoresync.Engine
	queue    *shoresync.SyncQueue
	missions *shoresync.MissionEngine
	monitor  *shoresync.NetworkMonitor
	cfg      ServerConfig
	limiter  *rateLimiter
	logger   zerolog.Logger
}

type ServerOptions struct {
	Engine   *shoresync.Engine
	Queue    *shoresync.SyncQueue
	Missions *shoresync.MissionEngine
	Monitor  *shoresync.NetworkMonitor
	Config   ServerConfig
	Logger   zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:   opts.Engine,
		queue:    opts.Queue,
		missions: opts.Missions,
		monitor:  opts.Monitor,
		cfg:      cfg,
		limiter:  limiter,
		logger:   opts.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	var route string
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "queue" && parts[2] == "stats" && r.Method == http.MethodGet:
		route = "queue_stats"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "queue" && parts[2] == "failed" && r.Method == http.MethodGet:
		route = "queue_failed"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "queue" && parts[2] == "failed" && r.Method == http.MethodDelete:
		route = "queue_failed_delete"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "queue" && r.Method == http.MethodPost:
		route = "enqueue"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "sync" && r.Method == http.MethodPost:
		route = "sync"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "missions" && r.Method == http.MethodGet:
		route = "missions"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "missions" && r.Method == http.MethodGet:
		route = "mission"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.limiter != nil {
		if !s.limiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.limiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
	}

	ctx := r.Context()
	switch route {
	case "status":
		s.handleStatus(w, r)
	case "queue_stats":
		stats, err := s.queue.Stats(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case "queue_failed":
		records, err := s.queue.FailedRecords(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})
	case "queue_failed_delete":
		s.handleDeleteFailed(w, r, parts[3])
	case "enqueue":
		s.handleEnqueue(w, r)
	case "sync":
		s.handleSync(w, r)
	case "missions":
		s.handleMissions(w, r)
	case "mission":
		s.handleMission(w, r, parts[2])
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"engine": s.engine.Status(),
	}
	if s.monitor != nil {
		out["network"] = s.monitor.Status()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteFailed(w http.ResponseWriter, r *http.Request, id string) {
	// Operator acknowledgement of a permanently failed record. Only records
	// past the retry budget may be cleared this way.
	records, err := s.queue.FailedRecords(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	found := false
	for _, record := range records {
		if record.ID == id {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "failed record not found")
		return
	}
	if err := s.queue.DeleteRecord(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.logger.Info().Str("record", id).Msg("failed record cleared by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Table   string          `json:"table"`
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	id, err := s.engine.Enqueue(r.Context(), req.Table, req.Payload, shoresync.Action(req.Action))
	if err != nil {
		switch {
		case errors.Is(err, shoresync.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, shoresync.ErrPayloadRejected):
			writeError(w, http.StatusUnprocessableEntity, "payload_rejected", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Drain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMissions(w http.ResponseWriter, r *http.Request) {
	if s.missions == nil {
		writeError(w, http.StatusNotFound, "not_found", "missions not enabled")
		return
	}
	states := s.missions.AllMissions()
	sort.Slice(states, func(i, j int) bool {
		return states[i].MissionID < states[j].MissionID
	})
	writeJSON(w, http.StatusOK, map[string]any{"missions": states})
}

func (s *Server) handleMission(w http.ResponseWriter, r *http.Request, id string) {
	if s.missions == nil {
		writeError(w, http.StatusNotFound, "not_found", "missions not enabled")
		return
	}
	state, err := s.missions.MissionState(id)
	if err != nil {
		if errors.Is(err, shoresync.ErrMissionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "mission not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
