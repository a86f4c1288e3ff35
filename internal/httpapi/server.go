package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldsync/internal/fieldsync"
	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Hub receives change notices from the coordinator and fans them out to
	// stream subscribers. A nil Hub gets a private one that is never notified.
	Hub                  *StreamHub
	StreamOriginPatterns []string
	StreamPingInterval   time.Duration
	Logger               logrus.FieldLogger
}

type Server struct {
	coordinator *fieldsync.Coordinator
	cfg         ServerConfig
	rateLimiter *rateLimiter
	hub         *StreamHub
	logger      logrus.FieldLogger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(coordinator *fieldsync.Coordinator) *Server {
	return NewServerWithConfig(coordinator, ServerConfig{})
}

func NewServerWithConfig(coordinator *fieldsync.Coordinator, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.StreamPingInterval <= 0 {
		cfg.StreamPingInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewStreamHub(logger)
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
		coordinator: coordinator,
		cfg:         cfg,
		rateLimiter: limiter,
		hub:         hub,
		logger:      logger.WithField("component", "httpapi"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "sync" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	started := time.Now()
	switch {
	case len(parts) == 3 && parts[2] == "batch" && r.Method == http.MethodPost:
		s.handleBatch(w, r, correlationID)
	case len(parts) == 4 && parts[2] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, parts[3], correlationID)
	case len(parts) == 4 && parts[2] == "changes" && r.Method == http.MethodGet:
		s.handleChanges(w, r, parts[3], correlationID)
	case len(parts) == 3 && parts[2] == "resolve-conflicts" && r.Method == http.MethodPost:
		s.handleResolveConflicts(w, r, correlationID)
	case len(parts) == 3 && parts[2] == "ping" && r.Method == http.MethodPost:
		s.handlePing(w, r, correlationID)
	case len(parts) == 4 && parts[2] == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r, parts[3], correlationID)
		return
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	s.logger.WithFields(logrus.Fields{
		"method":         r.Method,
		"path":           r.URL.Path,
		"correlation_id": correlationID,
		"duration_ms":    time.Since(started).Milliseconds(),
	}).Debug("request served")
}

// Operations stay raw so one malformed operation fails alone.
type batchRequest struct {
	ClientID          string            `json:"clientId"`
	Operations        []json.RawMessage `json:"operations"`
	LastSyncTimestamp string            `json:"lastSyncTimestamp"`
}

type batchResponse struct {
	Success bool `json:"success"`
	fieldsync.BatchResult
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body batchRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if !s.allow(w, body.ClientID, correlationID) {
		return
	}
	lastSync, err := parseTimestampParam(body.LastSyncTimestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid lastSyncTimestamp", correlationID)
		return
	}
	ops := make([]fieldsync.SyncOperation, 0, len(body.Operations))
	for _, raw := range body.Operations {
		ops = append(ops, fieldsync.DecodeOperation(raw))
	}
	result, err := s.coordinator.ProcessBatch(r.Context(), body.ClientID, ops, lastSync)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Success: result.Success(), BatchResult: result})
}

type statusResponse struct {
	fieldsync.ClientStatus
	Operations []fieldsync.StatusEntry `json:"operations,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, clientID, correlationID string) {
	if !s.allow(w, clientID, correlationID) {
		return
	}
	status, err := s.coordinator.Status(r.Context(), clientID)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	resp := statusResponse{ClientStatus: status}
	if parseBool(r.URL.Query().Get("detail"), false) && status.TotalPending > 0 {
		limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
		resp.Operations, err = s.coordinator.PendingOperations(r.Context(), clientID, limit)
		if err != nil {
			s.writeSyncError(w, err, correlationID)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type changesResponse struct {
	ClientID     string             `json:"clientId"`
	Since        time.Time          `json:"since"`
	ChangesCount int                `json:"changesCount"`
	Changes      []fieldsync.Change `json:"changes"`
	Truncated    []string           `json:"truncated,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

type changesPageResponse struct {
	ClientID string             `json:"clientId"`
	Table    string             `json:"tableName"`
	Since    time.Time          `json:"since"`
	Changes  []fieldsync.Change `json:"changes"`
	HasMore  bool               `json:"hasMore"`
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, clientID, correlationID string) {
	if !s.allow(w, clientID, correlationID) {
		return
	}
	query := r.URL.Query()
	since, err := parseTimestampParam(query.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid since timestamp", correlationID)
		return
	}

	if table := strings.TrimSpace(query.Get("table")); table != "" {
		before, err := parseTimestampParam(query.Get("before"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid before timestamp", correlationID)
			return
		}
		if since == nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since is required when paging a table", correlationID)
			return
		}
		var upper time.Time
		if before != nil {
			upper = *before
		}
		changes, more, err := s.coordinator.ChangesPage(r.Context(), clientID, table, *since, upper)
		if err != nil {
			s.writeSyncError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, changesPageResponse{
			ClientID: clientID,
			Table:    table,
			Since:    *since,
			Changes:  changes,
			HasMore:  more,
		})
		return
	}

	set, err := s.coordinator.ChangesSince(r.Context(), clientID, since)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, changesResponse{
		ClientID:     clientID,
		Since:        set.Since,
		ChangesCount: len(set.Changes),
		Changes:      set.Changes,
		Truncated:    set.Truncated,
		Timestamp:    time.Now().UTC(),
	})
}

type resolveRequest struct {
	ClientID   string                `json:"clientId"`
	Conflicts  []fieldsync.RecordRef `json:"conflicts"`
	Resolution struct {
		Strategy fieldsync.ConflictPolicy `json:"strategy"`
	} `json:"resolution"`
}

func (s *Server) handleResolveConflicts(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body resolveRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if !s.allow(w, body.ClientID, correlationID) {
		return
	}
	if len(body.Conflicts) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "conflicts must not be empty", correlationID)
		return
	}
	resolved, err := s.coordinator.ResolveConflicts(r.Context(), body.ClientID, body.Conflicts, body.Resolution.Strategy)
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"resolved": resolved,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		ClientID string `json:"clientId"`
	}
	raw, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	pong := s.coordinator.Ping(r.Context(), body.ClientID)
	writeJSON(w, http.StatusOK, map[string]any{
		"pong":          true,
		"clientId":      pong.ClientID,
		"serverTime":    pong.ServerTime,
		"syncAvailable": pong.SyncAvailable,
	})
}

// writeSyncError maps coordinator errors onto status codes.
func (s *Server) writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, fieldsync.ErrValidation), errors.Is(err, fieldsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, fieldsync.ErrUnknownEntity):
		writeError(w, http.StatusBadRequest, "unknown_entity", err.Error(), correlationID)
	case errors.Is(err, fieldsync.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.Is(err, fieldsync.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), correlationID)
	default:
		s.logger.WithError(err).WithField("correlation_id", correlationID).Error("sync request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) allow(w http.ResponseWriter, clientID, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	key := strings.TrimSpace(clientID)
	if s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return ulid.Make().String()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// parseTimestampParam yields nil for an empty value.
func parseTimestampParam(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := fieldsync.ParseTimestamp(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
