package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/pagemirror/internal/changelog"
	"github.com/agentworkforce/pagemirror/internal/pagesync"
	"github.com/agentworkforce/pagemirror/internal/wordpress"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	PushDedupeTTL   time.Duration
	PushDedupeMax   int
}

type Server struct {
	syncer      *pagesync.Syncer
	log         *changelog.Log
	hub         *Hub
	cfg         ServerConfig
	rateLimiter *rateLimiter
	pushMu      sync.Mutex
	recentPush  map[string]time.Time
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

func NewServer(syncer *pagesync.Syncer, log *changelog.Log) *Server {
	return NewServerWithConfig(syncer, log, ServerConfig{})
}

func NewServerWithConfig(syncer *pagesync.Syncer, log *changelog.Log, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PushDedupeTTL <= 0 {
		cfg.PushDedupeTTL = 30 * time.Second
	}
	if cfg.PushDedupeMax <= 0 {
		cfg.PushDedupeMax = 256
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
		syncer:      syncer,
		log:         log,
		hub:         newHub(),
		cfg:         cfg,
		rateLimiter: limiter,
		recentPush:  map[string]time.Time{},
	}
}

// Hub exposes the websocket broadcast hub so the caller can run it for the
// lifetime of the server process.
func (s *Server) Hub() *Hub {
	return s.hub
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
	if r.URL.Path == "/v1/ws" && r.Method == http.MethodGet {
		s.hub.handleWebSocket(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "changelog" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "changelog"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "changes" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_changes"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "clone" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "sync_clone"
	case len(parts) == 4 && parts[1] == "pages" && parts[3] == "diff" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "page_diff"
	case len(parts) == 4 && parts[1] == "pages" && parts[3] == "history" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "page_history"
	case len(parts) == 4 && parts[1] == "pages" && parts[3] == "push" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "page_push"
	case len(parts) == 4 && parts[1] == "pages" && parts[3] == "restore" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "page_restore"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.AgentName, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	pageID := 0
	if strings.HasPrefix(route, "page_") {
		parsed, err := strconv.Atoi(parts[2])
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid page id", correlationID)
			return
		}
		pageID = parsed
	}

	switch route {
	case "changelog":
		s.handleChangelog(w, r, correlationID)
	case "sync_status":
		s.handleSyncStatus(w, correlationID)
	case "sync_changes":
		s.handleSyncChanges(w, correlationID)
	case "sync_clone":
		s.handleSyncClone(w, r, correlationID)
	case "page_diff":
		s.handlePageDiff(w, pageID, correlationID)
	case "page_history":
		s.handlePageHistory(w, pageID, correlationID)
	case "page_push":
		s.handlePagePush(w, r, pageID, correlationID)
	case "page_restore":
		s.handlePageRestore(w, r, pageID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, correlationID string) {
	status, err := s.syncer.Status()
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSyncChanges(w http.ResponseWriter, correlationID string) {
	differences, localOnly, err := s.syncer.DetectChanges()
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	if differences == nil {
		differences = []pagesync.Difference{}
	}
	if localOnly == nil {
		localOnly = []pagesync.LocalOnlyPage{}
	}
	writeJSON(w, http.StatusOK, struct {
		Differences []pagesync.Difference    `json:"differences"`
		LocalOnly   []pagesync.LocalOnlyPage `json:"localOnly"`
	}{
		Differences: differences,
		LocalOnly:   localOnly,
	})
}

func (s *Server) handleSyncClone(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		OverwriteLocal bool `json:"overwriteLocal"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	report, err := s.syncer.CloneAll(r.Context(), req.OverwriteLocal)
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	for _, page := range report.Cloned {
		s.appendRecord(page.ID, "clone", "cloned from wordpress")
	}
	for _, page := range report.Updated {
		s.appendRecord(page.ID, "clone", "snapshot refreshed from wordpress")
	}
	s.BroadcastStatus()
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleChangelog(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 100)
	records := []changelog.Record{}
	if s.log != nil {
		recent, err := s.log.Recent(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		if recent != nil {
			records = recent
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Records []changelog.Record `json:"records"`
	}{Records: records})
}

func (s *Server) handlePageDiff(w http.ResponseWriter, pageID int, correlationID string) {
	text, err := s.syncer.Diff(pageID)
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		PageID int    `json:"pageId"`
		Diff   string `json:"diff"`
	}{PageID: pageID, Diff: text})
}

func (s *Server) handlePageHistory(w http.ResponseWriter, pageID int, correlationID string) {
	entries, err := s.syncer.History(pageID)
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	if entries == nil {
		entries = []pagesync.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, struct {
		PageID  int                     `json:"pageId"`
		Entries []pagesync.HistoryEntry `json:"entries"`
	}{PageID: pageID, Entries: entries})
}

func (s *Server) handlePagePush(w http.ResponseWriter, r *http.Request, pageID int, correlationID string) {
	dryRun, err := parseOptionalBool(r.URL.Query().Get("dryRun"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid dryRun", correlationID)
		return
	}

	// Dry runs have no side effects, so only real pushes are deduplicated.
	dedupeKey := strconv.Itoa(pageID)
	if !dryRun && !s.markPushSeen(dedupeKey, time.Now().UTC()) {
		writeJSON(w, http.StatusAccepted, struct {
			Status string `json:"status"`
			PageID int    `json:"pageId"`
		}{Status: "duplicate", PageID: pageID})
		return
	}

	if err := s.syncer.PushPage(r.Context(), pageID, dryRun); err != nil {
		if !dryRun {
			s.clearPushSeen(dedupeKey)
		}
		writeSyncError(w, err, correlationID)
		return
	}

	status := "pushed"
	if dryRun {
		status = "dry_run"
	} else {
		if s.log != nil {
			_ = s.log.MarkPushed(pageID)
		}
		s.appendRecord(pageID, "push", "pushed working copy to wordpress")
		s.BroadcastStatus()
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		PageID int    `json:"pageId"`
	}{Status: status, PageID: pageID})
}

func (s *Server) handlePageRestore(w http.ResponseWriter, r *http.Request, pageID int, correlationID string) {
	var req struct {
		Timestamp string `json:"timestamp"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Timestamp) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing timestamp", correlationID)
		return
	}
	if err := s.syncer.Restore(pageID, req.Timestamp); err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	s.appendRecord(pageID, "restore", "restored from archived clone "+req.Timestamp)
	s.BroadcastStatus()
	writeJSON(w, http.StatusOK, struct {
		Status    string `json:"status"`
		PageID    int    `json:"pageId"`
		Timestamp string `json:"timestamp"`
	}{Status: "restored", PageID: pageID, Timestamp: req.Timestamp})
}

func (s *Server) appendRecord(pageID int, action, description string) {
	if s.log == nil {
		return
	}
	_ = s.log.Append(changelog.Record{
		PageID:      pageID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Action:      action,
		Description: description,
	})
}

// BroadcastStatus pushes the current sync status to all websocket clients.
func (s *Server) BroadcastStatus() {
	if s.hub == nil {
		return
	}
	status, err := s.syncer.Status()
	if err != nil {
		return
	}
	s.hub.Broadcast(Message{Type: "sync_status", Data: status})
}

func writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, pagesync.ErrNotCloned),
		errors.Is(err, pagesync.ErrNoSnapshot),
		errors.Is(err, pagesync.ErrNoManifest),
		errors.Is(err, pagesync.ErrHistoryEntryNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, pagesync.ErrManifestCorrupt):
		writeError(w, http.StatusInternalServerError, "manifest_corrupt", err.Error(), correlationID)
	default:
		var apiErr *wordpress.APIError
		if errors.As(err, &apiErr) {
			writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

func (s *Server) markPushSeen(key string, now time.Time) bool {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	for seenKey, expiresAt := range s.recentPush {
		if !now.Before(expiresAt) {
			delete(s.recentPush, seenKey)
		}
	}
	if expiresAt, exists := s.recentPush[key]; exists && now.Before(expiresAt) {
		return false
	}
	if len(s.recentPush) >= s.cfg.PushDedupeMax {
		oldestKey := ""
		var oldestExpiry time.Time
		for seenKey, expiresAt := range s.recentPush {
			if oldestKey == "" || expiresAt.Before(oldestExpiry) {
				oldestKey = seenKey
				oldestExpiry = expiresAt
			}
		}
		delete(s.recentPush, oldestKey)
	}
	s.recentPush[key] = now.Add(s.cfg.PushDedupeTTL)
	return true
}

func (s *Server) clearPushSeen(key string) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	delete(s.recentPush, key)
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

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}
