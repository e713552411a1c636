package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/constant"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/service/recovery"
	"github.com/krobus00/stream-gateway/internal/service/subscription"
	"github.com/krobus00/stream-gateway/internal/service/tickcache"
	"github.com/krobus00/stream-gateway/internal/service/upstream"
)

var (
	errAPIKeyMissing  = errors.New("api key is required")
	errAPIKeyInvalid  = errors.New("invalid api key")
	errAPIKeyInactive = errors.New("api key is inactive")
	errAPIKeyExpired  = errors.New("api key is expired")
)

type ScheduleJobRequest struct {
	ApiKey               string   `json:"api_key"`
	ClientID             string   `json:"client_id"`
	Symbols              []string `json:"symbols"`
	LastReceiveTimestamp int64    `json:"last_receive_timestamp"`
	Provider             string   `json:"provider"`
	Capability           string   `json:"capability"`
	Priority             string   `json:"priority"`
}

type ScheduleJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ScheduleBatchRequest struct {
	ApiKey string               `json:"api_key"`
	Jobs   []ScheduleJobRequest `json:"jobs"`
}

type ScheduleBatchResponse struct {
	JobIDs  []string `json:"job_ids"`
	Skipped int      `json:"skipped"`
	Status  string   `json:"status"`
}

type HealthResponse struct {
	entity.RecoveryHealth
	Providers    map[string]bool `json:"providers"`
	CacheBreaker string          `json:"cache_breaker"`
}

type Handler struct {
	recoveryService *recovery.Service
	registry        *subscription.Registry
	connections     *upstream.ConnectionManager
	cache           *tickcache.TickCache
}

func NewRecoveryHTTPHandler(recoveryService *recovery.Service, registry *subscription.Registry, connections *upstream.ConnectionManager, cache *tickcache.TickCache) *Handler {
	return &Handler{
		recoveryService: recoveryService,
		registry:        registry,
		connections:     connections,
		cache:           cache,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/recovery/v1/jobs", h.ScheduleJob)
	mux.HandleFunc("/recovery/v1/jobs/batch", h.ScheduleBatch)
	mux.HandleFunc("/recovery/v1/jobs/", h.JobByID)
	mux.HandleFunc("/recovery/v1/audits", h.Audits)
	mux.HandleFunc("/recovery/v1/metrics", h.Metrics)
	mux.HandleFunc("/recovery/v1/health", h.Health)
	mux.HandleFunc("/recovery/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("/subscription/v1/stats", h.SubscriptionStats)
}

func (h *Handler) ScheduleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	defer r.Body.Close()

	var req ScheduleJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, req.ApiKey)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	jobID, err := h.recoveryService.Schedule(r.Context(), mapScheduleRequestToJob(&req))
	if err != nil {
		writeJSON(w, scheduleErrorStatus(err), map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, ScheduleJobResponse{
		JobID:  jobID,
		Status: "queued",
	})
}

func (h *Handler) ScheduleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	defer r.Body.Close()

	var req ScheduleBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, req.ApiKey)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	if len(req.Jobs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "jobs is required"})
		return
	}

	jobs := make([]entity.RecoveryJob, 0, len(req.Jobs))
	for i := range req.Jobs {
		jobs = append(jobs, mapScheduleRequestToJob(&req.Jobs[i]))
	}

	jobIDs := h.recoveryService.SubmitBatch(r.Context(), jobs)
	resp := ScheduleBatchResponse{
		JobIDs:  jobIDs,
		Skipped: len(jobs) - len(jobIDs),
		Status:  "queued",
	}
	if len(jobIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/recovery/v1/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	switch r.Method {
	case http.MethodGet:
		status, err := h.recoveryService.Status(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, recovery.ErrJobNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
			return
		}
		writeJSON(w, http.StatusOK, status)
	case http.MethodDelete:
		err := h.recoveryService.Cancel(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, recovery.ErrJobNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "job not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": "cancelled"})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (h *Handler) Audits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	var limit uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	audits, err := h.recoveryService.AuditTrail(r.Context(), r.URL.Query()["state"], limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, audits)
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	metrics, err := h.recoveryService.Metrics(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, metrics)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	health := h.recoveryService.HealthCheck(r.Context())
	resp := HealthResponse{
		RecoveryHealth: health,
		Providers:      h.connections.BatchHealthCheck(),
		CacheBreaker:   h.cache.BreakerState(),
	}

	code := http.StatusOK
	if health.Status == constant.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) SubscriptionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, h.registry.Stats())
}

func mapScheduleRequestToJob(req *ScheduleJobRequest) entity.RecoveryJob {
	return entity.RecoveryJob{
		ClientID:             strings.TrimSpace(req.ClientID),
		Symbols:              req.Symbols,
		LastReceiveTimestamp: req.LastReceiveTimestamp,
		Provider:             strings.TrimSpace(req.Provider),
		Capability:           strings.TrimSpace(req.Capability),
		Priority:             strings.ToLower(strings.TrimSpace(req.Priority)),
	}
}

func scheduleErrorStatus(err error) int {
	switch {
	case errors.Is(err, recovery.ErrMissingClientID),
		errors.Is(err, recovery.ErrNoSymbols),
		errors.Is(err, recovery.ErrInvalidTimestamp),
		errors.Is(err, recovery.ErrWindowExceeded):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func resolveAPIKey(r *http.Request, bodyKey string) string {
	if headerKey := strings.TrimSpace(r.Header.Get("X-API-Key")); headerKey != "" {
		return headerKey
	}

	return strings.TrimSpace(bodyKey)
}

func validateAPIKey(rawAPIKey string) error {
	apiKey := strings.TrimSpace(rawAPIKey)
	if apiKey == "" {
		return errAPIKeyMissing
	}

	if config.Env == nil || len(config.Env.APIKeys) == 0 {
		return errAPIKeyInvalid
	}

	now := time.Now().UTC()
	for _, candidate := range config.Env.APIKeys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(storedKey)) != 1 {
			continue
		}

		if !candidate.Active {
			return errAPIKeyInactive
		}

		expiredAt, hasExpiry, err := parseExpiry(candidate.ExpiredAt)
		if err != nil {
			return errAPIKeyInvalid
		}
		if !hasExpiry {
			return nil
		}

		if !now.Before(expiredAt) {
			return errAPIKeyExpired
		}

		return nil
	}

	return errAPIKeyInvalid
}

func parseExpiry(value any) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, nil
	}

	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false, nil
		}
		return v.UTC(), true, nil
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}, false, nil
		}

		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC(), true, nil
		}

		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}

		return parsed.UTC().Add(24 * time.Hour), true, nil
	default:
		return time.Time{}, false, errAPIKeyInvalid
	}
}
