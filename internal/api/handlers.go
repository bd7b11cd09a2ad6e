/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http, strconv: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 * - pkg/treasury: For transfer error classification.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/campusshield/ledger-service/internal/app"
	"github.com/campusshield/ledger-service/internal/domain"
	"github.com/campusshield/ledger-service/internal/store"
	"github.com/campusshield/ledger-service/pkg/treasury"
)

const (
	defaultEventPageSize = 100
	maxEventPageSize     = 500

	donationRateLimitScope = "donation"
	requestRateLimitScope  = "aid_request"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service                    *app.Service
	donationRateLimitPerMinute int
	requestRateLimitPerMinute  int
}

// NewLedgerHandlers creates a new instance of LedgerHandlers. Rate limits are
// per caller per minute; zero disables the corresponding limit.
func NewLedgerHandlers(service *app.Service, donationRateLimitPerMinute, requestRateLimitPerMinute int) *LedgerHandlers {
	return &LedgerHandlers{
		service:                    service,
		donationRateLimitPerMinute: donationRateLimitPerMinute,
		requestRateLimitPerMinute:  requestRateLimitPerMinute,
	}
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service and store errors to HTTP statuses.
func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidName),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidReason),
		errors.Is(err, app.ErrReasonTooLong),
		errors.Is(err, app.ErrInvalidAccount),
		errors.Is(err, app.ErrRequestTooLarge):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUniversityNotFound),
		errors.Is(err, store.ErrRequestNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUniversityInactive),
		errors.Is(err, store.ErrAlreadyProcessed):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotAdmin):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, treasury.ErrInsufficientBalance),
		errors.Is(err, treasury.ErrInsufficientAllowance):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, app.ErrOperationInProgress):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusLocked, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// caller returns the authenticated wallet address or writes a 500 and
// reports failure. The auth middleware guarantees the value in practice.
func (h *LedgerHandlers) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	address, ok := GetCallerAddress(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller address from context")
		return "", false
	}
	return address, true
}

func (h *LedgerHandlers) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", param))
		return 0, false
	}
	return id, true
}

// enforceRateLimit consumes one hit for the caller; on limit breach it writes
// a 429 with Retry-After and returns false. Limiter errors fail open.
func (h *LedgerHandlers) enforceRateLimit(w http.ResponseWriter, r *http.Request, scope, subject string, limit int) bool {
	limiter := h.service.RateLimiterFor()
	if limiter == nil || limit <= 0 {
		return true
	}

	count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), scope, subject, limit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return true
	}
	if count > limit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
		return false
	}
	return true
}

// RegisterUniversityHandler handles requests to register a new university pool.
func (h *LedgerHandlers) RegisterUniversityHandler(w http.ResponseWriter, r *http.Request) {
	callerAddress, ok := h.caller(w, r)
	if !ok {
		return
	}

	var payload domain.RegisterUniversityPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	uni, err := h.service.RegisterUniversity(r.Context(), callerAddress, payload)
	if err != nil {
		h.writeServiceError(w, "register_university", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, uni)
}

// DonateHandler handles donations into a university pool.
func (h *LedgerHandlers) DonateHandler(w http.ResponseWriter, r *http.Request) {
	callerAddress, ok := h.caller(w, r)
	if !ok {
		return
	}
	universityID, ok := h.pathID(w, r, "universityID")
	if !ok {
		return
	}
	if !h.enforceRateLimit(w, r, donationRateLimitScope, callerAddress, h.donationRateLimitPerMinute) {
		return
	}

	var payload domain.DonationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	uni, err := h.service.Donate(r.Context(), callerAddress, universityID, payload)
	if err != nil {
		h.writeServiceError(w, "donate", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, uni)
}

// RequestAidHandler handles new aid request submissions.
func (h *LedgerHandlers) RequestAidHandler(w http.ResponseWriter, r *http.Request) {
	callerAddress, ok := h.caller(w, r)
	if !ok {
		return
	}
	if !h.enforceRateLimit(w, r, requestRateLimitScope, callerAddress, h.requestRateLimitPerMinute) {
		return
	}

	var payload domain.AidRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req, err := h.service.RequestAid(r.Context(), callerAddress, payload)
	if err != nil {
		h.writeServiceError(w, "request_aid", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

// ApproveAidHandler finalizes a pending request with a payout to the student.
func (h *LedgerHandlers) ApproveAidHandler(w http.ResponseWriter, r *http.Request) {
	callerAddress, ok := h.caller(w, r)
	if !ok {
		return
	}
	requestID, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}

	req, err := h.service.ApproveAid(r.Context(), callerAddress, requestID)
	if err != nil {
		h.writeServiceError(w, "approve_aid", err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// RejectAidHandler finalizes a pending request without moving funds.
func (h *LedgerHandlers) RejectAidHandler(w http.ResponseWriter, r *http.Request) {
	callerAddress, ok := h.caller(w, r)
	if !ok {
		return
	}
	requestID, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}

	req, err := h.service.RejectAid(r.Context(), callerAddress, requestID)
	if err != nil {
		h.writeServiceError(w, "reject_aid", err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// GetUniversityHandler returns one university pool.
func (h *LedgerHandlers) GetUniversityHandler(w http.ResponseWriter, r *http.Request) {
	universityID, ok := h.pathID(w, r, "universityID")
	if !ok {
		return
	}

	uni, err := h.service.GetUniversity(r.Context(), universityID)
	if err != nil {
		h.writeServiceError(w, "get_university", err)
		return
	}
	h.writeJSON(w, http.StatusOK, uni)
}

// GetDonorCountHandler returns the distinct donor count of a pool.
func (h *LedgerHandlers) GetDonorCountHandler(w http.ResponseWriter, r *http.Request) {
	universityID, ok := h.pathID(w, r, "universityID")
	if !ok {
		return
	}

	count, err := h.service.GetDonorCount(r.Context(), universityID)
	if err != nil {
		h.writeServiceError(w, "get_donor_count", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"donor_count": count})
}

// GetDonorContributionHandler returns one donor's cumulative contribution to a pool.
func (h *LedgerHandlers) GetDonorContributionHandler(w http.ResponseWriter, r *http.Request) {
	universityID, ok := h.pathID(w, r, "universityID")
	if !ok {
		return
	}
	donor := chi.URLParam(r, "address")
	if donor == "" {
		h.writeError(w, http.StatusBadRequest, "invalid donor address")
		return
	}

	amount, err := h.service.GetDonorContribution(r.Context(), universityID, donor)
	if err != nil {
		h.writeServiceError(w, "get_donor_contribution", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"donor": donor, "amount": amount})
}

// GetAidRequestHandler returns one aid request.
func (h *LedgerHandlers) GetAidRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}

	req, err := h.service.GetAidRequest(r.Context(), requestID)
	if err != nil {
		h.writeServiceError(w, "get_aid_request", err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListPendingRequestsHandler returns the unprocessed requests of a university.
func (h *LedgerHandlers) ListPendingRequestsHandler(w http.ResponseWriter, r *http.Request) {
	universityID, ok := h.pathID(w, r, "universityID")
	if !ok {
		return
	}

	requests, err := h.service.GetPendingRequests(r.Context(), universityID)
	if err != nil {
		h.writeServiceError(w, "list_pending_requests", err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

// ListUniversityRequestsHandler returns every request filed against a university.
func (h *LedgerHandlers) ListUniversityRequestsHandler(w http.ResponseWriter, r *http.Request) {
	universityID, ok := h.pathID(w, r, "universityID")
	if !ok {
		return
	}

	requests, err := h.service.GetUniversityRequests(r.Context(), universityID)
	if err != nil {
		h.writeServiceError(w, "list_university_requests", err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

// ListStudentRequestsHandler returns every request filed by a student account.
func (h *LedgerHandlers) ListStudentRequestsHandler(w http.ResponseWriter, r *http.Request) {
	student := chi.URLParam(r, "address")
	if student == "" {
		h.writeError(w, http.StatusBadRequest, "invalid student address")
		return
	}

	requests, err := h.service.GetStudentRequests(r.Context(), student)
	if err != nil {
		h.writeServiceError(w, "list_student_requests", err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

// GetStatsHandler returns the global accumulators.
func (h *LedgerHandlers) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		h.writeServiceError(w, "get_stats", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ListEventsHandler returns event log entries after a sequence cursor.
func (h *LedgerHandlers) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		after = parsed
	}

	limit := defaultEventPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if parsed > maxEventPageSize {
			parsed = maxEventPageSize
		}
		limit = parsed
	}

	events, err := h.service.GetLedgerEvents(r.Context(), after, limit)
	if err != nil {
		h.writeServiceError(w, "list_events", err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}
