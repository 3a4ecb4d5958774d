package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"qms/queue-sync/internal/metrics"
	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/queue"
	"qms/queue-sync/internal/store"
	"qms/queue-sync/internal/transfer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueueService is the orchestrator surface the API exposes.
type QueueService interface {
	Admit(ctx context.Context, req transfer.AdmitRequest) (models.QueueEntry, error)
	GetEntry(ctx context.Context, id string) (models.QueueEntry, error)
	ListCounterQueue(ctx context.Context, facilityID, counterID string) ([]models.QueueEntry, error)
	EntryHistory(ctx context.Context, id string) ([]store.EntryEvent, error)
	MovePatient(ctx context.Context, req transfer.MoveRequest) (transfer.MoveResult, error)
	Skip(ctx context.Context, queueID, actorID string) (models.QueueEntry, error)
	ServeNext(ctx context.Context, facilityID, counterID, actorID string) (*models.QueueEntry, error)
	Recall(ctx context.Context, facilityID, counterID, actorID string) (*models.QueueEntry, error)
	PromoteNext(ctx context.Context, facilityID, counterID, actorID string) (*models.QueueEntry, error)
	AvailableCounters(ctx context.Context, facilityID, excludeCounterID string) ([]models.Counter, error)
}

type Handler struct {
	svc    QueueService
	logger zerolog.Logger
}

type admitRequest struct {
	RequestID  string         `json:"request_id"`
	EntryID    string         `json:"entry_id"`
	FacilityID string         `json:"facility_id"`
	CounterID  string         `json:"counter_id"`
	PatientRef string         `json:"patient_ref"`
	Number     string         `json:"number"`
	DoctorID   string         `json:"doctor_id"`
	Remarks    string         `json:"remarks"`
	Metadata   map[string]any `json:"metadata"`
	ActorID    string         `json:"actor_id"`
}

type moveRequest struct {
	RequestID       string `json:"request_id"`
	FacilityID      string `json:"facility_id"`
	SourceCounterID string `json:"source_counter_id"`
	TargetCounterID string `json:"target_counter_id"`
	TargetStatus    string `json:"target_status"`
	ActorID         string `json:"actor_id"`
	CorrelationID   string `json:"correlation_id"`
}

type actionRequest struct {
	RequestID  string `json:"request_id"`
	FacilityID string `json:"facility_id"`
	ActorID    string `json:"actor_id"`
}

type entryResponse struct {
	Entry *models.QueueEntry `json:"entry"`
}

type queueResponse struct {
	Entries []models.QueueEntry `json:"entries"`
}

type eventsResponse struct {
	Events []store.EntryEvent `json:"events"`
}

type countersResponse struct {
	RequestID string          `json:"request_id,omitempty"`
	Counters  []models.Counter `json:"counters"`
	Error     *responseError   `json:"error,omitempty"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func NewHandler(svc QueueService, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/", h.handleEntry)
	mux.HandleFunc("/api/counters/available", h.handleAvailableCounters)
	mux.HandleFunc("/api/counters/", h.handleCounterActions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleAdmit(w, r)
	case http.MethodGet:
		h.handleListQueue(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	requestID := requestIDFor(r, req.RequestID)
	req.FacilityID = strings.TrimSpace(req.FacilityID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.PatientRef = strings.TrimSpace(req.PatientRef)
	if req.FacilityID == "" || req.CounterID == "" || req.PatientRef == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "facility_id, counter_id, and patient_ref are required")
		return
	}
	if req.EntryID != "" && !isValidUUID(req.EntryID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "entry_id must be a UUID when provided")
		return
	}

	entry, err := h.svc.Admit(r.Context(), transfer.AdmitRequest{
		EntryID:    req.EntryID,
		FacilityID: req.FacilityID,
		CounterID:  req.CounterID,
		PatientRef: req.PatientRef,
		Number:     strings.TrimSpace(req.Number),
		DoctorID:   strings.TrimSpace(req.DoctorID),
		Remarks:    req.Remarks,
		Metadata:   req.Metadata,
		ActorID:    actorFor(r, req.ActorID),
	})
	if err != nil {
		h.writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	facilityID := strings.TrimSpace(r.URL.Query().Get("facility_id"))
	counterID := strings.TrimSpace(r.URL.Query().Get("counter_id"))
	if facilityID == "" || counterID == "" {
		writeError(w, requestIDFor(r, ""), http.StatusBadRequest, "invalid_request", "facility_id and counter_id are required")
		return
	}
	entries, err := h.svc.ListCounterQueue(r.Context(), facilityID, counterID)
	if err != nil {
		h.writeServiceError(w, requestIDFor(r, ""), err)
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, queueResponse{Entries: entries})
}

// handleEntry serves /api/queue/{id}, /api/queue/{id}/events and
// /api/queue/{id}/actions/{move|skip}.
func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	entryID := parts[0]
	if entryID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(entryID) {
		writeError(w, requestIDFor(r, ""), http.StatusBadRequest, "invalid_request", "queue id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetEntry(w, r, entryID)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleEntryEvents(w, r, entryID)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch parts[2] {
		case "move":
			h.handleMove(w, r, entryID)
		case "skip":
			h.handleSkip(w, r, entryID)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	entry, err := h.svc.GetEntry(r.Context(), entryID)
	if err != nil {
		h.writeServiceError(w, requestIDFor(r, ""), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEntryEvents(w http.ResponseWriter, r *http.Request, entryID string) {
	events, err := h.svc.EntryHistory(r.Context(), entryID)
	if err != nil {
		h.writeServiceError(w, requestIDFor(r, ""), err)
		return
	}
	if events == nil {
		events = []store.EntryEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request, entryID string) {
	var req moveRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	h.move(w, r, req, entryID, "")
}

func (h *Handler) handleSkip(w http.ResponseWriter, r *http.Request, entryID string) {
	var req actionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	entry, err := h.svc.Skip(r.Context(), entryID, actorFor(r, req.ActorID))
	if err != nil {
		h.writeServiceError(w, requestIDFor(r, req.RequestID), err)
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Entry: &entry})
}

func (h *Handler) handleAvailableCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFor(r, "")
	facilityID := strings.TrimSpace(r.URL.Query().Get("facility_id"))
	if facilityID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "facility_id is required")
		return
	}
	exclude := strings.TrimSpace(r.URL.Query().Get("exclude_counter_id"))

	counters, err := h.svc.AvailableCounters(r.Context(), facilityID, exclude)
	if counters == nil {
		counters = []models.Counter{}
	}
	if err != nil {
		status, body := mapError(err)
		h.logFailure(requestID, status, err)
		writeJSON(w, status, countersResponse{RequestID: requestID, Counters: counters, Error: &body})
		return
	}
	writeJSON(w, http.StatusOK, countersResponse{Counters: counters})
}

// handleCounterActions serves /api/counters/{id}/actions/{serve-next|recall|promote|move-next}.
func (h *Handler) handleCounterActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	counterID := parts[0]
	action := parts[2]

	if action == "move-next" {
		var req moveRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		h.move(w, r, req, "", counterID)
		return
	}

	var run func(ctx context.Context, facilityID, counterID, actorID string) (*models.QueueEntry, error)
	switch action {
	case "serve-next":
		run = h.svc.ServeNext
	case "recall":
		run = h.svc.Recall
	case "promote":
		run = h.svc.PromoteNext
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req actionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	requestID := requestIDFor(r, req.RequestID)
	req.FacilityID = strings.TrimSpace(req.FacilityID)
	if req.FacilityID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "facility_id is required")
		return
	}
	entry, err := run(r.Context(), req.FacilityID, counterID, actorFor(r, req.ActorID))
	if err != nil {
		h.writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Entry: entry})
}

// move handles both the pinned form (entryID set) and move-next, where the
// lowest-numbered waiting entry of sourceCounterID is moved.
func (h *Handler) move(w http.ResponseWriter, r *http.Request, req moveRequest, entryID, sourceCounterID string) {
	requestID := requestIDFor(r, req.RequestID)
	if sourceCounterID == "" {
		sourceCounterID = strings.TrimSpace(req.SourceCounterID)
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = strings.TrimSpace(r.Header.Get("X-Correlation-ID"))
	}
	result, err := h.svc.MovePatient(r.Context(), transfer.MoveRequest{
		QueueID:         entryID,
		FacilityID:      strings.TrimSpace(req.FacilityID),
		SourceCounterID: sourceCounterID,
		TargetCounterID: strings.TrimSpace(req.TargetCounterID),
		TargetStatus:    strings.TrimSpace(req.TargetStatus),
		ActorID:         actorFor(r, req.ActorID),
		CorrelationID:   correlationID,
	})
	if err != nil {
		h.writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFor(r, ""), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func requestIDFor(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	return uuid.NewString()
}

func actorFor(r *http.Request, fromBody string) string {
	if actor := strings.TrimSpace(fromBody); actor != "" {
		return actor
	}
	return strings.TrimSpace(r.Header.Get("X-Actor-ID"))
}

func mapError(err error) (int, responseError) {
	var (
		validation *transfer.ValidationError
		conflict   *transfer.ConflictError
		transport  *transfer.TransportError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, responseError{Code: "invalid_request", Message: validation.Error(), Field: validation.Field}
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, responseError{Code: "entry_not_found", Message: "queue entry not found"}
	case errors.As(err, &conflict):
		return http.StatusConflict, responseError{Code: conflictCode(conflict), Message: conflict.Reason}
	case errors.As(err, &transport):
		return http.StatusServiceUnavailable, responseError{Code: "unavailable", Message: "dependency unavailable, retry later", Retryable: transport.Retryable()}
	default:
		return http.StatusInternalServerError, responseError{Code: "internal_error", Message: "internal server error"}
	}
}

func conflictCode(err *transfer.ConflictError) string {
	switch {
	case errors.Is(err, store.ErrEntryDone):
		return "entry_done"
	case errors.Is(err, store.ErrStatusConflict):
		return "status_conflict"
	case errors.Is(err, store.ErrCounterUnavailable):
		return "counter_unavailable"
	case errors.Is(err, queue.ErrCounterBusy):
		return "counter_busy"
	case errors.Is(err, queue.ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "conflict"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, requestID string, err error) {
	status, body := mapError(err)
	h.logFailure(requestID, status, err)
	writeJSON(w, status, errorResponse{RequestID: requestID, Error: body})
}

func (h *Handler) logFailure(requestID string, status int, err error) {
	event := h.logger.Debug()
	if status >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).Str("request_id", requestID).Int("status", status).Msg("request failed")
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
