package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianbrokers/courier/internal/metrics"
	"github.com/meridianbrokers/courier/internal/redis"
	"github.com/meridianbrokers/courier/internal/report"
	"github.com/meridianbrokers/courier/internal/sender"
	"github.com/meridianbrokers/courier/internal/store"
)

// MessageRepository defines the interface for message store operations the
// API needs.
type MessageRepository interface {
	Enqueue(ctx context.Context, msg *store.QueuedMessage) error
	GetMessageStatus(ctx context.Context, id uuid.UUID) (*store.MessageStatus, error)
	AppendDeliveryStatus(ctx context.Context, rec *store.DeliveryStatusRecord) error
	ListTemplates(ctx context.Context, channel store.Channel) ([]*store.Template, error)
	UpsertPreferences(ctx context.Context, p *store.Preferences) error
	// DLQ methods
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*store.DeadLetterMessage, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*store.DeadLetterMessage, error)
	RetryDeadLetter(ctx context.Context, id uuid.UUID) (*store.QueuedMessage, error)
	DiscardDeadLetter(ctx context.Context, id uuid.UUID) error
}

// MessageRequest represents the incoming enqueue request body
type MessageRequest struct {
	Channel     string          `json:"channel"`
	Recipient   json.RawMessage `json:"recipient"`
	Content     json.RawMessage `json:"content"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	CustomerID  string          `json:"customer_id"`
}

// MessageResponse is returned after enqueueing a message
type MessageResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
}

// SendResponse is returned by the direct-send endpoints.
type SendResponse struct {
	Sent bool `json:"sent"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        MessageRepository
	idempotency *redis.IdempotencyService // nil if Redis not configured
	senders     *sender.Registry          // nil disables direct-send endpoints
	reporter    *report.Reporter
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo MessageRepository, reporter *report.Reporter) *Handler {
	return &Handler{
		logger:   logger,
		repo:     repo,
		reporter: reporter,
	}
}

// WithIdempotency enables idempotent enqueue via Redis.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithSenders enables the synchronous direct-send endpoints.
func (h *Handler) WithSenders(reg *sender.Registry) *Handler {
	h.senders = reg
	return h
}

// EnqueueMessage handles POST /v1/messages
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	channel := store.Channel(req.Channel)
	if !channel.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be whatsapp, email, or sms")
		return
	}

	if err := sender.ValidatePayload(channel, req.Recipient, req.Content); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", err.Error())
		return
	}

	priority := req.Priority
	if priority == 0 {
		priority = 5
	}
	if priority < 1 || priority > 9 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority", "priority must be between 1 and 9")
		return
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	if maxAttempts < 1 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid max_attempts", "max_attempts must be >= 1")
		return
	}

	// Check idempotency if key provided
	scope := req.CustomerID
	if scope == "" {
		scope = "anonymous"
	}
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := MessageResponse{ID: cachedResult.MessageID, Status: store.StatusQueued, Priority: priority}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	msg := &store.QueuedMessage{
		ID:          uuid.New(),
		Channel:     channel,
		Recipient:   req.Recipient,
		Content:     req.Content,
		Priority:    priority,
		Status:      store.StatusQueued,
		MaxAttempts: maxAttempts,
	}

	if err := h.repo.Enqueue(ctx, msg); err != nil {
		h.logger.Error("failed to enqueue message",
			zap.Error(err),
			zap.String("channel", req.Channel),
			zap.Int("priority", priority),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue message", "")
		return
	}

	metrics.RecordEnqueued(string(channel), priority)

	h.logger.Info("message enqueued",
		zap.String("id", msg.ID.String()),
		zap.String("channel", req.Channel),
		zap.Int("priority", priority),
	)

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.EnqueueResult{
			MessageID:  msg.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	resp := MessageResponse{
		ID:       msg.ID.String(),
		Status:   msg.Status,
		Priority: msg.Priority,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetMessage handles GET /v1/messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	msgID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	status, err := h.repo.GetMessageStatus(ctx, msgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
			return
		}
		h.logger.Error("failed to get message status",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get message", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}

// DirectSend handles POST /v1/send/{channel}. The message bypasses the queue
// and is sent synchronously; the outcome is still logged to delivery_status.
func (h *Handler) DirectSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channel := store.Channel(chi.URLParam(r, "channel"))
	if !channel.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be whatsapp, email, or sms")
		return
	}

	if h.senders == nil {
		h.writeError(w, http.StatusServiceUnavailable, "not_configured", "Direct send not available", "")
		return
	}

	var req struct {
		Recipient json.RawMessage `json:"recipient"`
		Content   json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := sender.ValidatePayload(channel, req.Recipient, req.Content); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", err.Error())
		return
	}

	snd, err := h.senders.ForChannel(channel)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "not_configured", "No sender for channel", err.Error())
		return
	}

	msg := &store.QueuedMessage{
		ID:        uuid.New(),
		Channel:   channel,
		Recipient: req.Recipient,
		Content:   req.Content,
		Priority:  5,
	}

	start := time.Now()
	sendErr := snd.Send(ctx, msg)
	metrics.ObserveSendDuration(string(channel), time.Since(start))

	h.recordDirectSend(ctx, msg, sendErr)

	if sendErr != nil {
		h.logger.Warn("direct send failed",
			zap.Error(sendErr),
			zap.String("channel", string(channel)),
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(SendResponse{Sent: false})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(SendResponse{Sent: true})
}

// recordDirectSend logs the outcome of a synchronous send. Failures here are
// logged but never surfaced: the send already happened.
func (h *Handler) recordDirectSend(ctx context.Context, msg *store.QueuedMessage, sendErr error) {
	now := time.Now()
	rec := &store.DeliveryStatusRecord{
		MessageID: msg.ID,
		Channel:   msg.Channel,
		Recipient: sender.AddressOf(msg.Channel, msg.Recipient),
		Attempts:  1,
	}
	if sendErr != nil {
		rec.Status = store.DeliveryFailed
		errStr := sendErr.Error()
		rec.Error = &errStr
	} else {
		rec.Status = store.DeliverySent
		rec.SentAt = &now
	}

	if err := h.repo.AppendDeliveryStatus(ctx, rec); err != nil {
		h.logger.Warn("failed to record direct send outcome",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return
	}
	metrics.RecordDeliveryStatusWrite(rec.Status)
}

// DeliveryReport handles GET /v1/reports/delivery?start=...&end=...
// Timestamps are RFC 3339; the window defaults to the last 24 hours.
func (h *Handler) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	end := time.Now()
	start := end.Add(-24 * time.Hour)

	if s := r.URL.Query().Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid start", "start must be an RFC 3339 timestamp")
			return
		}
		start = t
	}

	if s := r.URL.Query().Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid end", "end must be an RFC 3339 timestamp")
			return
		}
		end = t
	}

	if end.Before(start) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid window", "end must not be before start")
		return
	}

	rep, err := h.reporter.DeliveryReport(ctx, start, end)
	if err != nil {
		h.logger.Error("failed to build delivery report", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to build delivery report", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rep)
}

// ListTemplates handles GET /v1/templates?channel=email
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var channel store.Channel
	if c := r.URL.Query().Get("channel"); c != "" {
		channel = store.Channel(c)
		if !channel.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be whatsapp, email, or sms")
			return
		}
	}

	templates, err := h.repo.ListTemplates(ctx, channel)
	if err != nil {
		h.logger.Error("failed to list templates", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list templates", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  templates,
		"count": len(templates),
	})
}

// UpdatePreferences handles PUT /v1/preferences/{customer_id}
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "customer_id")
	customerID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid customer ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		WhatsApp  bool `json:"whatsapp"`
		Email     bool `json:"email"`
		SMS       bool `json:"sms"`
		Marketing bool `json:"marketing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	prefs := &store.Preferences{
		CustomerID: customerID,
		WhatsApp:   req.WhatsApp,
		Email:      req.Email,
		SMS:        req.SMS,
		Marketing:  req.Marketing,
	}

	if err := h.repo.UpsertPreferences(ctx, prefs); err != nil {
		h.logger.Error("failed to update preferences",
			zap.Error(err),
			zap.String("customer_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update preferences", "")
		return
	}

	h.logger.Info("preferences updated", zap.String("customer_id", idStr))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(prefs)
}

// ListDeadLetterQueue handles GET /v1/dlq?limit=20&offset=0
func (h *Handler) ListDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	dlqItems, err := h.repo.ListDeadLetters(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letter queue", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letter queue", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   dlqItems,
		"limit":  limit,
		"offset": offset,
		"count":  len(dlqItems),
	})
}

// GetDeadLetterItem handles GET /v1/dlq/{id}
func (h *Handler) GetDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	dlqID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return
	}

	dlqItem, err := h.repo.GetDeadLetter(ctx, dlqID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
			return
		}
		h.logger.Error("failed to get dead letter item",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get dead letter item", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(dlqItem)
}

// RetryDeadLetterItem handles POST /v1/dlq/{id}/retry
func (h *Handler) RetryDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	dlqID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return
	}

	// Retry enqueues a fresh message built from the DLQ item
	newMsg, err := h.repo.RetryDeadLetter(ctx, dlqID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
			return
		}
		h.logger.Error("failed to retry dead letter item",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to retry dead letter item", "")
		return
	}

	h.logger.Info("dead letter item retried",
		zap.String("dlq_id", idStr),
		zap.String("new_message_id", newMsg.ID.String()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":             idStr,
		"status":         store.DLQStatusRetried,
		"new_message_id": newMsg.ID.String(),
	})
}

// DiscardDeadLetterItem handles POST /v1/dlq/{id}/discard
func (h *Handler) DiscardDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	dlqID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.DiscardDeadLetter(ctx, dlqID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
			return
		}
		h.logger.Error("failed to discard dead letter item",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to discard dead letter item", "")
		return
	}

	h.logger.Info("dead letter item discarded", zap.String("id", idStr))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": store.DLQStatusDiscarded,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
