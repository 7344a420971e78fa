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

	"github.com/lalithlochan/lynk/internal/db"
	"github.com/lalithlochan/lynk/internal/mail"
	"github.com/lalithlochan/lynk/internal/metrics"
	"github.com/lalithlochan/lynk/internal/newsletter"
	"github.com/lalithlochan/lynk/internal/redis"
)

// Repository defines the database operations the API needs
type Repository interface {
	CreateNewsletter(ctx context.Context, n *db.Newsletter) error
	GetNewsletter(ctx context.Context, id uuid.UUID) (*db.Newsletter, error)
	CreateUser(ctx context.Context, u *db.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	TouchLastLogin(ctx context.Context, id uuid.UUID) (*db.User, error)
	ListDeliveries(ctx context.Context, newsletterID uuid.UUID, limit, offset int) ([]*db.Delivery, error)
	DeliveryStats(ctx context.Context, newsletterID uuid.UUID) (*db.DeliveryStats, error)
}

// Broadcaster enqueues newsletter send jobs. Each call enqueues a single job
// and returns its id; fan-out to subscribers happens in the worker.
type Broadcaster interface {
	Broadcast(ctx context.Context, newsletterID uuid.UUID) (string, error)
	SendTest(ctx context.Context, newsletterID, userID uuid.UUID, email string) (string, error)
}

// UserHooks run after a user event is committed. They do not fail the request.
type UserHooks interface {
	Registered(ctx context.Context, u *db.User)
	LoggedIn(ctx context.Context, u *db.User)
}

// NewsletterRequest is the body of POST /v1/newsletters
type NewsletterRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendRequest is the optional body of POST /v1/newsletters/{id}/send.
// With TestEmail set, one copy rendered for UserID goes to TestEmail.
type SendRequest struct {
	TestEmail string `json:"test_email,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// SendResponse is returned once the send is enqueued
type SendResponse struct {
	NewsletterID string `json:"newsletter_id"`
	JobID        string `json:"job_id"`
	Test         bool   `json:"test,omitempty"`
}

// UserRequest is the body of POST /v1/users
type UserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
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
	repo        Repository
	broadcaster Broadcaster
	hooks       UserHooks
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, broadcaster Broadcaster, hooks UserHooks) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		broadcaster: broadcaster,
		hooks:       hooks,
	}
}

// NewHandlerWithIdempotency creates a handler that honours Idempotency-Key on sends
func NewHandlerWithIdempotency(logger *zap.Logger, repo Repository, broadcaster Broadcaster, hooks UserHooks, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, repo, broadcaster, hooks)
	h.idempotency = idempotency
	return h
}

// Routes registers the /v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/newsletters", h.CreateNewsletter)
	r.Get("/newsletters/{id}", h.GetNewsletter)
	r.Post("/newsletters/{id}/send", h.SendNewsletter)
	r.Get("/newsletters/{id}/deliveries", h.ListDeliveries)
	r.Post("/users", h.RegisterUser)
	r.Get("/users/{id}", h.GetUser)
	r.Post("/users/{id}/logins", h.RecordLogin)
}

// CreateNewsletter handles POST /v1/newsletters
func (h *Handler) CreateNewsletter(w http.ResponseWriter, r *http.Request) {
	var req NewsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Subject == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "subject and body are required")
		return
	}

	// reject bodies that would fail every send
	if err := newsletter.Validate(req.Body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid body template", err.Error())
		return
	}

	n := &db.Newsletter{
		ID:      uuid.New(),
		Subject: req.Subject,
		Body:    req.Body,
	}

	if err := h.repo.CreateNewsletter(r.Context(), n); err != nil {
		h.logger.Error("failed to create newsletter", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create newsletter", "")
		return
	}

	h.logger.Info("newsletter created", zap.String("id", n.ID.String()))
	writeJSON(w, http.StatusCreated, n)
}

// GetNewsletter handles GET /v1/newsletters/{id}
func (h *Handler) GetNewsletter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id", "newsletter")
	if !ok {
		return
	}

	n, err := h.repo.GetNewsletter(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, "newsletter", id)
		return
	}

	writeJSON(w, http.StatusOK, n)
}

// SendNewsletter handles POST /v1/newsletters/{id}/send
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SendNewsletter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r, "id", "newsletter")
	if !ok {
		return
	}

	var req SendRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	var testUserID uuid.UUID
	if req.TestEmail != "" {
		var err error
		if testUserID, err = uuid.Parse(req.UserID); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id",
				"a test send needs the user_id to render for")
			return
		}
		if _, err := mail.NormalizeAddress(req.TestEmail); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid test_email", err.Error())
			return
		}
	}

	if _, err := h.repo.GetNewsletter(ctx, id); err != nil {
		h.writeLookupError(w, err, "newsletter", id)
		return
	}

	scope := "send:" + id.String()
	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			reserved = true
		}
	}

	resp := SendResponse{NewsletterID: id.String(), Test: req.TestEmail != ""}
	var err error
	if resp.Test {
		resp.JobID, err = h.broadcaster.SendTest(ctx, id, testUserID, req.TestEmail)
	} else {
		resp.JobID, err = h.broadcaster.Broadcast(ctx, id)
	}

	// nothing was enqueued, so a retry with the same key is safe
	if err != nil {
		h.logger.Error("failed to enqueue newsletter",
			zap.Error(err),
			zap.String("newsletter_id", id.String()),
		)
		if reserved {
			if relErr := h.idempotency.Release(context.WithoutCancel(ctx), scope, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue newsletter", "")
		return
	}

	body, _ := json.Marshal(resp)

	if reserved {
		result := &redis.IdempotencyResult{
			ResourceID: id.String(),
			StatusCode: http.StatusAccepted,
			Body:       body,
			CreatedAt:  time.Now().Unix(),
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("newsletter send enqueued",
		zap.String("newsletter_id", id.String()),
		zap.String("job_id", resp.JobID),
		zap.Bool("test", resp.Test),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(body)
}

// ListDeliveries handles GET /v1/newsletters/{id}/deliveries?limit=50&offset=0
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r, "id", "newsletter")
	if !ok {
		return
	}

	// Parse pagination parameters with defaults
	limit := 50
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	if _, err := h.repo.GetNewsletter(ctx, id); err != nil {
		h.writeLookupError(w, err, "newsletter", id)
		return
	}

	deliveries, err := h.repo.ListDeliveries(ctx, id, limit, offset)
	if err != nil {
		h.logger.Error("failed to list deliveries", zap.Error(err), zap.String("newsletter_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	stats, err := h.repo.DeliveryStats(ctx, id)
	if err != nil {
		h.logger.Error("failed to load delivery stats", zap.Error(err), zap.String("newsletter_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load delivery stats", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   deliveries,
		"stats":  stats,
		"limit":  limit,
		"offset": offset,
		"count":  len(deliveries),
	})
}

// RegisterUser handles POST /v1/users
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	email, err := mail.NormalizeAddress(req.Email)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email", err.Error())
		return
	}

	u := &db.User{
		ID:    uuid.New(),
		Email: email,
		Name:  req.Name,
	}

	if err := h.repo.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, db.ErrDuplicateEmail) {
			h.writeError(w, http.StatusConflict, "duplicate_email", "Email already registered", "")
			return
		}
		h.logger.Error("failed to create user", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create user", "")
		return
	}

	h.hooks.Registered(r.Context(), u)

	h.logger.Info("user registered", zap.String("user_id", u.ID.String()))
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /v1/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id", "user")
	if !ok {
		return
	}

	u, err := h.repo.GetUser(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, "user", id)
		return
	}

	writeJSON(w, http.StatusOK, u)
}

// RecordLogin handles POST /v1/users/{id}/logins
func (h *Handler) RecordLogin(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id", "user")
	if !ok {
		return
	}

	u, err := h.repo.TouchLastLogin(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, "user", id)
		return
	}

	h.hooks.LoggedIn(r.Context(), u)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param, resource string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+resource+" ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, resource string, id uuid.UUID) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", resource+" not found", "")
		return
	}
	h.logger.Error("failed to load "+resource, zap.Error(err), zap.String("id", id.String()))
	h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load "+resource, "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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
