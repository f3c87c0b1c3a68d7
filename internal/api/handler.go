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

	"github.com/lalithlochan/stencil/internal/circuitbreaker"
	"github.com/lalithlochan/stencil/internal/db"
	"github.com/lalithlochan/stencil/internal/lifecycle"
	"github.com/lalithlochan/stencil/internal/metrics"
	"github.com/lalithlochan/stencil/internal/placeholder"
	"github.com/lalithlochan/stencil/internal/provider"
	"github.com/lalithlochan/stencil/internal/redis"
)

// TemplateService is the lifecycle surface the API exposes.
// *lifecycle.Service satisfies it.
type TemplateService interface {
	ValidatePlaceholders(body string) []placeholder.Issue
	CreateDraft(ctx context.Context, in lifecycle.NewTemplate) (*db.Template, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Template, error)
	List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Template, error)
	SubmitTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	Edit(ctx context.Context, id uuid.UUID, c lifecycle.Content) (*db.Template, error)
	MarkApproved(ctx context.Context, id uuid.UUID) (*db.Template, error)
	MarkRejected(ctx context.Context, id uuid.UUID, reason string) (*db.Template, error)
	DeleteTemplate(ctx context.Context, id uuid.UUID) error
	History(ctx context.Context, id uuid.UUID) ([]*db.StatusHistory, error)
}

// BreakerRegistry is satisfied by *circuitbreaker.Registry.
type BreakerRegistry interface {
	All() []*circuitbreaker.CircuitBreaker
	Reset(name string) error
}

// ValidateRequest is the body of POST /v1/templates/validate.
type ValidateRequest struct {
	BodyText     string   `json:"body_text"`
	SampleValues []string `json:"sample_values,omitempty"`
}

// ValidateResponse lists grammar issues and, when sample values were given
// for a valid body, the rendered preview.
type ValidateResponse struct {
	Valid        bool                `json:"valid"`
	Placeholders []int               `json:"placeholders"`
	Issues       []placeholder.Issue `json:"issues"`
	Preview      string              `json:"preview,omitempty"`
}

// CallbackRequest is a provider status push.
type CallbackRequest struct {
	ExternalRef        string `json:"external_ref"`
	ProviderTemplateID string `json:"id"`
	Status             string `json:"status"`
	RejectionReason    string `json:"rejection_reason,omitempty"`
}

// HistoryResponse is a template's transitions plus time spent per status,
// in seconds.
type HistoryResponse struct {
	Data         []*db.StatusHistory `json:"data"`
	TimeInStatus map[string]float64  `json:"time_in_status"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger         *zap.Logger
	templates      TemplateService
	breakers       BreakerRegistry
	idempotency    *redis.IdempotencyService // nil if Redis not configured
	idempotencyTTL time.Duration
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, templates TemplateService, breakers BreakerRegistry) *Handler {
	return &Handler{
		logger:    logger,
		templates: templates,
		breakers:  breakers,
	}
}

// NewHandlerWithIdempotency creates a handler that deduplicates submits
// carrying an Idempotency-Key header.
func NewHandlerWithIdempotency(logger *zap.Logger, templates TemplateService, breakers BreakerRegistry, idempotency *redis.IdempotencyService, ttl time.Duration) *Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	h := NewHandler(logger, templates, breakers)
	h.idempotency = idempotency
	h.idempotencyTTL = ttl
	return h
}

// Routes registers the v1 API on r.
func (h *Handler) Routes(r chi.Router, callbackToken string) {
	r.Post("/templates/validate", h.ValidatePlaceholders)
	r.Post("/templates", h.CreateTemplate)
	r.Get("/templates", h.ListTemplates)
	r.Get("/templates/{id}", h.GetTemplate)
	r.Post("/templates/{id}/submit", h.SubmitTemplate)
	r.Post("/templates/{id}/edit", h.EditTemplate)
	r.Delete("/templates/{id}", h.DeleteTemplate)
	r.Get("/templates/{id}/history", h.GetHistory)

	r.With(CallbackAuth(callbackToken)).Post("/provider/callback", h.ProviderCallback)

	r.Get("/breakers", h.ListBreakers)
	r.Post("/breakers/{name}/reset", h.ResetBreaker)
}

// ValidatePlaceholders handles POST /v1/templates/validate
func (h *Handler) ValidatePlaceholders(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	issues := h.templates.ValidatePlaceholders(req.BodyText)
	resp := ValidateResponse{
		Valid:        len(issues) == 0,
		Placeholders: placeholder.Extract(req.BodyText),
		Issues:       issues,
	}
	if resp.Placeholders == nil {
		resp.Placeholders = []int{}
	}
	if resp.Issues == nil {
		resp.Issues = []placeholder.Issue{}
	}

	if resp.Valid && len(req.SampleValues) > 0 {
		preview, err := placeholder.Render(req.BodyText, req.SampleValues)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Not enough sample values", err.Error())
			return
		}
		resp.Preview = preview
	}

	writeJSON(w, http.StatusOK, resp)
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Name     string `json:"name"`
		lifecycle.Content
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	t, err := h.templates.CreateDraft(r.Context(), lifecycle.NewTemplate{
		TenantID: tenantID,
		Name:     req.Name,
		Content:  req.Content,
	})
	if err != nil {
		h.writeDomainError(w, err, "failed to create template", zap.String("tenant_id", req.TenantID))
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// GetTemplate handles GET /v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}

	t, err := h.templates.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "failed to get template", zap.String("template_id", id.String()))
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// ListTemplates handles GET /v1/templates?tenant_id=xxx&limit=20&offset=0
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	tenantIDStr := r.URL.Query().Get("tenant_id")
	if tenantIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

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

	templates, err := h.templates.List(r.Context(), tenantID, limit, offset)
	if err != nil {
		h.writeDomainError(w, err, "failed to list templates", zap.String("tenant_id", tenantIDStr))
		return
	}
	if templates == nil {
		templates = []*db.Template{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   templates,
		"limit":  limit,
		"offset": offset,
		"count":  len(templates),
	})
}

// SubmitTemplate handles POST /v1/templates/{id}/submit
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SubmitTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.templateID(w, r)
	if !ok {
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	useIdempotency := idempotencyKey != "" && h.idempotency != nil
	scope := idempotencyScope(r, id)

	if useIdempotency {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
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
			useIdempotency = false
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	t, err := h.templates.SubmitTemplate(ctx, id)
	if err != nil {
		if useIdempotency {
			// Only successful submits are replayed; a failed one may be retried.
			if relErr := h.idempotency.Release(context.WithoutCancel(ctx), scope, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		h.writeDomainError(w, err, "failed to submit template", zap.String("template_id", id.String()))
		return
	}

	body, err := json.Marshal(t)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode template", "")
		return
	}

	if useIdempotency {
		result := &redis.IdempotencyResult{
			TemplateID: t.ID.String(),
			Status:     t.Status,
			StatusCode: http.StatusOK,
			Body:       body,
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result, h.idempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// EditTemplate handles POST /v1/templates/{id}/edit. Approved templates get
// a new version; rejected ones get a fresh draft at the same version.
func (h *Handler) EditTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}

	var req lifecycle.Content
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	t, err := h.templates.Edit(r.Context(), id, req)
	if err != nil {
		h.writeDomainError(w, err, "failed to edit template", zap.String("template_id", id.String()))
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// DeleteTemplate handles DELETE /v1/templates/{id}
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}

	if err := h.templates.DeleteTemplate(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "failed to delete template", zap.String("template_id", id.String()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetHistory handles GET /v1/templates/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}

	history, err := h.templates.History(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "failed to load history", zap.String("template_id", id.String()))
		return
	}
	if history == nil {
		history = []*db.StatusHistory{}
	}

	durations := lifecycle.TimeInStatus(history, time.Now())
	resp := HistoryResponse{
		Data:         history,
		TimeInStatus: make(map[string]float64, len(durations)),
	}
	for status, d := range durations {
		resp.TimeInStatus[status] = d.Seconds()
	}

	writeJSON(w, http.StatusOK, resp)
}

// ProviderCallback handles POST /v1/provider/callback
func (h *Handler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	id, err := uuid.Parse(req.ExternalRef)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid external_ref", "external_ref must be a template UUID")
		return
	}

	var t *db.Template
	switch provider.Status(req.Status) {
	case provider.StatusApproved:
		t, err = h.templates.MarkApproved(r.Context(), id)
	case provider.StatusRejected:
		t, err = h.templates.MarkRejected(r.Context(), id, req.RejectionReason)
	case provider.StatusPending:
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be pending, approved or rejected")
		return
	}
	if err != nil {
		h.writeDomainError(w, err, "failed to apply provider callback",
			zap.String("template_id", id.String()),
			zap.String("provider_status", req.Status),
		)
		return
	}

	h.logger.Info("provider callback applied",
		zap.String("template_id", id.String()),
		zap.String("provider_template_id", req.ProviderTemplateID),
		zap.String("status", t.Status),
	)

	writeJSON(w, http.StatusOK, t)
}

// ListBreakers handles GET /v1/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	breakers := h.breakers.All()
	stats := make([]circuitbreaker.Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  stats,
		"count": len(stats),
	})
}

// ResetBreaker handles POST /v1/breakers/{name}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.breakers.Reset(name); err != nil {
		h.writeDomainError(w, err, "failed to reset breaker", zap.String("breaker", name))
		return
	}

	h.logger.Warn("circuit breaker manually reset", zap.String("breaker", name))

	writeJSON(w, http.StatusOK, map[string]string{
		"name":  name,
		"state": circuitbreaker.StateClosed.String(),
	})
}

func (h *Handler) templateID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// idempotencyScope keys submits by tenant when the caller names one, and by
// template otherwise.
func idempotencyScope(r *http.Request, id uuid.UUID) string {
	if tenantID := r.Header.Get("X-Tenant-ID"); tenantID != "" {
		return tenantID
	}
	return id.String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
