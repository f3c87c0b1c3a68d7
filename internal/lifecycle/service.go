// Package lifecycle runs the template approval state machine: drafts are
// validated and submitted to the provider, provider outcomes move them to
// approved or rejected, and approving a new version supersedes the one it
// replaced.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/audit"
	"github.com/lalithlochan/stencil/internal/db"
	"github.com/lalithlochan/stencil/internal/domain"
	"github.com/lalithlochan/stencil/internal/metrics"
	"github.com/lalithlochan/stencil/internal/placeholder"
	"github.com/lalithlochan/stencil/internal/provider"
	"github.com/lalithlochan/stencil/internal/retry"
)

// Repository is the persistence the lifecycle needs. *db.Repository
// satisfies it.
type Repository interface {
	CreateTemplate(ctx context.Context, t *db.Template, reason *string) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	ListTemplatesByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Template, error)
	ApplyTransitions(ctx context.Context, changes []db.TemplateChange) error
	RecordSubmission(ctx context.Context, id uuid.UUID, providerTemplateID, lastError *string) error
	IsTemplateInUse(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteTemplate(ctx context.Context, id uuid.UUID, expectedStatus string) error
	ListHistory(ctx context.Context, templateID uuid.UUID) ([]*db.StatusHistory, error)
}

// Auditor receives lifecycle events. *audit.Dispatcher satisfies it.
type Auditor interface {
	Send(event audit.Event)
}

// ReconcileQueue schedules a later pass over a template whose submission
// could not finish. *sqs.Producer satisfies it.
type ReconcileQueue interface {
	EnqueueReconcile(ctx context.Context, t *db.Template, reason string) (string, error)
}

// Content is the editable part of a template.
type Content struct {
	BodyText string `json:"body_text"`
	Category string `json:"category"`
	Language string `json:"language"`
}

// NewTemplate is the input for CreateDraft.
type NewTemplate struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Name     string    `json:"name"`
	Content
}

// Config tunes a Service.
type Config struct {
	// Retry applies to every provider call. Zero fields use the executor
	// defaults.
	Retry retry.Options

	// Queue is optional. Without it, templates left Pending are only picked
	// up by the periodic reconciler.
	Queue ReconcileQueue
}

// Service implements the template lifecycle.
type Service struct {
	repo     Repository
	provider provider.API
	executor *retry.Executor
	audit    Auditor
	config   Config
	logger   *zap.Logger
}

// NewService creates a Service. api is normally a
// *circuitbreaker.ProtectedProvider so retries never hammer an open breaker.
func NewService(repo Repository, api provider.API, executor *retry.Executor, auditor Auditor, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		provider: api,
		executor: executor,
		audit:    auditor,
		config:   cfg,
		logger:   logger,
	}
}

// ValidatePlaceholders checks body against the placeholder grammar.
func (s *Service) ValidatePlaceholders(body string) []placeholder.Issue {
	return placeholder.Validate(body)
}

// Get returns a template by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	return s.repo.GetTemplate(ctx, id)
}

// List returns a tenant's templates, newest first.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Template, error) {
	return s.repo.ListTemplatesByTenant(ctx, tenantID, limit, offset)
}

// CreateDraft stores a new version-1 template in Draft. The placeholder
// grammar is not enforced until submit.
func (s *Service) CreateDraft(ctx context.Context, in NewTemplate) (*db.Template, error) {
	var fields []domain.FieldError
	if in.TenantID == uuid.Nil {
		fields = append(fields, domain.FieldError{Field: "tenant_id", Code: "REQUIRED", Message: "tenant_id is required"})
	}
	if strings.TrimSpace(in.Name) == "" {
		fields = append(fields, domain.FieldError{Field: "name", Code: "REQUIRED", Message: "name is required"})
	}
	fields = append(fields, contentErrors(in.Content)...)
	if len(fields) > 0 {
		return nil, &domain.ValidationError{Message: "invalid template", Fields: fields}
	}

	t := &db.Template{
		ID:       uuid.New(),
		TenantID: in.TenantID,
		Name:     strings.TrimSpace(in.Name),
		BodyText: in.BodyText,
		Category: in.Category,
		Language: in.Language,
		Status:   db.StatusDraft,
		Version:  1,
	}
	if err := s.create(ctx, t, nil); err != nil {
		return nil, err
	}
	return t, nil
}

// SubmitTemplate validates a Draft, moves it to Pending and sends it to the
// provider.
//
// A definitive provider rejection is not an error: the template comes back
// Rejected. If the provider stays unreachable after retries, or its breaker
// is open, the template stays Pending with the failure recorded, a
// reconciliation pass is queued and the error is returned.
func (s *Service) SubmitTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.Status != db.StatusDraft {
		return nil, statusError(t, "only draft templates can be submitted")
	}

	if issues := placeholder.Validate(t.BodyText); len(issues) > 0 {
		return nil, grammarError(issues)
	}

	change, err := transition(t, db.StatusPending, nil)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, change); err != nil {
		return nil, err
	}

	return s.submit(ctx, change.Template, true)
}

// submit sends a Pending template to the provider and applies the answer.
func (s *Service) submit(ctx context.Context, t *db.Template, enqueue bool) (*db.Template, error) {
	req := &provider.SubmitRequest{
		TemplateID: t.ID.String(),
		TenantID:   t.TenantID.String(),
		Name:       t.Name,
		BodyText:   t.BodyText,
		Category:   t.Category,
		Language:   t.Language,
		Version:    t.Version,
	}

	res, err := retry.Execute(ctx, s.executor, s.retryContext("provider.submit", t), s.retryOptions(t),
		func(ctx context.Context) (*provider.Result, error) {
			return s.provider.Submit(ctx, req)
		})
	if err != nil {
		return s.submitFailed(ctx, t, err, enqueue)
	}

	if err := s.recordProviderID(ctx, t, res.ProviderTemplateID); err != nil {
		return nil, err
	}
	t.ProviderTemplateID = &res.ProviderTemplateID
	t.LastError = nil

	s.logger.Info("template submitted",
		zap.String("template_id", t.ID.String()),
		zap.String("provider_template_id", res.ProviderTemplateID),
		zap.String("provider_status", string(res.Status)),
	)

	return s.applyOutcome(ctx, t, res)
}

// recordProviderID stores the id the provider assigned. Without it the next
// reconcile would submit the template again, so the write outlives the
// caller's context and is retried.
func (s *Service) recordProviderID(ctx context.Context, t *db.Template, providerID string) error {
	_, err := retry.Execute(context.WithoutCancel(ctx), s.executor, s.retryContext("db.record_submission", t), retry.Options{
		Classifier: func(err error) bool { return !errors.Is(err, domain.ErrNotFound) },
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.repo.RecordSubmission(ctx, t.ID, &providerID, nil)
	})
	if err != nil {
		s.logger.Error("failed to record provider template id",
			zap.String("template_id", t.ID.String()),
			zap.String("provider_template_id", providerID),
			zap.Error(err),
		)
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// submitFailed handles a submit that did not get an answer. A definitive
// rejection moves the template to Rejected; anything else leaves it Pending.
func (s *Service) submitFailed(ctx context.Context, t *db.Template, err error, enqueue bool) (*db.Template, error) {
	var rejected *domain.ProviderRejectedError
	if errors.As(err, &rejected) {
		if rejected.ProviderTemplateID != "" {
			t.ProviderTemplateID = &rejected.ProviderTemplateID
		}
		return s.reject(ctx, t, rejected.Reason)
	}
	return s.leavePending(ctx, t, "submit", err, enqueue)
}

// leavePending records err as the template's last error and returns it.
func (s *Service) leavePending(ctx context.Context, t *db.Template, op string, err error, enqueue bool) (*db.Template, error) {
	// Bookkeeping must survive a caller that gave up.
	bg := context.WithoutCancel(ctx)
	msg := err.Error()
	t.LastError = &msg

	if recErr := s.repo.RecordSubmission(bg, t.ID, nil, &msg); recErr != nil {
		s.logger.Error("failed to record submission failure",
			zap.String("template_id", t.ID.String()),
			zap.Error(recErr),
		)
	}

	if enqueue && s.config.Queue != nil {
		if _, qErr := s.config.Queue.EnqueueReconcile(bg, t, msg); qErr != nil {
			s.logger.Error("failed to enqueue reconciliation",
				zap.String("template_id", t.ID.String()),
				zap.Error(qErr),
			)
		}
	}

	s.logger.Warn("template left pending",
		zap.String("template_id", t.ID.String()),
		zap.String("op", op),
		zap.Error(err),
	)
	return nil, fmt.Errorf("%s template %s: %w", op, t.ID, err)
}

// applyOutcome moves a Pending template according to a provider answer.
func (s *Service) applyOutcome(ctx context.Context, t *db.Template, res *provider.Result) (*db.Template, error) {
	switch res.Status {
	case provider.StatusApproved:
		return s.approve(ctx, t)
	case provider.StatusRejected:
		return s.reject(ctx, t, res.RejectionReason)
	default:
		return t, nil
	}
}

// MarkApproved records the provider's approval of a Pending template. An
// already Approved template is returned unchanged so repeated callbacks are
// harmless.
func (s *Service) MarkApproved(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == db.StatusApproved {
		return t, nil
	}
	return s.approve(ctx, t)
}

// MarkRejected records the provider's rejection of a Pending template.
func (s *Service) MarkRejected(ctx context.Context, id uuid.UUID, reason string) (*db.Template, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == db.StatusRejected {
		return t, nil
	}
	return s.reject(ctx, t, reason)
}

// approve moves t to Approved and, in the same unit of work, supersedes the
// Approved version it was edited from.
func (s *Service) approve(ctx context.Context, t *db.Template) (*db.Template, error) {
	var changes []db.TemplateChange

	if t.ParentTemplateID != nil {
		parent, err := s.repo.GetTemplate(ctx, *t.ParentTemplateID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("load parent template: %w", err)
		}
		if parent != nil && parent.Status == db.StatusApproved {
			reason := fmt.Sprintf("superseded by version %d", t.Version)
			change, err := transition(parent, db.StatusSuperseded, &reason)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change)
		}
	}

	change, err := transition(t, db.StatusApproved, nil)
	if err != nil {
		return nil, err
	}
	approved := change.Template
	approved.RejectionReason = nil
	approved.LastError = nil
	changes = append(changes, change)

	if err := s.apply(ctx, changes...); err != nil {
		return nil, err
	}
	return approved, nil
}

func (s *Service) reject(ctx context.Context, t *db.Template, reason string) (*db.Template, error) {
	if reason == "" {
		reason = "rejected by provider"
	}

	change, err := transition(t, db.StatusRejected, &reason)
	if err != nil {
		return nil, err
	}
	rejected := change.Template
	rejected.RejectionReason = &reason
	rejected.LastError = nil

	if err := s.apply(ctx, change); err != nil {
		return nil, err
	}
	return rejected, nil
}

// Edit creates a new Draft from an Approved or Rejected template.
func (s *Service) Edit(ctx context.Context, id uuid.UUID, c Content) (*db.Template, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case db.StatusApproved:
		return s.editApproved(ctx, t, c)
	case db.StatusRejected:
		return s.editRejected(ctx, t, c)
	default:
		return nil, statusError(t, "only approved or rejected templates can be edited")
	}
}

// EditApprovedTemplate creates the next version of an Approved template as
// a new Draft. The original stays Approved until the new version is.
func (s *Service) EditApprovedTemplate(ctx context.Context, id uuid.UUID, c Content) (*db.Template, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != db.StatusApproved {
		return nil, statusError(t, "template is not approved")
	}
	return s.editApproved(ctx, t, c)
}

// EditRejectedTemplate creates a new Draft to retry a Rejected template. The
// version and lineage parent carry over.
func (s *Service) EditRejectedTemplate(ctx context.Context, id uuid.UUID, c Content) (*db.Template, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != db.StatusRejected {
		return nil, statusError(t, "template is not rejected")
	}
	return s.editRejected(ctx, t, c)
}

func (s *Service) editApproved(ctx context.Context, parent *db.Template, c Content) (*db.Template, error) {
	parentID := parent.ID
	reason := fmt.Sprintf("edit of version %d", parent.Version)
	return s.derive(ctx, parent, c, parent.Version+1, &parentID, &reason)
}

func (s *Service) editRejected(ctx context.Context, rejected *db.Template, c Content) (*db.Template, error) {
	reason := fmt.Sprintf("resubmission of rejected template %s", rejected.ID)
	return s.derive(ctx, rejected, c, rejected.Version, rejected.ParentTemplateID, &reason)
}

func (s *Service) derive(ctx context.Context, from *db.Template, c Content, version int, parentID *uuid.UUID, reason *string) (*db.Template, error) {
	if c.Category == "" {
		c.Category = from.Category
	}
	if c.Language == "" {
		c.Language = from.Language
	}
	if fields := contentErrors(c); len(fields) > 0 {
		return nil, &domain.ValidationError{Message: "invalid template", Fields: fields}
	}

	t := &db.Template{
		ID:               uuid.New(),
		TenantID:         from.TenantID,
		Name:             from.Name,
		BodyText:         c.BodyText,
		Category:         c.Category,
		Language:         c.Language,
		Status:           db.StatusDraft,
		Version:          version,
		ParentTemplateID: parentID,
	}
	if err := s.create(ctx, t, reason); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) create(ctx context.Context, t *db.Template, reason *string) error {
	if err := s.repo.CreateTemplate(ctx, t, reason); err != nil {
		if errors.Is(err, db.ErrDuplicateTemplate) {
			return fmt.Errorf("template %q already has a draft or pending version: %w", t.Name, err)
		}
		return err
	}

	metrics.RecordTransition("", db.StatusDraft)
	s.audit.Send(audit.Event{
		Type:       audit.EventTemplateCreated,
		TenantID:   t.TenantID.String(),
		TemplateID: t.ID.String(),
		Name:       t.Name,
		Version:    t.Version,
		ToStatus:   t.Status,
		Reason:     deref(reason),
	})
	return nil
}

// Reconcile finishes a Pending template: it is submitted if the provider
// never accepted it, otherwise polled. Templates in any other status are
// returned unchanged.
func (s *Service) Reconcile(ctx context.Context, t *db.Template) (*db.Template, error) {
	if t.Status != db.StatusPending {
		return t, nil
	}

	if t.ProviderTemplateID == nil || *t.ProviderTemplateID == "" {
		return s.submit(ctx, t, false)
	}

	providerID := *t.ProviderTemplateID
	res, err := retry.Execute(ctx, s.executor, s.retryContext("provider.poll", t), s.retryOptions(t),
		func(ctx context.Context) (*provider.Result, error) {
			return s.provider.Poll(ctx, providerID)
		})
	if err != nil {
		// Only an answered poll can reject; a failed lookup leaves it Pending.
		return s.leavePending(ctx, t, "poll", err, false)
	}

	return s.applyOutcome(ctx, t, res)
}

// ReconcileByID loads a template and reconciles it.
func (s *Service) ReconcileByID(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Reconcile(ctx, t)
}

// DeleteTemplate removes a Draft or Rejected template that no active
// campaign uses.
func (s *Service) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return err
	}

	if !Deletable(t.Status) {
		return &domain.TemplateInUseError{
			TemplateID: t.ID.String(),
			Reason:     fmt.Sprintf("templates in status %s cannot be deleted", t.Status),
		}
	}

	inUse, err := s.repo.IsTemplateInUse(ctx, id)
	if err != nil {
		return err
	}
	if inUse {
		return &domain.TemplateInUseError{
			TemplateID: t.ID.String(),
			Reason:     "referenced by an active campaign",
		}
	}

	if err := s.repo.DeleteTemplate(ctx, id, t.Status); err != nil {
		return err
	}

	s.audit.Send(audit.Event{
		Type:       audit.EventTemplateDeleted,
		TenantID:   t.TenantID.String(),
		TemplateID: t.ID.String(),
		Name:       t.Name,
		Version:    t.Version,
		FromStatus: t.Status,
	})
	return nil
}

// History returns a template's status history, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*db.StatusHistory, error) {
	if _, err := s.repo.GetTemplate(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, id)
}

// apply persists changes in one unit of work, then records them.
func (s *Service) apply(ctx context.Context, changes ...db.TemplateChange) error {
	if err := s.repo.ApplyTransitions(ctx, changes); err != nil {
		return fmt.Errorf("apply transitions: %w", err)
	}

	for _, c := range changes {
		t := c.Template
		metrics.RecordTransition(c.From, t.Status)

		s.logger.Info("template status changed",
			zap.String("template_id", t.ID.String()),
			zap.String("from", c.From),
			zap.String("to", t.Status),
			zap.Int("version", t.Version),
		)

		s.audit.Send(audit.Event{
			Type:       audit.EventTemplateStatusChanged,
			TenantID:   t.TenantID.String(),
			TemplateID: t.ID.String(),
			Name:       t.Name,
			Version:    t.Version,
			FromStatus: c.From,
			ToStatus:   t.Status,
			Reason:     deref(c.Reason),
		})
	}
	return nil
}

func (s *Service) retryContext(op string, t *db.Template) retry.Context {
	return retry.Context{OperationName: op, TenantID: t.TenantID.String()}
}

func (s *Service) retryOptions(t *db.Template) retry.Options {
	opts := s.config.Retry
	opts.OnRetry = func(attempt int, err error) {
		s.logger.Warn("provider call failed, retrying",
			zap.String("template_id", t.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return opts
}

// transition builds the change moving t to status to, after checking the
// transition table. The change carries a copy; t keeps its stored status
// until the caller adopts the copy after a successful apply.
func transition(t *db.Template, to string, reason *string) (db.TemplateChange, error) {
	from := t.Status
	if !CanTransition(from, to) {
		return db.TemplateChange{}, &domain.ValidationError{
			Message: fmt.Sprintf("cannot move template from %s to %s", from, to),
			Fields: []domain.FieldError{{
				Field:   "status",
				Code:    "INVALID_TRANSITION",
				Message: fmt.Sprintf("template %s is %s", t.ID, from),
			}},
		}
	}
	next := *t
	next.Status = to
	return db.TemplateChange{Template: &next, From: from, Reason: reason}, nil
}

func statusError(t *db.Template, msg string) error {
	return &domain.ValidationError{
		Message: msg,
		Fields: []domain.FieldError{{
			Field:   "status",
			Code:    "INVALID_STATUS",
			Message: fmt.Sprintf("template %s is %s", t.ID, t.Status),
		}},
	}
}

func grammarError(issues []placeholder.Issue) error {
	fields := make([]domain.FieldError, 0, len(issues))
	for _, is := range issues {
		metrics.RecordValidationFailure(string(is.Code))
		fields = append(fields, domain.FieldError{Field: "body_text", Code: string(is.Code), Message: is.Message})
	}
	return &domain.ValidationError{Message: "template body has invalid placeholders", Fields: fields}
}

func contentErrors(c Content) []domain.FieldError {
	var fields []domain.FieldError
	if strings.TrimSpace(c.BodyText) == "" {
		fields = append(fields, domain.FieldError{Field: "body_text", Code: "REQUIRED", Message: "body_text is required"})
	}
	if c.Category == "" {
		fields = append(fields, domain.FieldError{Field: "category", Code: "REQUIRED", Message: "category is required"})
	}
	if c.Language == "" {
		fields = append(fields, domain.FieldError{Field: "language", Code: "REQUIRED", Message: "language is required"})
	}
	return fields
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
