package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/domain"
)

var (
	// ErrConcurrentModification means a guarded update found the template in
	// a different status than expected.
	ErrConcurrentModification = errors.New("template was modified concurrently")

	// ErrDuplicateTemplate means the change would leave two in-progress or
	// two approved templates with the same tenant and name.
	ErrDuplicateTemplate = errors.New("a live template with this name already exists")
)

const uniqueViolation = "23505"

// Repository handles database operations for templates and their history
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new template repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const templateColumns = `
	id, tenant_id, name, body_text, category, language,
	status, version, parent_template_id, provider_template_id,
	rejection_reason, last_error, created_at, updated_at
`

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.Name,
		&t.BodyText,
		&t.Category,
		&t.Language,
		&t.Status,
		&t.Version,
		&t.ParentTemplateID,
		&t.ProviderTemplateID,
		&t.RejectionReason,
		&t.LastError,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateTemplate inserts a template and its creation history entry in one
// transaction.
func (r *Repository) CreateTemplate(ctx context.Context, t *Template, reason *string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO templates (
			id, tenant_id, name, body_text, category, language,
			status, version, parent_template_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		t.ID,
		t.TenantID,
		t.Name,
		t.BodyText,
		t.Category,
		t.Language,
		t.Status,
		t.Version,
		t.ParentTemplateID,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTemplate
		}
		r.logger.Error("failed to create template",
			zap.Error(err),
			zap.String("template_id", t.ID.String()),
		)
		return fmt.Errorf("insert template: %w", err)
	}

	if err := insertHistory(ctx, tx, t.ID, "", t.Status, reason); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("template created",
		zap.String("template_id", t.ID.String()),
		zap.String("tenant_id", t.TenantID.String()),
		zap.String("name", t.Name),
		zap.Int("version", t.Version),
	)

	return nil
}

// GetTemplate retrieves a template by ID
func (r *Repository) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`

	t, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get template",
			zap.Error(err),
			zap.String("template_id", id.String()),
		)
		return nil, fmt.Errorf("query template: %w", err)
	}

	return t, nil
}

// ListTemplatesByTenant retrieves a tenant's templates, newest first
func (r *Repository) ListTemplatesByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Template, error) {
	query := `SELECT ` + templateColumns + `
		FROM templates
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	return collectTemplates(rows)
}

// ListPendingTemplates returns Pending templates untouched for at least
// minAge, oldest first. The reconciler works through these.
func (r *Repository) ListPendingTemplates(ctx context.Context, minAge time.Duration, limit int) ([]*Template, error) {
	query := `SELECT ` + templateColumns + `
		FROM templates
		WHERE status = 'pending' AND updated_at <= NOW() - make_interval(secs => $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, minAge.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending templates: %w", err)
	}
	defer rows.Close()

	return collectTemplates(rows)
}

func collectTemplates(rows pgx.Rows) ([]*Template, error) {
	var templates []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return templates, nil
}

// ApplyTransitions writes every change and its history entry in one
// transaction. Changes run in order, so a supersede must precede the
// approval that replaces it. Each update is guarded on its From status; a
// miss rolls back everything and returns ErrConcurrentModification.
func (r *Repository) ApplyTransitions(ctx context.Context, changes []TemplateChange) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE templates
		SET status = $1, provider_template_id = $2, rejection_reason = $3,
		    last_error = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6
		RETURNING updated_at
	`

	for _, c := range changes {
		t := c.Template
		err := tx.QueryRow(ctx, query,
			t.Status,
			t.ProviderTemplateID,
			t.RejectionReason,
			t.LastError,
			t.ID,
			c.From,
		).Scan(&t.UpdatedAt)

		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.Warn("template status guard failed",
				zap.String("template_id", t.ID.String()),
				zap.String("expected", c.From),
				zap.String("target", t.Status),
			)
			return ErrConcurrentModification
		}
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTemplate
			}
			return fmt.Errorf("update template status: %w", err)
		}

		if err := insertHistory(ctx, tx, t.ID, c.From, t.Status, c.Reason); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// RecordSubmission stores the provider id and last error of a template
// without changing its status.
func (r *Repository) RecordSubmission(ctx context.Context, id uuid.UUID, providerTemplateID, lastError *string) error {
	query := `
		UPDATE templates
		SET provider_template_id = COALESCE($1, provider_template_id),
		    last_error = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, providerTemplateID, lastError, id)
	if err != nil {
		r.logger.Error("failed to record submission",
			zap.Error(err),
			zap.String("template_id", id.String()),
		)
		return fmt.Errorf("record submission: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}

	return nil
}

// IsTemplateInUse reports whether an active campaign references the template.
func (r *Repository) IsTemplateInUse(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM campaigns
			WHERE template_id = $1 AND status IN ($2, $3)
		)
	`

	var inUse bool
	err := r.db.Pool().QueryRow(ctx, query, id, CampaignStatusScheduled, CampaignStatusRunning).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("query campaign usage: %w", err)
	}
	return inUse, nil
}

// DeleteTemplate removes a template that is still in expectedStatus and is
// not referenced by an active campaign. Its history is kept and closed with
// a HistoryDeleted entry in the same transaction.
func (r *Repository) DeleteTemplate(ctx context.Context, id uuid.UUID, expectedStatus string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		DELETE FROM templates t
		WHERE t.id = $1 AND t.status = $2
		  AND NOT EXISTS (
			SELECT 1 FROM campaigns c
			WHERE c.template_id = t.id AND c.status IN ($3, $4)
		  )
	`

	result, err := tx.Exec(ctx, query, id, expectedStatus, CampaignStatusScheduled, CampaignStatusRunning)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrConcurrentModification
	}

	if err := insertHistory(ctx, tx, id, expectedStatus, HistoryDeleted, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("template deleted", zap.String("template_id", id.String()))
	return nil
}

// ListHistory returns a template's history in the order it was written
func (r *Repository) ListHistory(ctx context.Context, templateID uuid.UUID) ([]*StatusHistory, error) {
	query := `
		SELECT id, template_id, COALESCE(from_status, ''), to_status, reason, created_at
		FROM template_status_history
		WHERE template_id = $1
		ORDER BY created_at ASC, seq ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, templateID)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer rows.Close()

	var entries []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.TemplateID, &h.FromStatus, &h.ToStatus, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		entries = append(entries, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, templateID uuid.UUID, from, to string, reason *string) error {
	var fromStatus *string
	if from != "" {
		fromStatus = &from
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO template_status_history (id, template_id, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), templateID, fromStatus, to, reason)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}
