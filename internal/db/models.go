package db

import (
	"time"

	"github.com/google/uuid"
)

// Template is one version of a tenant's message template.
type Template struct {
	ID                 uuid.UUID  `json:"id"`
	TenantID           uuid.UUID  `json:"tenant_id"`
	Name               string     `json:"name"`
	BodyText           string     `json:"body_text"`
	Category           string     `json:"category"`
	Language           string     `json:"language"`
	Status             string     `json:"status"`
	Version            int        `json:"version"`
	ParentTemplateID   *uuid.UUID `json:"parent_template_id,omitempty"`
	ProviderTemplateID *string    `json:"provider_template_id,omitempty"`
	RejectionReason    *string    `json:"rejection_reason,omitempty"`
	LastError          *string    `json:"last_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Template status constants
const (
	StatusDraft      = "draft"
	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusSuperseded = "superseded"
)

// HistoryDeleted is the to_status of the last history entry of a deleted
// template. It is never a template status.
const HistoryDeleted = "deleted"

// StatusHistory is one append-only record of a template status change.
// FromStatus is empty for the entry written when the template is created.
type StatusHistory struct {
	ID         uuid.UUID `json:"id"`
	TemplateID uuid.UUID `json:"template_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Reason     *string   `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TemplateChange moves Template from status From to Template.Status.
// The template's provider id, rejection reason and last error are written
// alongside the status.
type TemplateChange struct {
	Template *Template
	From     string
	Reason   *string
}

// Active campaign statuses that pin a template.
const (
	CampaignStatusScheduled = "scheduled"
	CampaignStatusRunning   = "running"
)
