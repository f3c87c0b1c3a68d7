// Package provider talks to the external template approval provider.
package provider

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/stencil/internal/redis"
)

// Status is the provider's view of a submitted template.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// SubmitRequest is the template content sent for approval.
type SubmitRequest struct {
	TemplateID string `json:"external_ref"`
	TenantID   string `json:"tenant_id"`
	Name       string `json:"name"`
	BodyText   string `json:"body_text"`
	Category   string `json:"category"`
	Language   string `json:"language"`
	Version    int    `json:"version"`
}

// Result is the provider's answer to a submit or poll.
type Result struct {
	ProviderTemplateID string `json:"id"`
	Status             Status `json:"status"`
	RejectionReason    string `json:"rejection_reason,omitempty"`
}

// API is implemented by every provider backend and by the breaker decorator.
type API interface {
	Submit(ctx context.Context, req *SubmitRequest) (*Result, error)
	Poll(ctx context.Context, providerTemplateID string) (*Result, error)
}

// Limiter throttles outbound provider calls.
// *rate.Limiter satisfies it directly.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLocalLimiter returns an in-process token bucket allowing perSecond
// calls with the given burst.
func NewLocalLimiter(perSecond float64, burst int) Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// SharedLimiter throttles through a Redis sliding window so every gateway
// replica shares the provider's quota.
type SharedLimiter struct {
	limiter *redis.RateLimiter
	key     string
	logger  *zap.Logger
}

// NewSharedLimiter creates a Redis-backed limiter for key.
func NewSharedLimiter(limiter *redis.RateLimiter, key string, logger *zap.Logger) *SharedLimiter {
	return &SharedLimiter{limiter: limiter, key: key, logger: logger}
}

// Wait blocks until the shared window admits a call. Redis failures fail open.
func (l *SharedLimiter) Wait(ctx context.Context) error {
	err := l.limiter.Wait(ctx, l.key)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	l.logger.Warn("provider throttle unavailable, proceeding", zap.Error(err))
	return nil
}
