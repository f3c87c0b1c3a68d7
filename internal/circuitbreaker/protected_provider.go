package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/provider"
)

// Breaker names for the provider API. Submit and poll fail independently,
// so a broken status endpoint never blocks new submissions.
const (
	ProviderSubmit = "provider-submit"
	ProviderPoll   = "provider-poll"
)

// ProtectedProvider wraps a provider.API with one breaker per operation.
type ProtectedProvider struct {
	api    provider.API
	submit *CircuitBreaker
	poll   *CircuitBreaker
	logger *zap.Logger
}

// NewProtectedProvider takes its breakers from the registry.
func NewProtectedProvider(api provider.API, registry *Registry, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{
		api:    api,
		submit: registry.Get(ProviderSubmit),
		poll:   registry.Get(ProviderPoll),
		logger: logger,
	}
}

// Submit sends a template for approval unless the submit breaker is open.
func (p *ProtectedProvider) Submit(ctx context.Context, req *provider.SubmitRequest) (*provider.Result, error) {
	res, err := Execute(ctx, p.submit, func(ctx context.Context) (*provider.Result, error) {
		return p.api.Submit(ctx, req)
	})
	if err != nil {
		p.logger.Debug("protected submit failed",
			zap.String("template_id", req.TemplateID),
			zap.String("breaker_state", p.submit.GetState().String()),
			zap.Error(err),
		)
	}
	return res, err
}

// Poll fetches approval status unless the poll breaker is open.
func (p *ProtectedProvider) Poll(ctx context.Context, providerTemplateID string) (*provider.Result, error) {
	return Execute(ctx, p.poll, func(ctx context.Context) (*provider.Result, error) {
		return p.api.Poll(ctx, providerTemplateID)
	})
}
