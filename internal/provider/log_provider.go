package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogProvider is a local stand-in for the approval provider. Submits are
// logged and accepted; the first poll of a template approves it.
type LogProvider struct {
	logger *zap.Logger

	mu        sync.Mutex
	submitted map[string]Status
}

// NewLogProvider creates a LogProvider.
func NewLogProvider(logger *zap.Logger) *LogProvider {
	return &LogProvider{
		logger:    logger,
		submitted: make(map[string]Status),
	}
}

// Submit records the template and returns a generated provider id.
func (p *LogProvider) Submit(ctx context.Context, req *SubmitRequest) (*Result, error) {
	id := "log-" + uuid.NewString()

	p.mu.Lock()
	p.submitted[id] = StatusPending
	p.mu.Unlock()

	p.logger.Info("template submitted to log provider",
		zap.String("provider_template_id", id),
		zap.String("template_id", req.TemplateID),
		zap.String("tenant_id", req.TenantID),
		zap.String("name", req.Name),
		zap.Int("version", req.Version),
	)

	return &Result{ProviderTemplateID: id, Status: StatusPending}, nil
}

// Poll approves any template it has seen. Unknown ids stay pending.
func (p *LogProvider) Poll(ctx context.Context, providerTemplateID string) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.submitted[providerTemplateID]; !ok {
		return &Result{ProviderTemplateID: providerTemplateID, Status: StatusPending}, nil
	}
	p.submitted[providerTemplateID] = StatusApproved

	return &Result{ProviderTemplateID: providerTemplateID, Status: StatusApproved}, nil
}
