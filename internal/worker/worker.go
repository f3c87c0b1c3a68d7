// Package worker reconciles templates left Pending: submissions that never
// reached the provider are retried and accepted ones are polled until the
// provider decides.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/stencil/internal/db"
	"github.com/lalithlochan/stencil/internal/domain"
	"github.com/lalithlochan/stencil/internal/metrics"
	"github.com/lalithlochan/stencil/internal/retry"
	"github.com/lalithlochan/stencil/internal/sqs"
)

// Repository lists templates that have sat in Pending long enough to
// reconcile. *db.Repository satisfies it.
type Repository interface {
	ListPendingTemplates(ctx context.Context, minAge time.Duration, limit int) ([]*db.Template, error)
}

// Lifecycle is satisfied by *lifecycle.Service.
type Lifecycle interface {
	Reconcile(ctx context.Context, t *db.Template) (*db.Template, error)
	ReconcileByID(ctx context.Context, id uuid.UUID) (*db.Template, error)
}

// Queue is satisfied by *sqs.Consumer.
type Queue interface {
	ReceiveReconcile(ctx context.Context) (*sqs.ReconcileMessage, string, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
}

// Worker reconciles Pending templates from a periodic scan and, when
// configured, from the reconcile queue.
type Worker struct {
	repo      Repository
	lifecycle Lifecycle
	queue     Queue
	executor  *retry.Executor
	config    Config
	logger    *zap.Logger
}

// Config tunes the worker. Zero fields take the defaults set in New.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// MinAge skips templates that changed recently so an inline submit
	// still in flight is not raced.
	MinAge      time.Duration
	Concurrency int
	// ReceiveBackoff is the pause after a failed queue receive.
	ReceiveBackoff time.Duration
}

// New creates a worker. queue may be nil, in which case only the periodic
// scan runs.
func New(repo Repository, lc Lifecycle, queue Queue, executor *retry.Executor, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.MinAge == 0 {
		cfg.MinAge = time.Minute
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.ReceiveBackoff == 0 {
		cfg.ReceiveBackoff = 5 * time.Second
	}

	return &Worker{
		repo:      repo,
		lifecycle: lc,
		queue:     queue,
		executor:  executor,
		config:    cfg,
		logger:    logger,
	}
}

// Run starts the periodic scan and, when a queue is configured, the queue
// consumer. It returns when ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.Start(ctx)
		return nil
	})

	if w.queue != nil {
		g.Go(func() error {
			w.Consume(ctx)
			return nil
		})
	}

	return g.Wait()
}

// Start scans for stale Pending templates every PollInterval.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconciler stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// processBatch reconciles one page of Pending templates concurrently and
// returns how many reached a decision or made progress.
func (w *Worker) processBatch(ctx context.Context) int {
	templates, err := w.repo.ListPendingTemplates(ctx, w.config.MinAge, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to list pending templates", zap.Error(err))
		return 0
	}
	if len(templates) == 0 {
		return 0
	}

	w.logger.Debug("reconciling pending templates", zap.Int("count", len(templates)))

	items := make([]retry.BatchItem[*db.Template], 0, len(templates))
	for _, t := range templates {
		t := t
		items = append(items, retry.BatchItem[*db.Template]{
			Key:      t.ID.String(),
			TenantID: t.TenantID.String(),
			Op: func(ctx context.Context) (*db.Template, error) {
				return w.lifecycle.Reconcile(ctx, t)
			},
		})
	}

	metrics.SetReconcileInFlight(len(items))
	defer metrics.SetReconcileInFlight(0)

	// Provider calls already retry inside the lifecycle; this budget only
	// covers transient repository failures.
	res := retry.ExecuteBatch(ctx, w.executor, "reconcile", retry.Options{MaxAttempts: 2}, items, w.config.Concurrency)

	for _, s := range res.Successful {
		w.logger.Info("template reconciled",
			zap.String("template_id", s.Key),
			zap.String("status", s.Value.Status),
		)
	}
	for _, f := range res.Failed {
		w.logger.Warn("template reconciliation failed",
			zap.String("template_id", f.Key),
			zap.Error(f.Err),
		)
	}

	return len(res.Successful)
}

// Consume handles reconcile requests from the queue until ctx is done.
func (w *Worker) Consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.logger.Info("reconcile consumer stopping")
			return
		}

		if !w.consumeOne(ctx) {
			select {
			case <-ctx.Done():
			case <-time.After(w.config.ReceiveBackoff):
			}
		}
	}
}

// consumeOne receives and handles at most one message. It returns false
// when the receive itself failed.
func (w *Worker) consumeOne(ctx context.Context) bool {
	msg, receipt, err := w.queue.ReceiveReconcile(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to receive reconcile request", zap.Error(err))
		}
		return false
	}
	if msg == nil {
		return true
	}

	id, err := uuid.Parse(msg.TemplateID)
	if err != nil {
		w.logger.Warn("dropping reconcile request with bad template id",
			zap.String("template_id", msg.TemplateID),
		)
		w.ack(ctx, receipt)
		return true
	}

	metrics.SetReconcileInFlight(1)
	t, err := w.lifecycle.ReconcileByID(ctx, id)
	metrics.SetReconcileInFlight(0)

	switch {
	case err == nil:
		w.logger.Info("template reconciled from queue",
			zap.String("template_id", id.String()),
			zap.String("status", t.Status),
		)
		w.ack(ctx, receipt)
	case errors.Is(err, domain.ErrNotFound):
		w.ack(ctx, receipt)
	default:
		// Left on the queue; it becomes visible again after the timeout.
		w.logger.Warn("queued reconciliation failed",
			zap.String("template_id", id.String()),
			zap.Error(err),
		)
	}
	return true
}

func (w *Worker) ack(ctx context.Context, receipt string) {
	if err := w.queue.DeleteMessage(ctx, receipt); err != nil {
		w.logger.Error("failed to delete reconcile request", zap.Error(err))
	}
}
