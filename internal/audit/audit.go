// Package audit announces template lifecycle events to an external audit
// sink. Delivery is best effort: failures are logged and never reach the
// caller.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/metrics"
)

// Event types
const (
	EventTemplateCreated       = "template.created"
	EventTemplateStatusChanged = "template.status_changed"
	EventTemplateDeleted       = "template.deleted"
)

// Event describes one lifecycle change.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	TemplateID string    `json:"template_id"`
	Name       string    `json:"name,omitempty"`
	Version    int       `json:"version,omitempty"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink delivers events somewhere durable.
type Sink interface {
	Record(ctx context.Context, event Event) error
	Name() string
}

// Dispatcher hands events to a sink on a background goroutine.
type Dispatcher struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Each delivery gets its own timeout.
func NewDispatcher(sink Sink, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		sink:    sink,
		logger:  logger,
		timeout: timeout,
	}
}

// Send fills in the id and timestamp and delivers the event asynchronously.
func (d *Dispatcher) Send(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sink.Record(ctx, event); err != nil {
			metrics.RecordAuditFailure(d.sink.Name())
			d.logger.Warn("audit event dropped",
				zap.String("sink", d.sink.Name()),
				zap.String("event_type", event.Type),
				zap.String("template_id", event.TemplateID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Record(ctx context.Context, event Event) error {
	s.logger.Info("audit",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("tenant_id", event.TenantID),
		zap.String("template_id", event.TemplateID),
		zap.String("from", event.FromStatus),
		zap.String("to", event.ToStatus),
		zap.String("reason", event.Reason),
	)
	return nil
}

// Publisher is satisfied by *sns.Publisher.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error)
}

// SNSSink publishes events as JSON to an SNS topic, tagged with the event
// type and tenant so subscribers can filter.
type SNSSink struct {
	publisher Publisher
}

// NewSNSSink creates an SNSSink.
func NewSNSSink(publisher Publisher) *SNSSink {
	return &SNSSink{publisher: publisher}
}

func (s *SNSSink) Name() string { return "sns" }

func (s *SNSSink) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = s.publisher.Publish(ctx, payload, map[string]string{
		"event_type": event.Type,
		"tenant_id":  event.TenantID,
	})
	return err
}
