// Package sqs carries template reconciliation requests over an SQS queue so
// any gateway replica can pick up a submission that could not finish inline.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string // optional, for LocalStack

	// DelaySeconds postpones delivery of reconcile requests so the provider
	// has time to recover. SQS caps it at 900.
	DelaySeconds int32
}

// ReconcileMessage asks a worker to re-submit or poll a Pending template.
type ReconcileMessage struct {
	TemplateID string `json:"template_id"`
	TenantID   string `json:"tenant_id"`
	Reason     string `json:"reason,omitempty"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// sqsAPI is the subset of *sqs.Client used here.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func newClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer sends reconcile requests to SQS.
type Producer struct {
	client       sqsAPI
	queueURL     string
	delaySeconds int32
	logger       *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:       client,
		queueURL:     cfg.QueueURL,
		delaySeconds: min(cfg.DelaySeconds, 900),
		logger:       logger,
	}, nil
}

// EnqueueReconcile schedules a reconciliation pass for t and returns the
// SQS message id.
func (p *Producer) EnqueueReconcile(ctx context.Context, t *db.Template, reason string) (string, error) {
	msg := ReconcileMessage{
		TemplateID: t.ID.String(),
		TenantID:   t.TenantID.String(),
		Reason:     reason,
		EnqueuedAt: time.Now().UnixNano(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: p.delaySeconds,
	})
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("template_id", msg.TemplateID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Consumer reads reconcile requests from SQS.
type Consumer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// ReceiveReconcile long-polls for one reconcile request. It returns
// (nil, "", nil) when the poll times out empty. A malformed body is deleted
// and reported as an error so it does not cycle back.
func (c *Consumer) ReceiveReconcile(ctx context.Context) (*ReconcileMessage, string, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	raw := result.Messages[0]
	receipt := aws.ToString(raw.ReceiptHandle)

	var msg ReconcileMessage
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		c.logger.Error("failed to unmarshal message", zap.Error(err))
		if delErr := c.DeleteMessage(ctx, receipt); delErr != nil {
			c.logger.Warn("failed to delete malformed message", zap.Error(delErr))
		}
		return nil, "", fmt.Errorf("invalid message format: %w", err)
	}

	return &msg, receipt, nil
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}
