package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/domain"
	"github.com/lalithlochan/stencil/internal/metrics"
)

// Config holds provider API settings.
type Config struct {
	BaseURL  string        // e.g. "https://provider.example.com/v1"
	APIToken string        // bearer token
	Timeout  time.Duration // per-request HTTP timeout
}

// Client calls the provider's template approval API over HTTP.
// It makes exactly one request per call; retries belong to the caller.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    Limiter
	logger     *zap.Logger
}

// NewClient creates a provider client. limiter may be nil.
func NewClient(cfg Config, limiter Limiter, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// errorBody is the provider's error envelope.
type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// Submit sends a template for approval.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal submit request: %w", err)
	}

	res, err := c.do(ctx, "submit", http.MethodPost, c.config.BaseURL+"/templates", body)
	if err != nil {
		return nil, err
	}
	if res.ProviderTemplateID == "" {
		return nil, &domain.ProviderError{
			StatusCode: http.StatusOK,
			Code:       "missing_id",
			Message:    "provider accepted the template without returning an id",
		}
	}
	return res, nil
}

// Poll fetches the current approval status of a submitted template.
func (c *Client) Poll(ctx context.Context, providerTemplateID string) (*Result, error) {
	endpoint := c.config.BaseURL + "/templates/" + url.PathEscape(providerTemplateID)

	res, err := c.do(ctx, "poll", http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if res.ProviderTemplateID == "" {
		res.ProviderTemplateID = providerTemplateID
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("provider %s: throttle: %w", op, err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordProviderCall(op, "transport_error", time.Since(start))
		// Caller cancellation is not a provider fault.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("provider %s: %w", op, ctxErr)
		}
		return nil, &domain.TransientProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.RecordProviderCall(op, "transport_error", time.Since(start))
		return nil, &domain.TransientProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var res Result
		if err := json.Unmarshal(respBody, &res); err != nil {
			metrics.RecordProviderCall(op, "bad_response", time.Since(start))
			return nil, &domain.ProviderError{
				StatusCode: resp.StatusCode,
				Code:       "bad_response",
				Message:    fmt.Sprintf("unmarshal response: %v", err),
			}
		}
		if res.Status == "" {
			res.Status = StatusPending
		}
		metrics.RecordProviderCall(op, "ok", time.Since(start))
		return &res, nil
	}

	perr := classify(op, resp.StatusCode, respBody)
	outcome := "error"
	switch perr.(type) {
	case *domain.ProviderRejectedError:
		outcome = "rejected"
	case *domain.TransientProviderError:
		outcome = "transient"
	}
	metrics.RecordProviderCall(op, outcome, time.Since(start))

	c.logger.Debug("provider returned error",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.String("outcome", outcome),
	)
	return nil, perr
}

// classify maps a non-2xx response onto the error taxonomy. Only a submit
// can be rejected: a failed poll says nothing about the template itself, and
// a rejection on poll arrives as a 2xx with status "rejected".
func classify(op string, status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	message := eb.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case op == "submit" && (status == http.StatusBadRequest || status == http.StatusForbidden ||
		status == http.StatusConflict || status == http.StatusUnprocessableEntity):
		return &domain.ProviderRejectedError{StatusCode: status, Reason: message}

	case domain.IsRetryableStatus(status):
		return &domain.TransientProviderError{
			Op:          op,
			StatusCode:  status,
			RateLimited: status == http.StatusTooManyRequests,
			Err:         errors.New(message),
		}

	default:
		return &domain.ProviderError{
			StatusCode: status,
			Code:       eb.Error.Code,
			Message:    message,
			Retryable:  eb.Error.Retryable,
		}
	}
}
