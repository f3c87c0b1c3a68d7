package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/domain"
	"github.com/lalithlochan/stencil/internal/redis"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", APIToken: "secret", Timeout: time.Second}, nil, zap.NewNop())
}

func TestClient_SubmitSuccess(t *testing.T) {
	var got SubmitRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/templates" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"id":"prov-1","status":"pending"}`))
	})

	res, err := client.Submit(context.Background(), &SubmitRequest{TemplateID: "t1", Name: "welcome", BodyText: "Hi {{1}}!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderTemplateID != "prov-1" || res.Status != StatusPending {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got.Name != "welcome" || got.BodyText != "Hi {{1}}!" {
		t.Fatalf("request body not forwarded: %+v", got)
	}
}

func TestClient_SubmitMissingIDIsProviderError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"pending"}`))
	})

	_, err := client.Submit(context.Background(), &SubmitRequest{})
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if domain.IsRetryable(err) {
		t.Fatal("missing id should not be retryable")
	}
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		check     func(t *testing.T, err error)
	}{
		{
			name:   "422 is a rejection",
			status: http.StatusUnprocessableEntity,
			body:   `{"error":{"code":"policy","message":"promotional content"}}`,
			check: func(t *testing.T, err error) {
				var rej *domain.ProviderRejectedError
				if !errors.As(err, &rej) {
					t.Fatalf("expected ProviderRejectedError, got %v", err)
				}
				if rej.Reason != "promotional content" {
					t.Errorf("reason = %q", rej.Reason)
				}
			},
		},
		{
			name:   "400 is a rejection",
			status: http.StatusBadRequest,
			body:   `bad body`,
			check: func(t *testing.T, err error) {
				var rej *domain.ProviderRejectedError
				if !errors.As(err, &rej) || rej.Reason != "bad body" {
					t.Fatalf("expected rejection with raw body reason, got %v", err)
				}
			},
		},
		{
			name:      "429 is rate limited",
			status:    http.StatusTooManyRequests,
			retryable: true,
			check: func(t *testing.T, err error) {
				var tr *domain.TransientProviderError
				if !errors.As(err, &tr) || !tr.RateLimited {
					t.Fatalf("expected rate limited transient error, got %v", err)
				}
			},
		},
		{
			name:      "503 is transient",
			status:    http.StatusServiceUnavailable,
			retryable: true,
			check: func(t *testing.T, err error) {
				var tr *domain.TransientProviderError
				if !errors.As(err, &tr) || tr.StatusCode != 503 {
					t.Fatalf("expected transient 503, got %v", err)
				}
			},
		},
		{
			name:      "flagged 404 is retryable",
			status:    http.StatusNotFound,
			body:      `{"error":{"code":"not_indexed","message":"not yet visible","retryable":true}}`,
			retryable: true,
			check: func(t *testing.T, err error) {
				var perr *domain.ProviderError
				if !errors.As(err, &perr) || perr.Code != "not_indexed" {
					t.Fatalf("expected ProviderError, got %v", err)
				}
			},
		},
		{
			name:   "unflagged 404 is fatal",
			status: http.StatusNotFound,
			check:  func(t *testing.T, err error) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Submit(context.Background(), &SubmitRequest{})
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
			if got := domain.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v (err: %v)", got, tt.retryable, err)
			}
		})
	}
}

func TestClient_PollErrorIsNotARejection(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/templates/prov-9" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(status)
				w.Write([]byte(`{"error":{"message":"template is locked for review"}}`))
			})

			_, err := client.Poll(context.Background(), "prov-9")
			var rej *domain.ProviderRejectedError
			if errors.As(err, &rej) {
				t.Fatalf("poll failure must not be a rejection, got %v", err)
			}
			var perr *domain.ProviderError
			if !errors.As(err, &perr) || perr.StatusCode != status {
				t.Fatalf("expected ProviderError with status %d, got %v", status, err)
			}
			if domain.IsRetryable(err) {
				t.Errorf("unflagged poll error should not be retryable")
			}
		})
	}
}

func TestClient_PollApproved(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"approved"}`))
	})

	res, err := client.Poll(context.Background(), "prov-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusApproved || res.ProviderTemplateID != "prov-2" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	_, err := client.Poll(context.Background(), "prov-1")

	var tr *domain.TransientProviderError
	if !errors.As(err, &tr) {
		t.Fatalf("expected TransientProviderError, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Fatal("transport failure should be retryable")
	}
}

func TestClient_CanceledContextIsNotTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"x"}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Submit(ctx, &SubmitRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if domain.IsRetryable(err) {
		t.Fatal("cancellation should not be retryable")
	}
}

type countingLimiter struct{ calls int }

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.calls++
	return nil
}

func TestClient_UsesLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"p","status":"pending"}`))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	client := NewClient(Config{BaseURL: srv.URL}, limiter, zap.NewNop())

	client.Submit(context.Background(), &SubmitRequest{})
	client.Poll(context.Background(), "p")

	if limiter.calls != 2 {
		t.Fatalf("limiter calls = %d, want 2", limiter.calls)
	}
}

func TestLocalLimiter_Throttles(t *testing.T) {
	limiter := NewLocalLimiter(20, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 calls at 20/s with burst 1 took %v, expected ~100ms", elapsed)
	}
}

func TestSharedLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := redis.NewRateLimiter(redis.NewFromRedis(rdb, zap.NewNop()), zap.NewNop(), redis.RateLimitConfig{
		Limit:  1,
		Window: time.Minute,
		Prefix: "provider",
	})
	limiter := NewSharedLimiter(rl, "templates", zap.NewNop())

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	mr.Close()

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("expected fail-open when redis is unavailable, got %v", err)
	}
}

func TestLogProvider_ApprovesOnPoll(t *testing.T) {
	p := NewLogProvider(zap.NewNop())
	ctx := context.Background()

	res, err := p.Submit(ctx, &SubmitRequest{TemplateID: "t1", Name: "welcome"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("status = %s, want pending", res.Status)
	}

	polled, err := p.Poll(ctx, res.ProviderTemplateID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if polled.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", polled.Status)
	}

	unknown, _ := p.Poll(ctx, "nope")
	if unknown.Status != StatusPending {
		t.Fatalf("unknown id status = %s, want pending", unknown.Status)
	}
}
