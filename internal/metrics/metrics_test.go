package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordTransition(t *testing.T) {
	RecordTransition("", "draft")
	RecordTransition("draft", "pending")
	RecordTransition("pending", "approved")
}

func TestRecordValidationFailure(t *testing.T) {
	RecordValidationFailure("LEADING_PLACEHOLDER")
	RecordValidationFailure("NON_SEQUENTIAL_PLACEHOLDERS")
}

func TestRecordProviderCall(t *testing.T) {
	RecordProviderCall("submit", "ok", 120*time.Millisecond)
	RecordProviderCall("poll", "transient", 2*time.Second)
}

func TestRecordRetryOutcome(t *testing.T) {
	RecordRetryOutcome("provider.submit", "retry")
	RecordRetryOutcome("provider.submit", "success")
	RecordRetryOutcome("provider.poll", "exhausted")
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("provider-submit", 1)
	SetBreakerState("provider-submit", 2)
	SetBreakerState("provider-submit", 0)
	RecordBreakerRejection("provider-submit")
}

func TestRecordAuditFailure(t *testing.T) {
	RecordAuditFailure("sns")
}

func TestSetReconcileInFlight(t *testing.T) {
	SetReconcileInFlight(10)
	SetReconcileInFlight(0)
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
	RecordIdempotencyHit()
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("tenant-1")
	RecordRateLimitRejection("tenant-2")
}

func TestSetDBConnections(t *testing.T) {
	SetDBConnections(10)
	SetDBConnections(20)
}

func TestHandler(t *testing.T) {
	RecordTransition("draft", "pending")
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
	if !strings.Contains(body, "stencil_template_transitions_total") {
		t.Error("expected template transition metric to be exported")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
