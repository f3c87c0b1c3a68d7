package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/circuitbreaker"
	"github.com/lalithlochan/stencil/internal/db"
	"github.com/lalithlochan/stencil/internal/domain"
	"github.com/lalithlochan/stencil/internal/lifecycle"
	"github.com/lalithlochan/stencil/internal/placeholder"
	"github.com/lalithlochan/stencil/internal/redis"
)

const testTenant = "00000000-0000-0000-0000-000000000001"

// MockTemplateService is a fake lifecycle for handler tests.
type MockTemplateService struct {
	templates map[uuid.UUID]*db.Template
	history   []*db.StatusHistory

	submitErr   error
	submitCalls int
	deleteErr   error
	lastReason  string
}

func NewMockTemplateService() *MockTemplateService {
	return &MockTemplateService{templates: make(map[uuid.UUID]*db.Template)}
}

func (m *MockTemplateService) add(status string) *db.Template {
	t := &db.Template{
		ID:       uuid.New(),
		TenantID: uuid.MustParse(testTenant),
		Name:     "order_ready",
		BodyText: "Hello {{1}}, order {{2}} is ready.",
		Status:   status,
		Version:  1,
	}
	m.templates[t.ID] = t
	return t
}

func (m *MockTemplateService) ValidatePlaceholders(body string) []placeholder.Issue {
	return placeholder.Validate(body)
}

func (m *MockTemplateService) CreateDraft(ctx context.Context, in lifecycle.NewTemplate) (*db.Template, error) {
	if in.Name == "" {
		return nil, &domain.ValidationError{
			Message: "invalid template",
			Fields:  []domain.FieldError{{Field: "name", Code: "REQUIRED", Message: "name is required"}},
		}
	}
	t := &db.Template{ID: uuid.New(), TenantID: in.TenantID, Name: in.Name, BodyText: in.BodyText, Status: db.StatusDraft, Version: 1}
	m.templates[t.ID] = t
	return t, nil
}

func (m *MockTemplateService) Get(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (m *MockTemplateService) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Template, error) {
	var out []*db.Template
	for _, t := range m.templates {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockTemplateService) SubmitTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	m.submitCalls++
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	t, ok := m.templates[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	t.Status = db.StatusPending
	return t, nil
}

func (m *MockTemplateService) Edit(ctx context.Context, id uuid.UUID, c lifecycle.Content) (*db.Template, error) {
	parent, ok := m.templates[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if parent.Status != db.StatusApproved {
		return nil, &domain.ValidationError{Message: "template is not approved"}
	}
	t := &db.Template{ID: uuid.New(), TenantID: parent.TenantID, Name: parent.Name, BodyText: c.BodyText,
		Status: db.StatusDraft, Version: parent.Version + 1, ParentTemplateID: &parent.ID}
	m.templates[t.ID] = t
	return t, nil
}

func (m *MockTemplateService) MarkApproved(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	t.Status = db.StatusApproved
	return t, nil
}

func (m *MockTemplateService) MarkRejected(ctx context.Context, id uuid.UUID, reason string) (*db.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	m.lastReason = reason
	t.Status = db.StatusRejected
	return t, nil
}

func (m *MockTemplateService) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.templates[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.templates, id)
	return nil
}

func (m *MockTemplateService) History(ctx context.Context, id uuid.UUID) ([]*db.StatusHistory, error) {
	if _, ok := m.templates[id]; !ok {
		return nil, domain.ErrNotFound
	}
	return m.history, nil
}

func newTestRouter(h *Handler, callbackToken string) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		h.Routes(r, callbackToken)
	})
	return r
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q, want application/problem+json", ct)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestValidatePlaceholders(t *testing.T) {
	router := newTestRouter(NewHandler(zap.NewNop(), NewMockTemplateService(), nil), "")

	tests := []struct {
		name        string
		body        ValidateRequest
		wantValid   bool
		wantCode    string
		wantPreview string
	}{
		{
			name:      "valid body",
			body:      ValidateRequest{BodyText: "Hi {{1}}, order {{2}} ships today."},
			wantValid: true,
		},
		{
			name:        "valid body with preview",
			body:        ValidateRequest{BodyText: "Hi {{1}}, order {{2}} ships today.", SampleValues: []string{"Ana", "#42"}},
			wantValid:   true,
			wantPreview: "Hi Ana, order #42 ships today.",
		},
		{
			name:     "stacked placeholders",
			body:     ValidateRequest{BodyText: "Hi {{1}}{{2}} there"},
			wantCode: "STACKED_PLACEHOLDERS",
		},
		{
			name:     "trailing placeholder",
			body:     ValidateRequest{BodyText: "Your order is {{1}}"},
			wantCode: "TRAILING_PLACEHOLDER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/v1/templates/validate", tt.body, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}

			var resp ValidateResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Valid != tt.wantValid {
				t.Errorf("valid = %v, want %v", resp.Valid, tt.wantValid)
			}
			if resp.Preview != tt.wantPreview {
				t.Errorf("preview = %q, want %q", resp.Preview, tt.wantPreview)
			}
			if tt.wantCode != "" {
				found := false
				for _, is := range resp.Issues {
					if string(is.Code) == tt.wantCode {
						found = true
					}
				}
				if !found {
					t.Errorf("issues %+v missing %s", resp.Issues, tt.wantCode)
				}
			}
		})
	}
}

func TestCreateTemplate(t *testing.T) {
	tests := []struct {
		name           string
		body           interface{}
		expectedStatus int
	}{
		{
			name: "valid draft",
			body: map[string]string{
				"tenant_id": testTenant, "name": "order_ready",
				"body_text": "Hi {{1}} there", "category": "utility", "language": "en",
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "invalid tenant_id",
			body:           map[string]string{"tenant_id": "not-a-uuid", "name": "x"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing name",
			body:           map[string]string{"tenant_id": testTenant},
			expectedStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(NewHandler(zap.NewNop(), NewMockTemplateService(), nil), "")
			rec := doRequest(t, router, http.MethodPost, "/v1/templates", tt.body, nil)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.expectedStatus, rec.Body.String())
			}
			if tt.expectedStatus == http.StatusUnprocessableEntity {
				resp := decodeProblem(t, rec)
				if len(resp.Errors) != 1 || resp.Errors[0].Field != "name" {
					t.Errorf("unexpected field errors: %+v", resp.Errors)
				}
			}
		})
	}
}

func TestCreateTemplate_MalformedJSON(t *testing.T) {
	router := newTestRouter(NewHandler(zap.NewNop(), NewMockTemplateService(), nil), "")
	req := httptest.NewRequest(http.MethodPost, "/v1/templates", bytes.NewBufferString("{bad"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetTemplate(t *testing.T) {
	svc := NewMockTemplateService()
	tmpl := svc.add(db.StatusDraft)
	router := newTestRouter(NewHandler(zap.NewNop(), svc, nil), "")

	rec := doRequest(t, router, http.MethodGet, "/v1/templates/"+tmpl.ID.String(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got db.Template
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != tmpl.ID {
		t.Errorf("id = %s, want %s", got.ID, tmpl.ID)
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/templates/"+uuid.NewString(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing template status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/templates/not-a-uuid", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestListTemplates(t *testing.T) {
	svc := NewMockTemplateService()
	svc.add(db.StatusDraft)
	svc.add(db.StatusApproved)
	router := newTestRouter(NewHandler(zap.NewNop(), svc, nil), "")

	rec := doRequest(t, router, http.MethodGet, "/v1/templates?tenant_id="+testTenant+"&limit=500", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || resp.Limit != 20 {
		t.Errorf("count = %d limit = %d", resp.Count, resp.Limit)
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/templates", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing tenant status = %d, want 400", rec.Code)
	}
}

func TestSubmitTemplate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedType   string
		retryAfter     string
	}{
		{
			name:           "validation",
			err:            &domain.ValidationError{Message: "bad body", Fields: []domain.FieldError{{Field: "body_text", Code: "LEADING_PLACEHOLDER"}}},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedType:   "validation_failed",
		},
		{
			name:           "in use",
			err:            &domain.TemplateInUseError{TemplateID: "t", Reason: "campaign"},
			expectedStatus: http.StatusConflict,
			expectedType:   "template_in_use",
		},
		{
			name:           "concurrent modification",
			err:            db.ErrConcurrentModification,
			expectedStatus: http.StatusConflict,
			expectedType:   "concurrent_modification",
		},
		{
			name:           "circuit open",
			err:            &circuitbreaker.OpenError{Name: circuitbreaker.ProviderSubmit, RetryAfter: 42 * time.Second},
			expectedStatus: http.StatusServiceUnavailable,
			expectedType:   "circuit_open",
			retryAfter:     "42",
		},
		{
			name:           "retries exhausted",
			err:            &domain.RetriesExhaustedError{Operation: "provider.submit", Attempts: 3, Err: errors.New("503")},
			expectedStatus: http.StatusServiceUnavailable,
			expectedType:   "retries_exhausted",
		},
		{
			name:           "provider error",
			err:            &domain.ProviderError{StatusCode: 401, Code: "unauthorized"},
			expectedStatus: http.StatusBadGateway,
			expectedType:   "provider_error",
		},
		{
			name:           "unknown",
			err:            errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedType:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewMockTemplateService()
			tmpl := svc.add(db.StatusDraft)
			svc.submitErr = tt.err
			router := newTestRouter(NewHandler(zap.NewNop(), svc, nil), "")

			rec := doRequest(t, router, http.MethodPost, "/v1/templates/"+tmpl.ID.String()+"/submit", nil, nil)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.expectedStatus)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
			resp := decodeProblem(t, rec)
			if resp.Type != tt.expectedType || resp.Status != tt.expectedStatus {
				t.Errorf("problem = %+v", resp)
			}
		})
	}
}

func newTestIdempotency(t *testing.T) (*redis.IdempotencyService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redis.NewIdempotencyService(redis.NewFromRedis(rdb, zap.NewNop()), zap.NewNop()), mr
}

func TestSubmitTemplate_Idempotency(t *testing.T) {
	svc := NewMockTemplateService()
	tmpl := svc.add(db.StatusDraft)
	idem, _ := newTestIdempotency(t)
	router := newTestRouter(NewHandlerWithIdempotency(zap.NewNop(), svc, nil, idem, time.Hour), "")

	headers := map[string]string{"Idempotency-Key": "submit-1", "X-Tenant-ID": testTenant}
	path := "/v1/templates/" + tmpl.ID.String() + "/submit"

	first := doRequest(t, router, http.MethodPost, path, nil, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}

	second := doRequest(t, router, http.MethodPost, path, nil, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header")
	}
	if svc.submitCalls != 1 {
		t.Fatalf("submit called %d times, want 1", svc.submitCalls)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
}

func TestSubmitTemplate_FailedSubmitReleasesKey(t *testing.T) {
	svc := NewMockTemplateService()
	tmpl := svc.add(db.StatusDraft)
	svc.submitErr = &domain.RetriesExhaustedError{Operation: "provider.submit", Attempts: 3, Err: errors.New("503")}
	idem, _ := newTestIdempotency(t)
	router := newTestRouter(NewHandlerWithIdempotency(zap.NewNop(), svc, nil, idem, time.Hour), "")

	headers := map[string]string{"Idempotency-Key": "submit-2"}
	path := "/v1/templates/" + tmpl.ID.String() + "/submit"

	if rec := doRequest(t, router, http.MethodPost, path, nil, headers); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("first status = %d", rec.Code)
	}

	svc.submitErr = nil
	if rec := doRequest(t, router, http.MethodPost, path, nil, headers); rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", rec.Code)
	}
	if svc.submitCalls != 2 {
		t.Fatalf("submit calls = %d, want 2", svc.submitCalls)
	}
}

func TestSubmitTemplate_InFlightDuplicate(t *testing.T) {
	svc := NewMockTemplateService()
	tmpl := svc.add(db.StatusDraft)
	idem, _ := newTestIdempotency(t)
	router := newTestRouter(NewHandlerWithIdempotency(zap.NewNop(), svc, nil, idem, time.Hour), "")

	if _, err := idem.Reserve(context.Background(), tmpl.ID.String(), "submit-3"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rec := doRequest(t, router, http.MethodPost, "/v1/templates/"+tmpl.ID.String()+"/submit", nil,
		map[string]string{"Idempotency-Key": "submit-3"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if svc.submitCalls != 0 {
		t.Fatal("submit should not run while the key is held")
	}
}

func TestEditTemplate(t *testing.T) {
	svc := NewMockTemplateService()
	approved := svc.add(db.StatusApproved)
	draft := svc.add(db.StatusDraft)
	router := newTestRouter(NewHandler(zap.NewNop(), svc, nil), "")

	rec := doRequest(t, router, http.MethodPost, "/v1/templates/"+approved.ID.String()+"/edit",
		lifecycle.Content{BodyText: "Hi {{1}}, new text here."}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var next db.Template
	if err := json.NewDecoder(rec.Body).Decode(&next); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if next.Version != 2 || next.ParentTemplateID == nil || *next.ParentTemplateID != approved.ID {
		t.Errorf("unexpected new version: %+v", next)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/templates/"+draft.ID.String()+"/edit",
		lifecycle.Content{BodyText: "x"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("draft edit status = %d, want 422", rec.Code)
	}
}

func TestDeleteTemplate(t *testing.T) {
	svc := NewMockTemplateService()
	tmpl := svc.add(db.StatusDraft)
	router := newTestRouter(NewHandler(zap.NewNop(), svc, nil), "")

	rec := doRequest(t, router, http.MethodDelete, "/v1/templates/"+tmpl.ID.String(), nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	svc.deleteErr = &domain.TemplateInUseError{TemplateID: tmpl.ID.String(), Reason: "referenced by an active campaign"}
	rec = doRequest(t, router, http.MethodDelete, "/v1/templates/"+tmpl.ID.String(), nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("in-use status = %d, want 409", rec.Code)
	}
}

func TestGetHistory(t *testing.T) {
	svc := NewMockTemplateService()
	tmpl := svc.add(db.StatusPending)
	start := time.Now().Add(-time.Hour)
	svc.history = []*db.StatusHistory{
		{TemplateID: tmpl.ID, ToStatus: db.StatusDraft, CreatedAt: start},
		{TemplateID: tmpl.ID, FromStatus: db.StatusDraft, ToStatus: db.StatusPending, CreatedAt: start.Add(10 * time.Minute)},
	}
	router := newTestRouter(NewHandler(zap.NewNop(), svc, nil), "")

	rec := doRequest(t, router, http.MethodGet, "/v1/templates/"+tmpl.ID.String()+"/history", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp HistoryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("entries = %d, want 2", len(resp.Data))
	}
	if resp.TimeInStatus[db.StatusDraft] != 600 {
		t.Errorf("draft seconds = %v, want 600", resp.TimeInStatus[db.StatusDraft])
	}
	if resp.TimeInStatus[db.StatusPending] < 3000 {
		t.Errorf("pending seconds = %v, want about 3000", resp.TimeInStatus[db.StatusPending])
	}
}

func TestProviderCallback(t *testing.T) {
	svc := NewMockTemplateService()
	approved := svc.add(db.StatusPending)
	rejected := svc.add(db.StatusPending)
	router := newTestRouter(NewHandler(zap.NewNop(), svc, nil), "secret")
	auth := map[string]string{"X-Callback-Token": "secret"}

	rec := doRequest(t, router, http.MethodPost, "/v1/provider/callback",
		CallbackRequest{ExternalRef: approved.ID.String(), Status: "approved"}, auth)
	if rec.Code != http.StatusOK || svc.templates[approved.ID].Status != db.StatusApproved {
		t.Fatalf("approve callback: status %d, template %s", rec.Code, svc.templates[approved.ID].Status)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/provider/callback",
		CallbackRequest{ExternalRef: rejected.ID.String(), Status: "rejected", RejectionReason: "policy"}, auth)
	if rec.Code != http.StatusOK || svc.lastReason != "policy" {
		t.Fatalf("reject callback: status %d, reason %q", rec.Code, svc.lastReason)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/provider/callback",
		CallbackRequest{ExternalRef: approved.ID.String(), Status: "weird"}, auth)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/provider/callback",
		CallbackRequest{ExternalRef: approved.ID.String(), Status: "approved"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", rec.Code)
	}
}

func TestBreakers(t *testing.T) {
	registry := circuitbreaker.NewRegistry(circuitbreaker.Config{MaxFailures: 1, RecoveryTimeout: time.Hour}, zap.NewNop())
	cb := registry.Get(circuitbreaker.ProviderSubmit)
	cb.RecordFailure()
	if cb.GetState() != circuitbreaker.StateOpen {
		t.Fatalf("breaker should be open")
	}

	router := newTestRouter(NewHandler(zap.NewNop(), NewMockTemplateService(), registry), "")

	rec := doRequest(t, router, http.MethodGet, "/v1/breakers", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Data []circuitbreaker.Stats `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].State != "open" {
		t.Fatalf("unexpected stats: %+v", list.Data)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/breakers/"+circuitbreaker.ProviderSubmit+"/reset", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	if cb.GetState() != circuitbreaker.StateClosed {
		t.Fatal("breaker not closed after reset")
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/breakers/unknown/reset", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown breaker status = %d, want 404", rec.Code)
	}
}
