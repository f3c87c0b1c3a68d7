package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/circuitbreaker"
	"github.com/lalithlochan/stencil/internal/db"
	"github.com/lalithlochan/stencil/internal/domain"
)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string              `json:"type"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Detail string              `json:"detail,omitempty"`
	Errors []domain.FieldError `json:"errors,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, resp ErrorResponse) {
	resp.Status = status
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, ErrorResponse{Type: errType, Title: title, Detail: detail})
}

// problemFor maps an error from the lifecycle into a status and body.
func problemFor(err error) (int, ErrorResponse) {
	var (
		validation *domain.ValidationError
		inUse      *domain.TemplateInUseError
		open       *circuitbreaker.OpenError
		exhausted  *domain.RetriesExhaustedError
		rejected   *domain.ProviderRejectedError
		transient  *domain.TransientProviderError
		provider   *domain.ProviderError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Type: "validation_failed", Title: validation.Message, Errors: validation.Fields,
		}
	case errors.As(err, &inUse):
		return http.StatusConflict, ErrorResponse{
			Type: "template_in_use", Title: "Template is in use", Detail: inUse.Reason,
		}
	case errors.Is(err, db.ErrDuplicateTemplate):
		return http.StatusConflict, ErrorResponse{
			Type: "duplicate_template", Title: "A version of this template is already in progress", Detail: err.Error(),
		}
	case errors.Is(err, db.ErrConcurrentModification):
		return http.StatusConflict, ErrorResponse{
			Type: "concurrent_modification", Title: "Template changed concurrently, retry the request",
		}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Type: "not_found", Title: "Not found"}
	case errors.As(err, &open):
		return http.StatusServiceUnavailable, ErrorResponse{
			Type: "circuit_open", Title: "Provider temporarily unavailable", Detail: "template left pending and will be reconciled",
		}
	case errors.As(err, &exhausted):
		return http.StatusServiceUnavailable, ErrorResponse{
			Type: "retries_exhausted", Title: "Provider did not respond", Detail: "template left pending and will be reconciled",
		}
	case errors.As(err, &rejected), errors.As(err, &transient), errors.As(err, &provider):
		return http.StatusBadGateway, ErrorResponse{Type: "provider_error", Title: "Provider call failed", Detail: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorResponse{Type: "internal_error", Title: "Internal server error"}
	}
}

// writeDomainError translates err and logs server-side failures.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	status, resp := problemFor(err)

	var open *circuitbreaker.OpenError
	if errors.As(err, &open) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(open.RetryAfter.Seconds()))))
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	} else {
		h.logger.Info(msg, append(fields, zap.Error(err))...)
	}

	writeProblem(w, status, resp)
}
