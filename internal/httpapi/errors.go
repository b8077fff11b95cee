package httpapi

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/attachd/internal/attachments"
	"pkt.systems/attachd/internal/delivery"
	"pkt.systems/attachd/internal/storage"
)

// convertError maps domain errors to HTTP errors. The boolean is false when
// err had no known mapping and became a 500.
func convertError(err error) (httpError, bool) {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	var verr *attachments.ValidationError
	var serr *storage.Error
	switch {
	case errors.Is(err, attachments.ErrNotFound), errors.Is(err, attachments.ErrRemoved):
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "attachment not found"}, true
	case errors.Is(err, delivery.ErrNoContent):
		return httpError{Status: http.StatusNotFound, Code: "no_content", Detail: "attachment has no content yet"}, true
	case errors.Is(err, storage.ErrNotFound):
		return httpError{Status: http.StatusNotFound, Code: "content_missing", Detail: "attachment content not available in storage"}, true
	case errors.Is(err, attachments.ErrContractViolation):
		return httpError{Status: http.StatusConflict, Code: "content_immutable", Detail: err.Error()}, true
	case errors.Is(err, attachments.ErrConflict):
		return httpError{Status: http.StatusConflict, Code: "conflict", Detail: err.Error()}, true
	case errors.As(err, &verr):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_upload", Detail: verr.Error()}, true
	case errors.As(err, &serr):
		return httpError{Status: http.StatusBadGateway, Code: "storage_error", Detail: "storage " + serr.Op + " failed"}, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return httpError{Status: http.StatusServiceUnavailable, Code: "canceled", Detail: err.Error()}, true
	}
	return httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: "internal server error"}, false
}
