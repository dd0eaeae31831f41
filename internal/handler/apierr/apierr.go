// Package apierr maps service errors onto HTTP responses.
package apierr

import (
	"log"
	"net/http"

	"github.com/zhouzirui/whisper/backend/internal/errs"
	"github.com/zhouzirui/whisper/backend/pkg/utils"
)

// RetryAfterSeconds is advertised on retryable failures.
const RetryAfterSeconds = "2"

// Status returns the HTTP status for err.
func Status(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindState:
		return http.StatusConflict
	case errs.KindExpired:
		return http.StatusGone
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	case errs.KindStore:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Describe returns the status, code and client-facing message for err.
// Causes of store and unknown errors are never exposed.
func Describe(err error) (status int, code, message string) {
	status = Status(err)
	kind := errs.KindOf(err)
	switch kind {
	case "":
		return status, "internal", "internal error"
	case errs.KindStore:
		return status, string(kind), "temporarily unavailable, retry later"
	}
	return status, string(kind), errs.ReasonOf(err)
}

// Write sends err as a JSON error response.
func Write(w http.ResponseWriter, err error) {
	status, code, message := Describe(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[http] %d: %v", status, err)
	}
	switch status {
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		w.Header().Set("Retry-After", RetryAfterSeconds)
	}
	utils.RespondErrorCode(w, status, code, message)
}
