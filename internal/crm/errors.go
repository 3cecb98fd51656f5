package crm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/js-owl/maas-back/internal/models"
)

// ErrNotConfigured is returned when no CRM webhook URL was provided
var ErrNotConfigured = errors.New("crm: client not configured")

// Error is a failed CRM REST call. StatusCode is the HTTP status, Code and
// Message carry the CRM's error and error_description fields
type Error struct {
	Method     string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("crm %s: http %d %s: %s", e.Method, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("crm %s: http %d: %s", e.Method, e.StatusCode, e.Message)
}

// Class maps the response onto the sync error taxonomy
func (e *Error) Class() models.ErrorClass {
	switch {
	case e.methodNotFound():
		// unknown REST method: a deployment problem, retrying the same call will not help
		return models.ClassInvalid
	case e.notFound():
		return models.ClassNotFound
	case e.StatusCode == http.StatusBadRequest, e.StatusCode == http.StatusUnprocessableEntity:
		return models.ClassInvalid
	default:
		// 401/403 (webhook revoked), 408, 429, 5xx
		return models.ClassTransient
	}
}

func (e *Error) methodNotFound() bool {
	return strings.EqualFold(e.Code, "ERROR_METHOD_NOT_FOUND")
}

// notFound covers a plain 404 and the CRM's habit of answering a missing
// entity with 400 "Not found"
func (e *Error) notFound() bool {
	switch {
	case strings.EqualFold(e.Code, "NOT_FOUND"):
		return true
	case e.StatusCode == http.StatusNotFound:
		return true
	case e.StatusCode == http.StatusBadRequest:
		return strings.Contains(strings.ToLower(e.Message), "not found")
	}
	return false
}

// Classify returns the error class of any error produced while syncing.
// Anything that is not a CRM response (transport, timeouts, local store) is transient
func Classify(err error) models.ErrorClass {
	if err == nil {
		return models.ClassNone
	}

	var crmErr *Error
	if errors.As(err, &crmErr) {
		return crmErr.Class()
	}

	return models.ClassTransient
}

// IsNotFound reports whether err means the remote entity does not exist
func IsNotFound(err error) bool {
	return Classify(err) == models.ClassNotFound
}

// RetryAfter returns the server-requested delay carried by err, if any
func RetryAfter(err error) time.Duration {
	var crmErr *Error
	if errors.As(err, &crmErr) {
		return crmErr.RetryAfter
	}
	return 0
}
