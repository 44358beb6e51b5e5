package heatmap

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/quota"
	"github.com/sells-group/localrank/pkg/google"
)

var (
	// ErrConfiguration marks an invalid request or engine setup.
	ErrConfiguration = eris.New("heatmap: invalid configuration")
	// ErrMissingCredentials is returned before any call when the provider
	// has no credentials.
	ErrMissingCredentials = eris.New("heatmap: provider credentials missing")
	// ErrProjectNotFound is returned for unknown or inactive projects.
	ErrProjectNotFound = eris.New("heatmap: project not found")
	// ErrPersistence marks a scan that ran but could not be stored.
	ErrPersistence = eris.New("heatmap: persistence failed")
)

// PersistenceError carries a completed summary whose write failed, so the
// write can be retried without repeating provider calls.
type PersistenceError struct {
	Summary *ScanSummary
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("heatmap: persist scan %s: %v", e.Summary.ID, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// Error categories reported to callers.
const (
	CategoryCredentials   = "credentials"
	CategoryConfiguration = "configuration"
	CategoryNotFound      = "not_found"
	CategoryQuota         = "quota"
	CategoryProvider      = "provider"
	CategoryPersistence   = "persistence"
	CategoryInternal      = "internal"
)

// Category classifies err for callers.
func Category(err error) string {
	var apiErr *google.APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCredentials), errors.Is(err, google.ErrMissingAPIKey):
		return CategoryCredentials
	case errors.Is(err, ErrConfiguration), errors.Is(err, geogrid.ErrInvalidGrid):
		return CategoryConfiguration
	case errors.Is(err, ErrProjectNotFound):
		return CategoryNotFound
	case errors.Is(err, quota.ErrQuotaExhausted), errors.Is(err, quota.ErrNoAccess):
		return CategoryQuota
	case errors.Is(err, ErrPersistence):
		return CategoryPersistence
	case errors.As(err, &apiErr):
		return CategoryProvider
	default:
		return CategoryInternal
	}
}

// HTTPStatus maps an error category to a response status.
func HTTPStatus(category string) int {
	switch category {
	case CategoryConfiguration:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryQuota:
		return http.StatusPaymentRequired
	case CategoryPersistence, CategoryProvider:
		return http.StatusServiceUnavailable
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
