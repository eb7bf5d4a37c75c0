package prescription

import (
	"errors"
	"net/http"

	"github.com/ehr/medtrack/internal/platform/apiclient"
)

// Error taxonomy shared with the transport.
type (
	NetworkError  = apiclient.NetworkError
	APIError      = apiclient.APIError
	ConflictError = apiclient.ConflictError
)

var (
	ErrNetwork  = apiclient.ErrNetwork
	ErrAPI      = apiclient.ErrAPI
	ErrConflict = apiclient.ErrConflict
)

func validationError(msg string) error {
	return &APIError{Status: http.StatusBadRequest, Message: msg}
}

// AlertKind grades an inline alert.
type AlertKind string

const (
	AlertDanger  AlertKind = "danger"
	AlertWarning AlertKind = "warning"
	AlertInfo    AlertKind = "info"
	AlertSuccess AlertKind = "success"
)

// Alert is the inline message a view shows in place of a failed action.
type Alert struct {
	Kind    AlertKind `json:"kind"`
	Message string    `json:"message"`
}

// AlertFor converts a repository error into an inline alert. action names
// what failed, e.g. "load medications".
func AlertFor(action string, err error) Alert {
	var apiErr *APIError
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return Alert{Kind: AlertWarning, Message: "This follow-up was already handled. The list has been refreshed."}
	case errors.As(err, &apiErr):
		if apiErr.Message != "" && apiErr.Message != http.StatusText(apiErr.Status) {
			return Alert{Kind: AlertDanger, Message: apiErr.Message}
		}
		return Alert{Kind: AlertDanger, Message: "Failed to " + action + "."}
	case errors.Is(err, ErrNetwork):
		return Alert{Kind: AlertDanger, Message: "Failed to " + action + ". Check your connection and try again."}
	default:
		return Alert{Kind: AlertDanger, Message: "Failed to " + action + "."}
	}
}
