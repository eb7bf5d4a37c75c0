package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Error classes. Match with errors.Is.
var (
	ErrNetwork  = errors.New("network error")
	ErrAPI      = errors.New("api error")
	ErrConflict = errors.New("conflict")
)

// NetworkError is a transport failure: the backend produced no response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// APIError is a request the backend rejected. Message is the server's text
// when it sent one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool { return target == ErrAPI }

// ConflictError is a follow-up state transition attempted from a terminal
// state. The caller should refetch to reconcile.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return "conflict"
	}
	return "conflict: " + e.Message
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// errorFromResponse maps a non-2xx response to the error taxonomy.
func errorFromResponse(status int, body []byte) error {
	msg := extractMessage(body)
	if status == http.StatusConflict {
		return &ConflictError{Message: msg}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}

// extractMessage pulls a human-readable message out of common error bodies:
// {"detail": ...}, {"message": ...}, {"error": ...}, or plain text.
func extractMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return s
			}
		}
		// field validation errors: {"doses_taken": ["must be positive"]},
		// first field by name when there are several
		fields := make([]string, 0, len(obj))
		for field := range obj {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			if list, ok := obj[field].([]interface{}); ok && len(list) > 0 {
				if s, ok := list[0].(string); ok {
					return field + ": " + s
				}
			}
		}
		return trimmed
	}
	return trimmed
}
