package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Request is a single vision query: one image plus an instruction
type Request struct {
	Model    string
	Prompt   string
	MimeType string
	ImageB64 string
	// JSON asks the backend to constrain its reply to a JSON object
	JSON bool
}

// VisionClient is a remote vision-language model backend
type VisionClient interface {
	Name() string
	Query(ctx context.Context, req Request) (string, error)
}

// Factory builds a client from a credential. Returning an error means the
// credential is structurally unusable.
type Factory func(ctx context.Context, apiKey string) (VisionClient, error)

// APIError is the structured form of a failure reported by a remote backend.
// Backends convert their SDK errors into it so callers can classify failures
// without looking at message text.
type APIError struct {
	Backend    string
	StatusCode int
	// Status is the canonical status name, e.g. "PERMISSION_DENIED"
	Status string
	// Reason is a machine-readable reason such as "API_KEY_INVALID"
	Reason  string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: HTTP %d %s", e.Backend, e.StatusCode, e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

var authStatuses = map[string]bool{
	"UNAUTHENTICATED":   true,
	"PERMISSION_DENIED": true,
}

var authReasons = map[string]bool{
	"API_KEY_INVALID":         true,
	"API_KEY_SERVICE_BLOCKED": true,
	"invalid_api_key":         true,
}

// authPhrases are lowercase fragments seen in credential rejections from
// backends that return no usable structure. Matching them is a heuristic.
var authPhrases = []string{
	"api key not valid",
	"api_key_invalid",
	"invalid api key",
	"incorrect api key",
	"permission denied",
	"unauthorized",
	"unauthenticated",
}

// IsAuthError reports whether err means the remote side rejected the
// credential. Structured fields on an APIError are checked first, then the
// message text is searched as a fallback.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			return true
		}
		if authStatuses[strings.ToUpper(apiErr.Status)] || authReasons[apiErr.Reason] {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range authPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
