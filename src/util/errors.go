package util

import (
	"github.com/juju/errors"
)

// Error kinds shared by the store, the provider client, and the services.
// Handlers map them onto HTTP status codes.
const (
	ErrInvalidRequest = errors.ConstError("invalid request")
	ErrNotFound       = errors.ConstError("not found")
	ErrUpstream       = errors.ConstError("upstream error")
	ErrStorage        = errors.ConstError("storage error")
	ErrForbidden      = errors.ConstError("forbidden")
)

// ProviderError is the diagnostic payload the provider returns alongside a failed call.
type ProviderError struct {
	Type      string `json:"error_type,omitempty"`
	Code      string `json:"error_code,omitempty"`
	Message   string `json:"error_message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Status    int    `json:"status,omitempty"`
}

// UpstreamError wraps a failed provider call and keeps its payload for diagnostics.
type UpstreamError struct {
	Op      string
	Payload *ProviderError
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Payload != nil && e.Payload.Code != "" {
		return e.Op + ": " + e.Payload.Code + ": " + e.Payload.Message
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Details returns whatever is most useful to show a caller about err: the provider
// payload for upstream failures, otherwise the error text.
func Details(err error) interface{} {
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.Payload != nil {
		return upstream.Payload
	}
	return err.Error()
}
