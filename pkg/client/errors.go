package client

import (
	"fmt"
	"strings"
)

// ErrorKind is the primary classification of an APIError.
type ErrorKind string

const (
	// ErrorKindNetwork represents transport failures with no HTTP status.
	ErrorKindNetwork ErrorKind = "network"

	// ErrorKindTimeout represents attempts aborted by the request timeout.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindUnauthorized represents 401 responses.
	ErrorKindUnauthorized ErrorKind = "unauthorized"

	// ErrorKindForbidden represents 403 responses.
	ErrorKindForbidden ErrorKind = "forbidden"

	// ErrorKindNotFound represents 404 responses.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindServer represents 5xx responses.
	ErrorKindServer ErrorKind = "server"

	// ErrorKindClient represents any other non-2xx response.
	ErrorKindClient ErrorKind = "client"

	// ErrorKindParse represents a successful response whose body could
	// not be decoded.
	ErrorKindParse ErrorKind = "parse"
)

// APIError is the error returned for every failed request: transport
// failures, timeouts, non-2xx responses and undecodable bodies.
// Classification is derived from StatusCode and Message.
type APIError struct {
	// Message is the status text for HTTP failures, or a description of
	// the transport or decode failure.
	Message string

	// StatusCode is zero when no response was received.
	StatusCode int

	// Payload is the best-effort decoded JSON body, never nil.
	Payload map[string]any

	// Err is the underlying transport or decode error, if any.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("api %s error: %s", e.Kind(), e.Message)
	}
	return fmt.Sprintf("api %s error (status %d): %s", e.Kind(), e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsNetworkError reports a transport failure: no response was received and
// the attempt was not aborted by a timeout, or the message carries a
// network failure marker.
func (e *APIError) IsNetworkError() bool {
	if strings.Contains(e.Message, "NetworkError") || strings.Contains(e.Message, "network error") {
		return true
	}
	return e.StatusCode == 0 && !e.IsTimeout()
}

// IsTimeout reports an attempt aborted by a timeout or cancellation.
func (e *APIError) IsTimeout() bool {
	return strings.Contains(e.Message, "timeout") || strings.Contains(e.Message, "aborted")
}

// IsUnauthorized reports a 401 response.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsForbidden reports a 403 response.
func (e *APIError) IsForbidden() bool {
	return e.StatusCode == 403
}

// IsNotFound reports a 404 response.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == 404
}

// IsServerError reports a 5xx response.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsParseError reports a 2xx response whose body could not be decoded.
func (e *APIError) IsParseError() bool {
	return e.StatusCode >= 200 && e.StatusCode < 300
}

// Kind returns the first matching classification in user message order.
func (e *APIError) Kind() ErrorKind {
	switch {
	case e.IsNetworkError():
		return ErrorKindNetwork
	case e.IsTimeout():
		return ErrorKindTimeout
	case e.IsUnauthorized():
		return ErrorKindUnauthorized
	case e.IsForbidden():
		return ErrorKindForbidden
	case e.IsNotFound():
		return ErrorKindNotFound
	case e.IsServerError():
		return ErrorKindServer
	case e.IsParseError():
		return ErrorKindParse
	default:
		return ErrorKindClient
	}
}

// PayloadError returns the "error" string of the response payload.
func (e *APIError) PayloadError() string {
	if s, ok := e.Payload["error"].(string); ok {
		return s
	}
	return ""
}

// Messages holds the user facing text for each error kind.
type Messages struct {
	Network      string `mapstructure:"network"`
	Timeout      string `mapstructure:"timeout"`
	Unauthorized string `mapstructure:"unauthorized"`
	Forbidden    string `mapstructure:"forbidden"`
	NotFound     string `mapstructure:"not_found"`
	ServerError  string `mapstructure:"server_error"`
	Validation   string `mapstructure:"validation"`
}

// DefaultMessages returns the built-in English messages.
func DefaultMessages() Messages {
	return Messages{
		Network:      "Cannot connect to the server. Please check your network connection.",
		Timeout:      "The request took too long. Please try again.",
		Unauthorized: "Your session has expired. Please log in again.",
		Forbidden:    "You do not have permission to use this feature.",
		NotFound:     "The requested data was not found.",
		ServerError:  "Server error. Please try again later.",
		Validation:   "Invalid data. Please check your input.",
	}
}

// UserMessage picks the message shown to a user. Structural failures
// (network, timeout) win over status classes, and status classes win over
// whatever the payload says.
func (e *APIError) UserMessage(msgs Messages) string {
	switch {
	case e.IsNetworkError():
		return msgs.Network
	case e.IsTimeout():
		return msgs.Timeout
	case e.IsUnauthorized():
		return msgs.Unauthorized
	case e.IsForbidden():
		return msgs.Forbidden
	case e.IsNotFound():
		return msgs.NotFound
	case e.IsServerError():
		return msgs.ServerError
	}
	if s := e.PayloadError(); s != "" {
		return s
	}
	if e.Message != "" {
		return e.Message
	}
	return msgs.Validation
}

// Envelope is the {success, data | error} body most endpoints return.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
}
