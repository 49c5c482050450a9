package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind names the class of a gateway error. It is the value of the "error"
// field in every JSON error body.
type Kind string

const (
	KindInvalidPath       Kind = "InvalidPath"
	KindMethodNotAllowed  Kind = "MethodNotAllowed"
	KindRateLimited       Kind = "RateLimited"
	KindBodyParseError    Kind = "BodyParseError"
	KindPayloadTooLarge   Kind = "PayloadTooLarge"
	KindNotFound          Kind = "NotFound"
	KindBadGateway        Kind = "BadGateway"
	KindInternalError     Kind = "InternalError"
	KindUpstreamUnhealthy Kind = "UpstreamUnhealthy"
)

// GatewayError represents an error that can be returned to clients
type GatewayError struct {
	Status     int    `json:"-"`
	Kind       Kind   `json:"error"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.underlying)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors (no details/requestID) use pre-serialized bytes.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrInvalidPath = &GatewayError{
		Status:  http.StatusBadRequest,
		Kind:    KindInvalidPath,
		Message: "Invalid request path",
	}

	ErrURITooLong = &GatewayError{
		Status:  http.StatusRequestURITooLong,
		Kind:    KindInvalidPath,
		Message: "Request URI too long",
	}

	ErrMethodNotAllowed = &GatewayError{
		Status:  http.StatusMethodNotAllowed,
		Kind:    KindMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrTooManyRequests = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Kind:    KindRateLimited,
		Message: "Too many requests, please try again later.",
	}

	ErrBodyParse = &GatewayError{
		Status:  http.StatusBadRequest,
		Kind:    KindBodyParseError,
		Message: "Request body could not be parsed",
	}

	ErrPayloadTooLarge = &GatewayError{
		Status:  http.StatusRequestEntityTooLarge,
		Kind:    KindPayloadTooLarge,
		Message: "Request body too large",
	}

	ErrNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Kind:    KindNotFound,
		Message: "Not Found",
	}

	ErrBadGateway = &GatewayError{
		Status:  http.StatusBadGateway,
		Kind:    KindBadGateway,
		Message: "Bad Gateway",
	}

	ErrInternal = &GatewayError{
		Status:  http.StatusInternalServerError,
		Kind:    KindInternalError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrInvalidPath, ErrURITooLong, ErrMethodNotAllowed, ErrTooManyRequests,
		ErrBodyParse, ErrPayloadTooLarge, ErrNotFound, ErrBadGateway, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(status int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, status int, kind Kind, message string) *GatewayError {
	return &GatewayError{
		Status:     status,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// WithMessage returns a copy carrying a different client-facing message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	c := *e
	c.Message = message
	return &c
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details any) *GatewayError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := *e
	c.RequestID = requestID
	return &c
}

// IsGatewayError checks if an error is a GatewayError
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
