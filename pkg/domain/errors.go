package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Error taxonomy shared by the composite, the backend clients and the consumers.
// Callers match with errors.Is; every returned error wraps exactly one of these.
var (
	// ErrInvalidInput is returned for malformed input such as a non-positive id.
	// It is never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when the requested key does not exist. It is never retried.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when a dependency cannot be reached: the circuit
	// breaker is open, retries are exhausted or the command channel rejected a publish.
	ErrUnavailable = errors.New("dependency unavailable")

	// ErrOptimisticLock is returned when a save presents a stale version.
	ErrOptimisticLock = errors.New("optimistic lock failure")

	// ErrDuplicateKey is returned when a create hits an existing logical key.
	// It is a variant of ErrInvalidInput.
	ErrDuplicateKey = fmt.Errorf("%w: duplicate key", ErrInvalidInput)

	// ErrEventProcessing is returned by consumers for commands they cannot apply
	// (unknown type, malformed payload).
	ErrEventProcessing = errors.New("event processing failed")

	// ErrTimeout is returned when a single attempt exceeds its deadline.
	ErrTimeout = errors.New("operation timeout")

	// ErrCircuitOpen is returned when the circuit breaker does not permit the call.
	ErrCircuitOpen = errors.New("circuit breaker open: call not permitted")

	// ErrUnexpected wraps anything outside the taxonomy. It is logged and propagated.
	ErrUnexpected = errors.New("unexpected error")
)

// InvalidInputf builds an ErrInvalidInput with a formatted message.
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// NotFoundf builds an ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput reports whether err is an invalid-input error, including duplicate keys.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsUnavailable reports whether err means the dependency could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsTimeout reports whether err is an attempt timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsBusiness reports whether err is a business outcome (not found, invalid input)
// rather than an infrastructure failure. Business errors are not retried and do not
// count against a circuit breaker.
func IsBusiness(err error) bool {
	return IsNotFound(err) || IsInvalidInput(err)
}

// ClassifyError returns a low-cardinality label for metrics.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrOptimisticLock):
		return "optimistic_lock"
	case errors.Is(err, ErrEventProcessing):
		return "event_processing"
	case errors.Is(err, ErrUnexpected):
		return "unexpected"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial", "eof"):
		return "connection"
	case containsAny(msg, "marshal", "unmarshal", "decode", "encode"):
		return "serialization"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// HTTPStatus maps an error onto the status code the HTTP surfaces answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrOptimisticLock):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Wrap adds dependency and operation context to err while keeping it matchable.
func Wrap(err error, dependency, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", dependency, operation, err)
}

// ErrorInfo is the JSON body of every HTTP error answer.
type ErrorInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
}

// NewErrorInfo describes err as answered on path.
func NewErrorInfo(path string, err error) ErrorInfo {
	status := HTTPStatus(err)
	message := ""
	if err != nil {
		message = err.Error()
	}
	return ErrorInfo{
		Timestamp: time.Now().UTC(),
		Path:      path,
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
	}
}
