package common

import (
	"errors"
	"fmt"
)

// Error classes shared by every exchange path. Classified responses satisfy
// errors.Is against exactly one of them.
var (
	ErrAuthentication         = errors.New("authentication failure")
	ErrValidation             = errors.New("validation failure")
	ErrFeatureDisabled        = errors.New("feature disabled")
	ErrDuplicateOrder         = errors.New("duplicate order")
	ErrNetwork                = errors.New("network failure")
	ErrOrderNotFound          = errors.New("order not found")
	ErrConditionalUnavailable = errors.New("conditional orders unavailable")

	// ErrDataIntegrity is returned by read paths that cannot obtain live data.
	// Callers must never substitute placeholder values for it.
	ErrDataIntegrity = errors.New("live data unavailable")
)

// APIError carries a non-zero response envelope.
type APIError struct {
	Method     string
	Code       int
	Message    string
	HTTPStatus int
	Class      error // one of the sentinels above, nil when unrecognized
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: code=%d message=%q http=%d", e.Method, e.Code, e.Message, e.HTTPStatus)
}

// Is lets errors.Is match the classified sentinel.
func (e *APIError) Is(target error) bool {
	return e.Class != nil && e.Class == target
}

// AsAPIError unwraps err into an *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Retriable reports whether another route may succeed where this one failed.
func Retriable(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrNetwork)
}

// Permanent reports whether the venue definitively refused the request.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrDuplicateOrder) {
		return true
	}
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Class == nil
}

// NetworkError wraps a transport failure.
func NetworkError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
}
