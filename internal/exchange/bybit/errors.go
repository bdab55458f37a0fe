package bybit

import (
	"errors"
	"fmt"
)

// APIError carries a Bybit retCode so callers can classify the failure
// without string matching.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
}

func (e *APIError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("bybit %s: API error %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("bybit: API error %d: %s", e.Code, e.Message)
}

// Common Bybit error codes.
const (
	ErrCodeInvalidAPIKey       = 10003
	ErrCodeInvalidSignature    = 10004
	ErrCodeInvalidTimestamp    = 10005
	ErrCodeRateLimitExceeded   = 10006
	ErrCodePermissionDenied    = 10010
	ErrCodeOrderNotFound       = 110001
	ErrCodeInvalidOrderType    = 110004
	ErrCodeInsufficientBalance = 110007
	ErrCodeSymbolNotFound      = 110009
	ErrCodeInvalidQuantity     = 110020
	ErrCodeInvalidPrice        = 110021
	ErrCodeMarketClosed        = 110043
)

// newAPIError builds an APIError for a non-zero retCode.
func newAPIError(op string, code int, message string) *APIError {
	return &APIError{Code: code, Message: message, Op: op}
}

// IsAuthenticationError checks if the error is related to credentials.
func IsAuthenticationError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrCodeInvalidAPIKey, ErrCodeInvalidSignature, ErrCodeInvalidTimestamp, ErrCodePermissionDenied:
			return true
		}
	}
	return false
}

// IsOrderNotFoundError checks if the error is due to an unknown order id.
func IsOrderNotFoundError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ErrCodeOrderNotFound
	}
	return false
}

// IsRateLimitError checks if the error is due to rate limiting.
func IsRateLimitError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ErrCodeRateLimitExceeded
	}
	return false
}
