package warp

import "errors"

// ErrorKind classifies refresh failures. The kinds double as account status
// values when a file-based refresh burns an account.
type ErrorKind string

const (
	// ErrorRefreshFailed covers transport errors and unknown response shapes.
	ErrorRefreshFailed ErrorKind = "refresh_failed"
	// ErrorInvalidToken means the upstream rejected the refresh token.
	ErrorInvalidToken ErrorKind = "invalid_token"
	// ErrorQuotaExhausted means the upstream reports no remaining requests.
	ErrorQuotaExhausted ErrorKind = "quota_exhausted"
)

// RefreshError is the typed failure returned by the refresh coordinator.
type RefreshError struct {
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	if e.Message == "" {
		return "warp: refresh failed: " + string(e.Kind)
	}
	return "warp: refresh failed (" + string(e.Kind) + "): " + e.Message
}

// newRefreshError builds a RefreshError with the given kind and message.
func newRefreshError(kind ErrorKind, message string) *RefreshError {
	return &RefreshError{Kind: kind, Message: message}
}

// KindOf extracts the error kind from err. Untyped errors map to
// ErrorRefreshFailed; nil maps to the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrorRefreshFailed
}
