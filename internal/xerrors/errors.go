// Package xerrors defines the transfer-core error taxonomy shared by the
// protocol handlers, the multi-source engine, and the payment checkpoint
// service.
package xerrors

import (
	"errors"
	"fmt"
)

// Category is one of the mutually exclusive error categories from spec §7.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryProtocol      Category = "protocol"
	CategoryFilesystem    Category = "filesystem"
	CategoryVerification  Category = "verification"
	CategoryAuthentication Category = "authentication"
	CategoryNoSources     Category = "no_sources"
	CategoryRateLimit     Category = "rate_limit"
	CategoryPaymentRequired Category = "payment_required"
	CategoryCanceled      Category = "canceled"
	CategoryStalled       Category = "stalled"
	CategoryUnknown       Category = "unknown"
)

// TransferError wraps an underlying cause with a category and contextual
// fields. It is the only error type that crosses package boundaries in this
// module; handlers and engine code should wrap local errors into one of
// these before returning them upward.
type TransferError struct {
	Category Category
	Message  string
	Fields   map[string]any
	Cause    error
}

func (e *TransferError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *TransferError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, xerrors.New(category, "")) to match purely on
// category, ignoring message/cause.
func (e *TransferError) Is(target error) bool {
	var t *TransferError
	if errors.As(target, &t) {
		return t.Category == e.Category
	}
	return false
}

// New constructs a TransferError with no cause.
func New(category Category, message string) *TransferError {
	return &TransferError{Category: category, Message: message}
}

// Wrap constructs a TransferError around an existing cause.
func Wrap(category Category, message string, cause error) *TransferError {
	return &TransferError{Category: category, Message: message, Cause: cause}
}

// WithField attaches a contextual field and returns the same error for
// chaining: xerrors.Wrap(...).WithField("source_id", id).
func (e *TransferError) WithField(key string, value any) *TransferError {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 4)
	}
	e.Fields[key] = value
	return e
}

// CategoryOf extracts the category of err, walking the Unwrap chain.
// Returns CategoryUnknown if err is nil or does not wrap a TransferError.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var t *TransferError
	if errors.As(err, &t) {
		return t.Category
	}
	return CategoryUnknown
}

// Retryable reports whether the category's spec-defined recovery policy
// permits a local retry by the same source (§7 propagation policy).
func Retryable(category Category) bool {
	switch category {
	case CategoryNetwork, CategoryProtocol, CategoryRateLimit:
		return true
	default:
		return false
	}
}
