package models

import (
	"encoding/json"
	"errors"
)

// Sentinel errors shared by the ledger, request log, dispatcher and transport.
var (
	ErrInvalidAmount     = errors.New("titleforge: amount must be positive")
	ErrInsufficientFunds = errors.New("titleforge: insufficient funds")
	ErrInvalidRequest    = errors.New("titleforge: invalid request text")
	ErrNotFound          = errors.New("titleforge: not found")
	ErrInvalidTransition = errors.New("titleforge: invalid status transition")
	ErrMissingSettlement = errors.New("titleforge: completed request has no settling ledger entry")
	ErrMissingResult     = errors.New("titleforge: completed event carries no result")
	ErrInvalidEvent      = errors.New("titleforge: invalid worker event")
	ErrForbidden         = errors.New("titleforge: forbidden")
)

// IsPermanent reports whether retrying the message that produced err can
// never succeed. Such messages are rejected without requeue.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrMissingSettlement) ||
		errors.Is(err, ErrMissingResult) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr)
}

// IsClientError reports whether err was caused by caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidRequest)
}
