package session

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/kiosk/backend/internal/pairing"
)

// Kind classifies orchestrator failures so callers can render a specific message.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindExpired            Kind = "expired"
	KindUnusedTimeout      Kind = "unused_timeout"
	KindConflict           Kind = "conflict"
	KindNotClaimed         Kind = "not_claimed"
	KindValidation         Kind = "validation"
	KindPaymentNotVerified Kind = "payment_not_verified"
	KindPaymentRequired    Kind = "payment_required"
	KindInternal           Kind = "internal"
)

// Error is the single error type returned by the orchestrator.
type Error struct {
	Kind      Kind
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Operation, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Operation, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var sessionErr *Error
	if errors.As(err, &sessionErr) {
		return sessionErr.Kind
	}
	return KindInternal
}

func newError(operation string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Operation: operation, Err: cause}
}

func fromPairing(operation string, err error) *Error {
	switch {
	case errors.Is(err, pairing.ErrNotFound):
		return newError(operation, KindNotFound, err)
	case errors.Is(err, pairing.ErrExpired):
		return newError(operation, KindExpired, err)
	case errors.Is(err, pairing.ErrUnusedTimeout):
		return newError(operation, KindUnusedTimeout, err)
	case errors.Is(err, pairing.ErrConflict):
		return newError(operation, KindConflict, err)
	case errors.Is(err, pairing.ErrNotClaimed):
		return newError(operation, KindNotClaimed, err)
	case errors.Is(err, pairing.ErrInvalidState),
		errors.Is(err, pairing.ErrInvalidScreenID),
		errors.Is(err, pairing.ErrInvalidMeasurementID),
		errors.Is(err, pairing.ErrInvalidDeviceID):
		return newError(operation, KindValidation, err)
	default:
		return newError(operation, KindInternal, err)
	}
}

func fromMeasurements(operation string, err error) *Error {
	switch {
	case errors.Is(err, measurements.ErrRecordNotFound):
		return newError(operation, KindNotFound, err)
	case errors.Is(err, measurements.ErrVisitorMismatch):
		return newError(operation, KindConflict, err)
	case errors.Is(err, measurements.ErrInvalidHeight),
		errors.Is(err, measurements.ErrInvalidWeight),
		errors.Is(err, measurements.ErrInvalidScreenID):
		return newError(operation, KindValidation, err)
	default:
		return newError(operation, KindInternal, err)
	}
}
