package pairing

import "errors"

var (
	// ErrNotFound indicates the token is unknown or was already evicted.
	ErrNotFound = errors.New("pairing: token not found")
	// ErrExpired indicates the token outlived its absolute expiry.
	ErrExpired = errors.New("pairing: token expired")
	// ErrUnusedTimeout indicates the token was never claimed before its unused deadline.
	ErrUnusedTimeout = errors.New("pairing: token unused timeout")
	// ErrConflict indicates a different device already claimed the token.
	ErrConflict = errors.New("pairing: token claimed by another device")
	// ErrNotClaimed indicates an attempt to progress a token nobody has claimed.
	ErrNotClaimed = errors.New("pairing: token not claimed")
	// ErrInvalidState indicates an unknown flow state.
	ErrInvalidState = errors.New("pairing: invalid state")
	// ErrInvalidScreenID indicates an empty screen identity.
	ErrInvalidScreenID = errors.New("pairing: invalid screen id")
	// ErrInvalidMeasurementID indicates an empty measurement identifier.
	ErrInvalidMeasurementID = errors.New("pairing: invalid measurement id")
	// ErrInvalidDeviceID indicates an empty claiming-device identity.
	ErrInvalidDeviceID = errors.New("pairing: invalid device id")
	// ErrInvalidConfig indicates unusable manager settings.
	ErrInvalidConfig = errors.New("pairing: invalid manager config")
)
