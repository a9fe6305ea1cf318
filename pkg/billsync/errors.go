package billsync

import "errors"

var (
	// ErrAccountNotFound is returned when no account exists for the lookup key.
	ErrAccountNotFound = errors.New("account not found")

	// ErrVersionConflict is returned by conditional account writes when the
	// stored version no longer matches ExpectVersion.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrInsufficientCredits is returned by DecrementIfPositive when the
	// balance is already zero.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidPlan is returned for unknown plan values.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrInvalidAmount is returned for non-positive credit amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrStorageUnavailable is returned when a required store is missing.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
