package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("product not found")
	ErrRateLimited           = errors.New("rate limited")
	ErrSaleNotActive         = errors.New("sale not active")
	ErrSoldOut               = errors.New("sold out")
	ErrAlreadyReserved       = errors.New("already reserved")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrPersistenceConflict   = errors.New("persisted stock conflict")
	ErrClockRegression       = errors.New("clock moved backwards")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderNotPayable       = errors.New("order not payable")
	ErrOrderNotCancellable   = errors.New("order not cancellable")
	ErrResultNotFound        = errors.New("result not found")
)

// ErrTokenMismatch is returned when a token's claims do not match the order
// message carrying it.
var ErrTokenMismatch = fmt.Errorf("%w: claims mismatch", ErrInvalidOrExpiredToken)

// ErrRetryLater marks an async job failure that must be redelivered rather
// than dropped.
var ErrRetryLater = errors.New("retry later")

// IsUserOutcome reports whether err is a terminal purchase outcome that is
// returned to the caller rather than treated as a failure.
func IsUserOutcome(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrSaleNotActive) ||
		errors.Is(err, ErrSoldOut) ||
		errors.Is(err, ErrAlreadyReserved)
}

// IsPermanent reports whether an async job failing with err must not be
// retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidOrExpiredToken) || errors.Is(err, ErrPersistenceConflict)
}
