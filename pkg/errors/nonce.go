// pkg/errors/nonce.go
package errors

// Nonce error codes define specific error conditions in the nonce domain.
const (
	// NonceErrExhausted indicates the outstanding-reservation threshold was hit.
	NonceErrExhausted = "NONCE_EXHAUSTED"
	// NonceErrPoisoned indicates the slot is poisoned and refusing reservations.
	NonceErrPoisoned = "NONCE_POISONED"
	// NonceErrInvalidated indicates a reservation was invalidated by a reorg.
	NonceErrInvalidated = "NONCE_INVALIDATED"
	// NonceErrReleaseMismatch indicates a release for a number that was never reserved.
	NonceErrReleaseMismatch = "NONCE_RELEASE_MISMATCH"
	// NonceErrDoubleRelease indicates a second release of the same reservation.
	NonceErrDoubleRelease = "NONCE_DOUBLE_RELEASE"
	// NonceErrReconcileFailed indicates the authoritative nonce could not be read.
	NonceErrReconcileFailed = "NONCE_RECONCILE_FAILED"
)

// NonceDomain is the domain name for nonce errors.
const NonceDomain = "nonce"

// Nonce operations define the specific operations that can fail in the nonce domain.
const (
	// OpReserve is the operation for reserving the next sequence number.
	OpReserve = "Reserve"
	// OpRelease is the operation for releasing a reservation.
	OpRelease = "Release"
	// OpPoison is the operation for poisoning a slot.
	OpPoison = "Poison"
	// OpReconcile is the operation for reconciling a slot against the chain.
	OpReconcile = "Reconcile"
)

// Nonce sentinels.
var (
	// ErrSlotPoisoned is returned while a slot awaits reconciliation.
	ErrSlotPoisoned = New("nonce slot poisoned")
	// ErrReservationInvalidated is returned when releasing a reservation
	// that a reorg reconciliation invalidated.
	ErrReservationInvalidated = New("reservation invalidated by reorg")
	// ErrReleaseMismatch is returned for a release that does not match an
	// outstanding reservation.
	ErrReleaseMismatch = New("release does not match an outstanding reservation")
)

// NewNonceError creates a new nonce error.
func NewNonceError(code string, message string, err error) error {
	return &Error{
		Domain:   NonceDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// NonceErrorf creates a new nonce error with formatted message.
func NonceErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  NonceDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// NonceWrap wraps an error with nonce domain.
func NonceWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    NonceDomain,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// IsNonceError checks if an error is a nonce error with the given code.
func IsNonceError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == NonceDomain && domainErr.Code == code
	}
	return false
}
