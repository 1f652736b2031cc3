// pkg/errors/submission.go
package errors

// Submission error codes
const (
	// SubmissionErrExhausted indicates the per-account reservation budget is full
	SubmissionErrExhausted = "SUBMIT_EXHAUSTED"
	// SubmissionErrRejected indicates the transaction was rejected before or at broadcast
	SubmissionErrRejected = "SUBMIT_REJECTED"
	// SubmissionErrDropped indicates the transaction was broadcast but never confirmed
	SubmissionErrDropped = "SUBMIT_DROPPED"
	// SubmissionErrAuthUnavailable indicates the signing backend could not be reached
	SubmissionErrAuthUnavailable = "SUBMIT_AUTH_UNAVAILABLE"
	// SubmissionErrUnknownChain indicates a request for a chain with no configured endpoint
	SubmissionErrUnknownChain = "SUBMIT_UNKNOWN_CHAIN"
	// SubmissionErrQueueFull indicates the chain's intake queue is at capacity
	SubmissionErrQueueFull = "SUBMIT_QUEUE_FULL"
	// SubmissionErrCancelled indicates the caller cancelled before broadcast
	SubmissionErrCancelled = "SUBMIT_CANCELLED"
	// SubmissionErrNotCancellable indicates cancellation arrived after the point of no return
	SubmissionErrNotCancellable = "SUBMIT_NOT_CANCELLABLE"
	// SubmissionErrDuplicate indicates a submission ID was reused
	SubmissionErrDuplicate = "SUBMIT_DUPLICATE"
	// SubmissionErrInvalidRequest indicates a malformed transaction request
	SubmissionErrInvalidRequest = "SUBMIT_INVALID_REQUEST"
	// SubmissionErrPaused indicates intake is administratively paused
	SubmissionErrPaused = "SUBMIT_PAUSED"
	// SubmissionErrNotFound indicates no submission exists with the given ID
	SubmissionErrNotFound = "SUBMIT_NOT_FOUND"
)

// Submission domain name
const SubmissionDomain = "submission"

// Submission operations
const (
	OpSubmit            = "Submit"
	OpCancel            = "Cancel"
	OpReserveNonce      = "ReserveNonce"
	OpSimulate          = "Simulate"
	OpSign              = "Sign"
	OpBroadcast         = "Broadcast"
	OpAwaitConfirmation = "AwaitConfirmation"
	OpComplete          = "Complete"
)

// Submission sentinels. These cross package boundaries: the orchestrator and
// pipeline return them, the API maps them to status codes.
var (
	// ErrExhausted is returned when an account's outstanding-reservation
	// budget is full and the caller should retry later.
	ErrExhausted = New("reservation budget exhausted")
	// ErrUnknownChain is returned for submissions naming a chain with no
	// configured endpoint.
	ErrUnknownChain = New("unknown chain")
	// ErrAuthUnavailable is returned when signing authority cannot be
	// acquired. No nonce is consumed.
	ErrAuthUnavailable = New("signing authority unavailable")
	// ErrQueueFull is returned when a chain's intake queue rejects a
	// submission. The request never entered the pipeline.
	ErrQueueFull = New("intake queue full")
	// ErrNotCancellable is returned when a cancellation arrives after the
	// transaction has been handed to the chain.
	ErrNotCancellable = New("submission no longer cancellable")
	// ErrDuplicateSubmission is returned when a submission ID is reused.
	ErrDuplicateSubmission = New("duplicate submission id")
	// ErrPaused is returned while intake is administratively paused.
	ErrPaused = New("intake paused")
	// ErrSubmissionNotFound is returned when no submission exists with the
	// given ID.
	ErrSubmissionNotFound = New("submission not found")
)

// NewSubmissionError creates a new submission error
func NewSubmissionError(code string, message string, err error) error {
	return &Error{
		Domain:   SubmissionDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// SubmissionErrorf creates a new submission error with formatted message
func SubmissionErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  SubmissionDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// SubmissionWrap wraps an error with submission domain
func SubmissionWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    SubmissionDomain,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// SubmissionWrapWithCode wraps an error with submission domain and code
func SubmissionWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    SubmissionDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsSubmissionError checks if an error is a submission error with the given code
func IsSubmissionError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == SubmissionDomain && domainErr.Code == code
	}
	return false
}
