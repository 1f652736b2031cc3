// pkg/errors/endpoint.go
package errors

// Endpoint error codes
const (
	// EndpointErrTimeout indicates an RPC deadline was exceeded
	EndpointErrTimeout = "ENDPOINT_TIMEOUT"
	// EndpointErrUnavailable indicates the endpoint could not be reached
	EndpointErrUnavailable = "ENDPOINT_UNAVAILABLE"
	// EndpointErrBroadcastRejected indicates the chain rejected a broadcast
	EndpointErrBroadcastRejected = "ENDPOINT_BROADCAST_REJECTED"
	// EndpointErrMalformedReply indicates an unparseable endpoint response
	EndpointErrMalformedReply = "ENDPOINT_MALFORMED_REPLY"
	// EndpointErrRateLimited indicates the local rate limiter refused the call
	EndpointErrRateLimited = "ENDPOINT_RATE_LIMITED"
)

// Endpoint domain name
const EndpointDomain = "endpoint"

// Endpoint operations
const (
	OpConfirmedNonce   = "ConfirmedNonce"
	OpSimulateCall     = "SimulateCall"
	OpBroadcastCall    = "BroadcastCall"
	OpPollConfirmation = "PollConfirmation"
)

// NewEndpointError creates a new endpoint error
func NewEndpointError(code string, message string, err error) error {
	return &Error{
		Domain:   EndpointDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// EndpointWrap wraps an error with endpoint domain
func EndpointWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    EndpointDomain,
		Operation: operation,
		Message:   message,
		Original:  err,
	}
}

// EndpointWrapWithCode wraps an error with endpoint domain and code
func EndpointWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    EndpointDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsEndpointError checks if an error is an endpoint error with the given code
func IsEndpointError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == EndpointDomain && domainErr.Code == code
	}
	return false
}
