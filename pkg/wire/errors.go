package wire

// Error codes the hub attaches to error and subscription_error envelopes.
const (
	CodeInvalidEnvelope    = "INVALID_ENVELOPE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeSessionExpired     = "SESSION_EXPIRED"
	CodeNotFound           = "NOT_FOUND"
	CodeSubscriptionDenied = "SUBSCRIPTION_DENIED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeResourceExhausted  = "RESOURCE_EXHAUSTED"
	CodeInternal           = "INTERNAL"
)

// ErrorPayload is the body of an error envelope.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// NewError creates an error envelope correlated to the failing request.
func NewError(requestID, code, message string) (*Envelope, error) {
	env, err := New(KindError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return nil, err
	}
	env.RequestID = requestID
	return env, nil
}

// NewResponse creates a response envelope that settles the request with the
// given request ID.
func NewResponse(requestID string, payload any) (*Envelope, error) {
	env, err := New(KindResponse, payload)
	if err != nil {
		return nil, err
	}
	env.RequestID = requestID
	return env, nil
}
