package integration

import "errors"

var (
	// ErrUnknownProvider is returned when a provider key is not configured.
	ErrUnknownProvider = errors.New("integration: unknown provider")

	// ErrReturnURLNotAllowed is returned when an init request names a
	// return URL outside the allowlist.
	ErrReturnURLNotAllowed = errors.New("integration: return url not allowed")

	// ErrCredentialMissing is returned by ResolveCredential when no
	// credential satisfies the request.
	ErrCredentialMissing = errors.New("integration: credential missing")

	// ErrUserRequired is returned when an init request carries no actor.
	ErrUserRequired = errors.New("integration: user id is required")
)

// CallbackCode names why an OAuth callback failed. Every code is terminal:
// the authorization code is never retried.
type CallbackCode string

const (
	CallbackProviderError           CallbackCode = "provider_error"
	CallbackMissingParameters       CallbackCode = "missing_parameters"
	CallbackStateInvalid            CallbackCode = "state_invalid"
	CallbackTokenExchangeFailed     CallbackCode = "token_exchange_failed"
	CallbackCredentialPersistFailed CallbackCode = "credential_persist_failed"
)

// CallbackError is the failure outcome of HandleCallback.
type CallbackError struct {
	Code    CallbackCode
	Message string
	// ReturnURL is set when the state was recovered before the failure.
	ReturnURL string
	Err       error
}

func (e *CallbackError) Error() string {
	if e.Err != nil {
		return "integration: callback " + string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return "integration: callback " + string(e.Code) + ": " + e.Message
}

func (e *CallbackError) Unwrap() error { return e.Err }
