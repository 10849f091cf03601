package webhook

import "net/http"

// ErrorKind is the typed error taxonomy from spec.md §7, mapped to an HTTP
// status by the middleware. Handlers never fail open: a webhook handler
// that cannot persist always returns non-2xx so the pipeline, which is
// the retry driver for telemetry, retries the delivery.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindProvider       ErrorKind = "provider"
	KindRemoteShell    ErrorKind = "remote_shell"
	KindStorage        ErrorKind = "storage"
	KindDatabase       ErrorKind = "database"
	KindBillingDenied  ErrorKind = "billing_denied"
)

// Error is the typed error every handler returns instead of a bare error,
// so the middleware can map it to the correct HTTP status without
// re-deriving intent from error string matching.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func authError(message string, cause error) *Error          { return newErr(KindAuth, message, cause) }
func validationError(message string, cause error) *Error    { return newErr(KindValidation, message, cause) }
func notFoundError(message string, cause error) *Error      { return newErr(KindNotFound, message, cause) }
func providerError(message string, cause error) *Error      { return newErr(KindProvider, message, cause) }
func remoteShellError(message string, cause error) *Error   { return newErr(KindRemoteShell, message, cause) }
func storageError(message string, cause error) *Error       { return newErr(KindStorage, message, cause) }
func databaseError(message string, cause error) *Error      { return newErr(KindDatabase, message, cause) }
func billingDeniedError(message string, cause error) *Error { return newErr(KindBillingDenied, message, cause) }

// httpStatus maps an ErrorKind to the status code spec.md §7 specifies.
func httpStatus(kind ErrorKind) int {
	switch kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindProvider, KindRemoteShell, KindStorage, KindDatabase:
		return http.StatusBadGateway
	case KindBillingDenied:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
