package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorCodeValidation         = "PAIRING_VALIDATION"
	ErrorCodeDirectory          = "PAIRING_DIRECTORY"
	ErrorCodeConnectionClosed   = "PAIRING_CONNECTION_CLOSED"
	ErrorCodeCredentialNotReady = "PAIRING_CREDENTIAL_NOT_READY"
	ErrorCodeUploadFailed       = "PAIRING_UPLOAD_FAILED"
	ErrorCodeRateLimited        = "PAIRING_RATE_LIMITED"
	ErrorCodeTimeout            = "PAIRING_TIMEOUT"
	ErrorCodeClientAbort        = "PAIRING_CLIENT_ABORT"
	ErrorCodeNotFound           = "PAIRING_NOT_FOUND"
	ErrorCodeInternal           = "PAIRING_INTERNAL"
)

// StatusClientClosedRequest is the non-standard status used for sessions the
// requesting client walked away from.
const StatusClientClosedRequest = 499

var (
	ErrSessionNotFound   = errors.New("core: session not found")
	ErrConnectionClosed  = errors.New("core: external connection closed")
	ErrCredentialMissing = errors.New("core: credential bundle not found")
	ErrWatchdogExpired   = errors.New("core: pairing deadline exceeded")
	ErrClientGone        = errors.New("core: requesting client disconnected")
)

func NewValidationError(message string, fields ...goerrors.FieldError) error {
	err := goerrors.NewValidation(message, fields...).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorCodeValidation)
	return err
}

func NewDirectoryError(message string, source error) error {
	return wrapPairingError(source, goerrors.CategoryInternal, "scratch directory: "+message,
		http.StatusInternalServerError, ErrorCodeDirectory)
}

func NewConnectionClosedError(reason string, source error) error {
	message := "connection closed before pairing completed"
	if reason = strings.TrimSpace(reason); reason != "" {
		message += ": " + reason
	}
	if source == nil {
		source = ErrConnectionClosed
	}
	err := goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorCodeConnectionClosed)
	if reason != "" {
		err.WithMetadata(map[string]any{"reason": reason})
	}
	return err
}

func NewCredentialNotReadyError(path string) error {
	err := goerrors.Wrap(ErrCredentialMissing, goerrors.CategoryOperation, "credential bundle not ready").
		WithCode(http.StatusPreconditionFailed).
		WithTextCode(ErrorCodeCredentialNotReady)
	if path != "" {
		err.WithMetadata(map[string]any{"bundle_file": path})
	}
	return err
}

// NewUploadError annotates the last upload failure with the attempt count
// and the upstream body when one was captured.
func NewUploadError(source error, attempts int, upstreamStatus int, upstreamBody string) error {
	err := wrapPairingError(source, goerrors.CategoryExternal, "credential upload failed",
		http.StatusBadGateway, ErrorCodeUploadFailed)
	metadata := map[string]any{"attempts": attempts}
	if upstreamStatus > 0 {
		metadata["upstream_status"] = upstreamStatus
	}
	if body := strings.TrimSpace(upstreamBody); body != "" {
		metadata["upstream_body"] = body
	}
	err.WithMetadata(metadata)
	return err
}

func NewTimeoutError(deadlineMS int64) error {
	return goerrors.Wrap(ErrWatchdogExpired, goerrors.CategoryOperation, "pairing timed out").
		WithCode(http.StatusGatewayTimeout).
		WithTextCode(ErrorCodeTimeout).
		WithMetadata(map[string]any{"deadline_ms": deadlineMS})
}

func NewClientAbortError() error {
	return goerrors.Wrap(ErrClientGone, goerrors.CategoryOperation, "client disconnected").
		WithCode(StatusClientClosedRequest).
		WithTextCode(ErrorCodeClientAbort)
}

func NewNotFoundError(message string) error {
	return goerrors.Wrap(ErrSessionNotFound, goerrors.CategoryNotFound, message).
		WithCode(http.StatusNotFound).
		WithTextCode(ErrorCodeNotFound)
}

func wrapPairingError(source error, category goerrors.Category, message string, code int, textCode string) *goerrors.Error {
	if source == nil {
		return goerrors.New(message, category).
			WithCode(code).
			WithTextCode(textCode)
	}
	return goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
}

// MapError turns any error into a go-errors envelope with a stable text
// code and HTTP status.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}
	var serviceErr interface{ ToServiceError() *goerrors.Error }
	if errors.As(err, &serviceErr) {
		return ensureErrorEnvelope(serviceErr.ToServiceError())
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return NewNotFoundError(err.Error()).(*goerrors.Error)
	case errors.Is(err, ErrWatchdogExpired):
		return NewTimeoutError(0).(*goerrors.Error)
	case errors.Is(err, ErrClientGone):
		return NewClientAbortError().(*goerrors.Error)
	}
	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorCodeValidation
	case goerrors.CategoryNotFound:
		return ErrorCodeNotFound
	case goerrors.CategoryRateLimit:
		return ErrorCodeRateLimited
	case goerrors.CategoryExternal:
		return ErrorCodeUploadFailed
	default:
		return ErrorCodeInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorPayload is the client-facing body of an error event.
func ErrorPayload(err error) map[string]any {
	mapped := MapError(err)
	if mapped == nil {
		return map[string]any{"message": "unknown error", "code": ErrorCodeInternal}
	}
	payload := map[string]any{
		"message": mapped.Message,
		"code":    mapped.TextCode,
	}
	if detail := errorDetail(mapped); detail != "" {
		payload["detail"] = detail
	}
	return payload
}

func errorDetail(err *goerrors.Error) string {
	if err == nil {
		return ""
	}
	if reason, ok := err.Metadata["reason"].(string); ok && reason != "" {
		return reason
	}
	if body, ok := err.Metadata["upstream_body"].(string); ok && body != "" {
		return body
	}
	if source := errors.Unwrap(err); source != nil {
		return source.Error()
	}
	return ""
}

// ErrorTextCode returns the stable text code for err, or "" when nil.
func ErrorTextCode(err error) string {
	mapped := MapError(err)
	if mapped == nil {
		return ""
	}
	return mapped.TextCode
}
