// Package disco holds the error kinds shared by every component of the
// daemon and worker, following a go-errors/xerrors style wrapped error
// pattern.
package disco

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind enumerates the error kinds of the error handling design.
type Kind string

const (
	KindInvalidManifest          Kind = "InvalidManifest"
	KindContainerError           Kind = "ContainerError"
	KindProxyError               Kind = "ProxyError"
	KindGitError                 Kind = "GitError"
	KindAuthError                Kind = "AuthError"
	KindNotFound                 Kind = "NotFound"
	KindConflict                 Kind = "Conflict"
	KindInvalidArgument          Kind = "InvalidArgument"
	KindTimeout                  Kind = "Timeout"
	KindWebhookSignatureMismatch Kind = "WebhookSignatureMismatch"
	KindCgiResponseException     Kind = "CgiResponseException"
	KindInternalError            Kind = "InternalError"
)

// Error is the typed, coded error every narrow driver and engine step
// returns on failure.
type Error struct {
	Kind    Kind
	Message string
	// Status carries the 401/403 split for AuthError; zero for other kinds.
	Status int
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func InvalidManifest(path, message string) *Error {
	return newErr(KindInvalidManifest, fmt.Sprintf("%s: %s", path, message), nil)
}

func ContainerError(message string, cause error) *Error {
	return newErr(KindContainerError, message, cause)
}

func ProxyError(message string, cause error) *Error {
	return newErr(KindProxyError, message, cause)
}

func GitError(message string, cause error) *Error {
	return newErr(KindGitError, message, cause)
}

func AuthError(status int, message string) *Error {
	return &Error{Kind: KindAuthError, Message: message, Status: status}
}

func NotFound(message string) *Error {
	return newErr(KindNotFound, message, nil)
}

func Conflict(message string) *Error {
	return newErr(KindConflict, message, nil)
}

func InvalidArgument(message string) *Error {
	return newErr(KindInvalidArgument, message, nil)
}

func Timeout(message string) *Error {
	return newErr(KindTimeout, message, nil)
}

func WebhookSignatureMismatch() *Error {
	return newErr(KindWebhookSignatureMismatch, "signature does not match", nil)
}

func CgiResponseException(message string, body []byte) *Error {
	e := newErr(KindCgiResponseException, message, nil)
	e.Message = fmt.Sprintf("%s (body: %q)", message, truncate(body, 256))
	return e
}

func InternalError(cause error) *Error {
	return newErr(KindInternalError, "internal error", cause)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Is reports whether err carries the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var derr *Error
	if xerrors.As(err, &derr) {
		return derr.Kind == kind
	}
	return false
}

// Wrap attaches a stack trace the way main.go's error boundary does with
// go-errors/errors, for errors that did not originate as *disco.Error.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 1)
}
