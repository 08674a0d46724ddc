package service

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyClosed        = errors.New("conversation closed")
	ErrNoProviderConfigured = errors.New("no AI provider configured")
	ErrGatewayFailure       = errors.New("AI gateway failure")
	ErrStoreFailure         = errors.New("store failure")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrUnknownJobKind       = errors.New("unknown job kind")
	ErrJobNotQueued         = errors.New("job not queued")
)

// Stable error codes.
const (
	CodeConversationNotFound = "CNV-1001"
	CodeConversationClosed   = "CNV-1002"
	CodeSummaryNotFound      = "SUM-1001"
	CodeJobNotFound          = "JOB-1001"
	CodeUnknownJobKind       = "JOB-1002"
	CodeJobNotQueued         = "JOB-1003"
	CodeLogbookNotFound      = "LOG-1001"
	CodeNoProvider           = "AI-1001"
	CodeGatewayFailure       = "AI-1002"
	CodeProviderNotFound     = "AI-1003"
	CodeStoreFailure         = "DB-1001"
	CodeInvalidArgument      = "GEN-1001"
)

// Error is a user-facing failure: a kind, a stable code and a short
// explanation, wrapping the underlying cause.
type Error struct {
	Kind    error
	Code    string
	Explain string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %v: %v", e.Code, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %v: %s", e.Code, e.Kind, e.Explain)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, code, explain string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Explain: explain, Err: cause}
}

func invalidArgument(format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return newError(ErrInvalidArgument, CodeInvalidArgument, msg, nil)
}

func conversationNotFound(id string) *Error {
	return newError(ErrNotFound, CodeConversationNotFound,
		"The conversation does not exist.", fmt.Errorf("conversation %s", id))
}

func conversationClosed(id string) *Error {
	return newError(ErrAlreadyClosed, CodeConversationClosed,
		"This conversation was rolled over and is read-only. Continue in the newer thread.",
		fmt.Errorf("conversation %s", id))
}

// storeFailure wraps infrastructure errors. Errors that already carry a
// code pass through untouched.
func storeFailure(err error, op string) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return err
	}
	return newError(ErrStoreFailure, CodeStoreFailure,
		"The local database could not complete the request.", pkgerrors.Wrap(err, op))
}

// CodeOf extracts the stable code and explanation from err.
func CodeOf(err error) (code, explain string) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code, coded.Explain
	}
	return CodeStoreFailure, "Unexpected internal error."
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
