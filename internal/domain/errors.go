package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageBytes bounds every stored error message.
const MaxMessageBytes = 255

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when a status write does not follow
	// the record's transition table, or lost a race against another writer.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ExpiredError is a fatal error raised when a unit of work ran out of time.
type ExpiredError struct {
	Reason string
}

func (e *ExpiredError) Error() string {
	return e.Reason
}

// NewExpired returns a fatal Expired error.
func NewExpired(reason string) error {
	return &ExpiredError{Reason: reason}
}

// SourceFailedError is a fatal error reported by the source installation.
type SourceFailedError struct {
	Message string
}

func (e *SourceFailedError) Error() string {
	return "Export from source instance failed: " + e.Message
}

// NewSourceFailed returns a fatal SourceFailed error carrying the source message.
func NewSourceFailed(message string) error {
	return &SourceFailedError{Message: message}
}

// RetryableError asks the runner to put the unit back and try again after Delay.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps err so the runner re-enqueues the unit after delay.
func NewRetryable(err error, delay time.Duration) error {
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay returns the delay carried by a retryable error in err's chain.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Delay, true
	}
	return 0, false
}

// IsFatal reports whether err is a terminal condition that must not be retried.
func IsFatal(err error) bool {
	var expired *ExpiredError
	var failed *SourceFailedError
	return errors.As(err, &expired) || errors.As(err, &failed)
}

// ExceptionClass names the kind of err for the failure ledger.
func ExceptionClass(err error) string {
	var expired *ExpiredError
	var failed *SourceFailedError
	var retryable *RetryableError
	var panicked *PanicError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &expired):
		return "Expired"
	case errors.As(err, &failed):
		return "SourceFailed"
	case errors.As(err, &panicked):
		return "Panic"
	case errors.As(err, &retryable):
		return "Retryable"
	}

	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", root), "*")
	if idx := strings.LastIndex(name, "."); idx != -1 && strings.HasPrefix(name[idx+1:], "error") {
		// plain errors.New / fmt.Errorf values have no meaningful type name
		return "Error"
	}
	return name
}

// PanicError carries a value recovered from a panicking job handler.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// TruncateMessage cuts msg to at most max bytes without splitting a rune.
func TruncateMessage(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
