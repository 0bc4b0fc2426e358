// Package errs defines the stable, prefixed error vocabulary that the
// feedme client runtime uses to talk to application code. Every tag here
// is load-bearing: the feed handle's emission rule (see package feed)
// compares error tags, so they must never be renamed or reworded.
package errs

import "fmt"

// Tag is one of the stable error prefixes from the protocol design.
type Tag string

const (
	InvalidArgument    Tag = "INVALID_ARGUMENT"
	InvalidState       Tag = "INVALID_STATE"
	InvalidFeedState   Tag = "INVALID_FEED_STATE"
	NotConnected       Tag = "NOT_CONNECTED"
	Timeout            Tag = "TIMEOUT"
	Rejected           Tag = "REJECTED"
	Terminated         Tag = "TERMINATED"
	BadFeedAction      Tag = "BAD_FEED_ACTION"
	BadActionRevel     Tag = "BAD_ACTION_REVELATION"
	HandshakeRejected  Tag = "HANDSHAKE_REJECTED"
	TransportFailure   Tag = "TRANSPORT_FAILURE"
	TransportError     Tag = "TRANSPORT_ERROR"
	Destroyed          Tag = "DESTROYED"
	InvalidMessage     Tag = "INVALID_MESSAGE"
	UnexpectedMessage  Tag = "UNEXPECTED_MESSAGE"
	InvalidDelta       Tag = "INVALID_DELTA"
	InvalidHash        Tag = "INVALID_HASH"
	InvalidCall        Tag = "INVALID_CALL"
	InvalidResult      Tag = "INVALID_RESULT"
	UnexpectedEvent    Tag = "UNEXPECTED_EVENT"
	BadEventArgument   Tag = "BAD_EVENT_ARGUMENT"
)

// Error is an application-visible error. Its Error() string always begins
// with "<Tag>: " so that prefix-matching code (notably the feed handle's
// close-reason comparison) keeps working no matter what wraps it.
type Error struct {
	Tag Tag
	Msg string

	// Cause is the underlying error, if any (e.g. a transport error, a
	// JSON parse error, a schema violation).
	Cause error

	// ServerErrorCode/ServerErrorData carry the server's own error
	// vocabulary through Rejected and Terminated errors; the application
	// never needs to parse these out of the message text.
	ServerErrorCode string
	ServerErrorData any
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Tag)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Tag, so that
// errors.Is(err, errs.New(errs.Timeout, "")) reads naturally at call sites.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Tag == e.Tag
}

// New constructs an *Error with the given tag and message.
func New(tag Tag, msg string) *Error {
	return &Error{Tag: tag, Msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting of the message.
func Newf(tag Tag, format string, args ...any) *Error {
	return &Error{Tag: tag, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that chains to cause via Unwrap.
func Wrap(tag Tag, msg string, cause error) *Error {
	return &Error{Tag: tag, Msg: msg, Cause: cause}
}

// WithServerError attaches server-originated error code/data to err (used
// by REJECTED and TERMINATED paths) and returns the same *Error for
// chaining at the call site.
func (e *Error) WithServerError(code string, data any) *Error {
	e.ServerErrorCode = code
	e.ServerErrorData = data
	return e
}

// HasTag reports whether err is (or wraps) an *errs.Error carrying tag.
func HasTag(err error, tag Tag) bool {
	var e *Error
	return As(err, &e) && e.Tag == tag
}

// As is a thin errors.As wrapper kept local so callers don't need to
// import "errors" solely to type-assert *errs.Error.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
