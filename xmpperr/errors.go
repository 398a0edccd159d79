package xmpperr

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the class of an engine error
type Kind int

const (
	// KindTransport is a connect failure or mid-session transport close
	KindTransport Kind = iota
	// KindDecode is a malformed or unexpected message on the wire
	KindDecode
	// KindProtocol is a peer protocol violation, such as a duplicate stream open
	KindProtocol
	// KindResource is a failure to allocate a transport session
	KindResource
	// KindInternal is an engine invariant violation
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k *Kind) UnmarshalText(b []byte) error {
	b = bytes.TrimSpace(b)
	switch string(b) {
	case "transport":
		*k = KindTransport
	case "decode":
		*k = KindDecode
	case "protocol":
		*k = KindProtocol
	case "resource":
		*k = KindResource
	case "internal":
		*k = KindInternal
	default:
		return errors.New("unknown value")
	}
	return nil
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Recoverable returns true for error kinds the state machine absorbs locally.
func (k Kind) Recoverable() bool { return k != KindInternal }

// Error is an engine error. Recoverable errors are recorded against a
// connection (last event, close reason, error counters) and never
// returned across the Connection boundary.
type Error struct {
	Kind    Kind   `json:"kind"`
	Tag     string `json:"tag"`
	Message string `json:"message,omitempty"`
	Peer    string `json:"peer,omitempty"`
	Offset  int    `json:"offset,omitempty"`

	cause error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s error tag:%s", e.Kind, e.Tag)
	if e.Peer != "" {
		s += " peer:" + e.Peer
	}
	if e.Offset > 0 {
		s += fmt.Sprintf(" offset:%d", e.Offset)
	}
	if e.Message != "" {
		s += " " + e.Message
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error { return e.cause }

// Cause implements the github.com/pkg/errors causer interface
func (e *Error) Cause() error { return e.cause }

func build(kind Kind, tag string, opts []Option) *Error {
	e := &Error{Kind: kind, Tag: tag}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func ConnectFailed(opts ...Option) *Error  { return build(KindTransport, "connect-failed", opts) }
func SessionClosed(opts ...Option) *Error  { return build(KindTransport, "session-closed", opts) }
func SendFailed(opts ...Option) *Error     { return build(KindTransport, "send-failed", opts) }
func HoldTimerExpired(opts ...Option) *Error {
	return build(KindTransport, "hold-timer-expired", opts)
}

func MalformedMessage(opts ...Option) *Error { return build(KindDecode, "malformed-message", opts) }
func UnknownElement(element string, opts ...Option) *Error {
	return build(KindDecode, "unknown-element", append([]Option{WithMessage(element)}, opts...))
}

// OpenNotAtStart is returned when a stream header is found anywhere but
// at the very start of a framed message.
func OpenNotAtStart(opts ...Option) *Error { return build(KindDecode, "open-not-at-start", opts) }

// UnmatchedCollection is returned when a collection stanza has no
// preceding publish stanza, or names a different node.
func UnmatchedCollection(opts ...Option) *Error {
	return build(KindDecode, "unmatched-collection", opts)
}

// UnmatchedPublish reports a publish stanza dropped because the
// message after it was not its collection.
func UnmatchedPublish(opts ...Option) *Error { return build(KindDecode, "unmatched-publish", opts) }

func DuplicateConnection(opts ...Option) *Error {
	return build(KindProtocol, "duplicate-connection", opts)
}
func UnexpectedIdentity(opts ...Option) *Error {
	return build(KindProtocol, "unexpected-identity", opts)
}
func UnexpectedMessage(opts ...Option) *Error {
	return build(KindProtocol, "unexpected-message", opts)
}

func SessionUnavailable(opts ...Option) *Error {
	return build(KindResource, "session-unavailable", opts)
}

// KindOf returns the Kind of the first *Error in err's chain. Errors
// not produced by this package are reported as KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries an *Error of the given kind
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Invariant panics with a stack-carrying error. It is used where the
// engine has observed a state that can only result from its own bug.
func Invariant(format string, args ...interface{}) {
	panic(errors.WithStack(&Error{Kind: KindInternal, Tag: "invariant", Message: fmt.Sprintf(format, args...)}))
}
