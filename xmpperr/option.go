package xmpperr

// Option is an Error option function
type Option func(*Error)

func WithMessage(msg string) Option { return func(e *Error) { e.Message = msg } }
func WithPeer(peer string) Option   { return func(e *Error) { e.Peer = peer } }
func WithOffset(off int) Option     { return func(e *Error) { e.Offset = off } }
func WithCause(err error) Option    { return func(e *Error) { e.cause = err } }
