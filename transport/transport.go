package transport

import (
	"net/netip"

	"github.com/pkg/errors"
)

// Session is a duplex byte stream
type Session interface {
	// SetHandler sets the session's event handler. Accepted sessions
	// have no handler until one is set.
	SetHandler(Handler)
	// Connect starts connecting to remote. The outcome is reported
	// to the handler by OnConnected or OnConnectFailed.
	Connect(remote netip.AddrPort)
	// StartRead starts delivering received data to the handler
	StartRead()
	// Send queues b for writing. It returns false, without queueing
	// b, when the session cannot currently accept more data; the
	// handler's OnWriteReady is called once it can.
	Send(b []byte) bool
	// Close closes the session. The handler is not notified of a
	// locally requested close.
	Close() error
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
}

// Handler receives session events
type Handler interface {
	OnConnected(Session)
	OnConnectFailed(Session, error)
	OnData(Session, []byte)
	// OnClosed is called once when the peer closes the session or an
	// I/O error ends it
	OnClosed(Session, error)
	OnWriteReady(Session, error)
}

// Transport creates client sessions
type Transport interface {
	NewSession(Handler) (Session, error)
}

// AcceptFunc takes ownership of an accepted session
type AcceptFunc func(Session)

var (
	// ErrClosed is returned for operations on a closed session
	ErrClosed = errors.New("session closed")
	// ErrConnectionRefused reports a connect to an address nobody listens on
	ErrConnectionRefused = errors.New("connection refused")
	// ErrSessionLimit is returned by NewSession when no more sessions may be created
	ErrSessionLimit = errors.New("session limit reached")
)

// HandlerFuncs adapts functions to the Handler interface. Nil fields
// ignore their event.
type HandlerFuncs struct {
	Connected     func(Session)
	ConnectFailed func(Session, error)
	Data          func(Session, []byte)
	Closed        func(Session, error)
	WriteReady    func(Session, error)
}

func (h *HandlerFuncs) OnConnected(s Session) {
	if h.Connected != nil {
		h.Connected(s)
	}
}

func (h *HandlerFuncs) OnConnectFailed(s Session, err error) {
	if h.ConnectFailed != nil {
		h.ConnectFailed(s, err)
	}
}

func (h *HandlerFuncs) OnData(s Session, b []byte) {
	if h.Data != nil {
		h.Data(s, b)
	}
}

func (h *HandlerFuncs) OnClosed(s Session, err error) {
	if h.Closed != nil {
		h.Closed(s, err)
	}
}

func (h *HandlerFuncs) OnWriteReady(s Session, err error) {
	if h.WriteReady != nil {
		h.WriteReady(s, err)
	}
}
