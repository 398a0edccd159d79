package transport

import (
	"io"
	"net/netip"
	"sync"

	"github.com/andaru/xmpp/workqueue"
	"github.com/pkg/errors"
)

// MemNetwork is an in-process network. Sessions connect to listeners
// registered on it by address, and each session delivers its handler
// callbacks in order from its own queue.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[netip.AddrPort]AcceptFunc
	dropped   map[netip.Addr]bool
	nextPort  uint16
	clients   int
	limit     int
}

// NewMemNetwork returns an empty network
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		listeners: map[netip.AddrPort]AcceptFunc{},
		dropped:   map[netip.Addr]bool{},
		nextPort:  40000,
	}
}

// Listen registers accept for connections to addr. The returned
// function stops listening.
func (n *MemNetwork) Listen(addr netip.AddrPort, accept AcceptFunc) (stop func(), err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, errors.Errorf("address %s already in use", addr)
	}
	n.listeners[addr] = accept
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, addr)
	}, nil
}

// Transport returns a Transport whose sessions originate from local
func (n *MemNetwork) Transport(local netip.Addr) Transport { return &memTransport{n: n, local: local} }

// SetDrop silently discards (or stops discarding) data sent to or from
// addr, leaving sessions open.
func (n *MemNetwork) SetDrop(addr netip.Addr, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if drop {
		n.dropped[addr] = true
	} else {
		delete(n.dropped, addr)
	}
}

// SetSessionLimit bounds the number of open client sessions; NewSession
// fails with ErrSessionLimit beyond it. Zero means unbounded.
func (n *MemNetwork) SetSessionLimit(limit int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.limit = limit
}

func (n *MemNetwork) drops(a, b netip.AddrPort) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped[a.Addr()] || n.dropped[b.Addr()]
}

type memTransport struct {
	n     *MemNetwork
	local netip.Addr
}

func (t *memTransport) NewSession(h Handler) (Session, error) {
	n := t.n
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.limit > 0 && n.clients >= n.limit {
		return nil, ErrSessionLimit
	}
	n.clients++
	n.nextPort++
	s := newMemSession(n, h, netip.AddrPortFrom(t.local, n.nextPort))
	s.client = true
	return s, nil
}

type memSession struct {
	n      *MemNetwork
	events *workqueue.Queue[func()]
	client bool

	mu      sync.Mutex
	h       Handler
	local   netip.AddrPort
	remote  netip.AddrPort
	peer    *memSession
	reading bool
	held    [][]byte
	closed  bool
}

func newMemSession(n *MemNetwork, h Handler, local netip.AddrPort) *memSession {
	return &memSession{
		n:      n,
		h:      h,
		local:  local,
		events: workqueue.New(func(fn func()) { fn() }),
	}
}

func (s *memSession) handler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return nopHandler{}
	}
	return s.h
}

func (s *memSession) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

func (s *memSession) Connect(remote netip.AddrPort) {
	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()
	s.events.Enqueue(func() {
		s.n.mu.Lock()
		accept := s.n.listeners[remote]
		s.n.mu.Unlock()
		if accept == nil {
			s.handler().OnConnectFailed(s, ErrConnectionRefused)
			return
		}
		srv := newMemSession(s.n, nil, remote)
		srv.remote = s.local
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.peer, srv.peer = srv, s
		s.mu.Unlock()
		accept(srv)
		s.handler().OnConnected(s)
	})
}

func (s *memSession) StartRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reading {
		return
	}
	s.reading = true
	for _, b := range s.held {
		s.dispatch(b)
	}
	s.held = nil
}

// dispatch queues an OnData callback. s.mu must be held.
func (s *memSession) dispatch(b []byte) {
	s.events.Enqueue(func() { s.handler().OnData(s, b) })
}

func (s *memSession) deliver(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
	case !s.reading:
		s.held = append(s.held, b)
	default:
		s.dispatch(b)
	}
}

func (s *memSession) Send(b []byte) bool {
	s.mu.Lock()
	peer, closed := s.peer, s.closed
	s.mu.Unlock()
	if closed || peer == nil {
		return false
	}
	if !s.n.drops(s.local, peer.local) {
		peer.deliver(append([]byte(nil), b...))
	}
	return true
}

func (s *memSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peer := s.peer
	s.mu.Unlock()
	s.release()
	s.events.Shutdown()
	if peer != nil {
		peer.remoteClosed()
	}
	return nil
}

func (s *memSession) remoteClosed() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.release()
	s.events.Enqueue(func() { s.handler().OnClosed(s, io.EOF) })
}

func (s *memSession) release() {
	if !s.client {
		return
	}
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.n.clients--
}

func (s *memSession) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *memSession) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}
