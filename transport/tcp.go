package transport

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TCPConfig configures TCP sessions
type TCPConfig struct {
	// DialTimeout bounds an outbound connect
	DialTimeout time.Duration
	// SendQueueLen is the number of writes buffered per session
	// before Send reports the session unwritable
	SendQueueLen int
	// ReadBufferSize is the size of each read from the socket
	ReadBufferSize int
	// Logger is used for accept errors. Nil discards output.
	Logger *zap.Logger
}

// DefaultTCPConfig returns the default TCP configuration
func DefaultTCPConfig() *TCPConfig {
	return &TCPConfig{
		DialTimeout:    10 * time.Second,
		SendQueueLen:   64,
		ReadBufferSize: 16 * 1024,
	}
}

// Verify checks the configuration
func (c *TCPConfig) Verify() error {
	if c.SendQueueLen <= 0 {
		return errors.New("send queue length must be positive")
	}
	if c.ReadBufferSize <= 0 {
		return errors.New("read buffer size must be positive")
	}
	return nil
}

// TCP creates sessions over TCP connections
type TCP struct {
	config *TCPConfig
	log    *zap.Logger
}

// NewTCP returns a TCP transport. A nil config uses DefaultTCPConfig.
func NewTCP(config *TCPConfig) (*TCP, error) {
	if config == nil {
		config = DefaultTCPConfig()
	}
	if err := config.Verify(); err != nil {
		return nil, err
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &TCP{config: config, log: log}, nil
}

// NewSession returns an unconnected client session
func (t *TCP) NewSession(h Handler) (Session, error) { return t.newSession(h), nil }

func (t *TCP) newSession(h Handler) *tcpSession {
	return &tcpSession{
		t:      t,
		h:      h,
		sendCh: make(chan []byte, t.config.SendQueueLen),
		closed: make(chan struct{}),
	}
}

type tcpSession struct {
	t       *TCP
	sendCh  chan []byte
	closed  chan struct{}
	once    sync.Once
	onClose func()

	mu      sync.Mutex
	h       Handler
	conn    net.Conn
	local   netip.AddrPort
	remote  netip.AddrPort
	blocked bool
	reading bool
}

func (s *tcpSession) handler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return nopHandler{}
	}
	return s.h
}

func (s *tcpSession) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

// attach binds c to the session and starts its writer. It returns
// false if the session was closed in the meantime.
func (s *tcpSession) attach(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conn = c
	s.local = addrPort(c.LocalAddr())
	s.remote = addrPort(c.RemoteAddr())
	go s.writeLoop(c)
	return true
}

func (s *tcpSession) Connect(remote netip.AddrPort) {
	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()
	go func() {
		d := net.Dialer{Timeout: s.t.config.DialTimeout}
		c, err := d.Dial("tcp", remote.String())
		if err != nil {
			s.handler().OnConnectFailed(s, errors.WithStack(err))
			return
		}
		if !s.attach(c) {
			c.Close()
			return
		}
		s.handler().OnConnected(s)
	}()
}

func (s *tcpSession) StartRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reading || s.conn == nil {
		return
	}
	s.reading = true
	go s.readLoop(s.conn)
}

func (s *tcpSession) readLoop(c net.Conn) {
	buf := make([]byte, s.t.config.ReadBufferSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			s.handler().OnData(s, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			s.shutdown(err, true)
			return
		}
	}
}

func (s *tcpSession) writeLoop(c net.Conn) {
	for {
		select {
		case b := <-s.sendCh:
			if _, err := c.Write(b); err != nil {
				s.shutdown(errors.WithStack(err), true)
				return
			}
			s.mu.Lock()
			ready := s.blocked && len(s.sendCh) == 0
			if ready {
				s.blocked = false
			}
			s.mu.Unlock()
			if ready {
				s.handler().OnWriteReady(s, nil)
			}
		case <-s.closed:
			return
		}
	}
}

func (s *tcpSession) Send(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	if s.conn == nil {
		return false
	}
	select {
	case s.sendCh <- append([]byte(nil), b...):
		return true
	default:
		s.blocked = true
		return false
	}
}

func (s *tcpSession) Close() error { return s.shutdown(nil, false) }

func (s *tcpSession) shutdown(cause error, notify bool) (err error) {
	first := false
	s.once.Do(func() {
		first = true
		s.mu.Lock()
		close(s.closed)
		c := s.conn
		s.mu.Unlock()
		if c != nil {
			err = errors.WithStack(c.Close())
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
	if first && notify {
		s.handler().OnClosed(s, cause)
	}
	return err
}

func (s *tcpSession) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *tcpSession) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func addrPort(a net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	if ta, ok := a.(*net.TCPAddr); ok {
		ap = ta.AddrPort()
	} else {
		ap, _ = netip.ParseAddrPort(a.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Listener accepts TCP sessions
type Listener struct {
	t      *TCP
	ln     net.Listener
	accept AcceptFunc
	done   chan struct{}

	mu       sync.Mutex
	sessions map[*tcpSession]struct{}
}

// Listen listens on addr, passing each accepted session to accept.
// Accepted sessions have no handler until one is set.
func (t *TCP) Listen(addr string, accept AcceptFunc) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	l := &Listener{t: t, ln: ln, accept: accept, done: make(chan struct{}), sessions: map[*tcpSession]struct{}{}}
	go l.serve()
	return l, nil
}

func (l *Listener) serve() {
	defer close(l.done)
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.t.log.Warn("accept failed", zap.Error(err))
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		s := l.t.newSession(nil)
		s.onClose = func() { l.untrack(s) }
		l.mu.Lock()
		l.sessions[s] = struct{}{}
		l.mu.Unlock()
		s.attach(c)
		l.accept(s)
	}
}

func (l *Listener) untrack(s *tcpSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, s)
}

// Addr returns the listening address
func (l *Listener) Addr() netip.AddrPort { return addrPort(l.ln.Addr()) }

// Close stops accepting and closes every accepted session still open
func (l *Listener) Close() error {
	err := errors.WithStack(l.ln.Close())
	<-l.done
	l.mu.Lock()
	ss := make([]*tcpSession, 0, len(l.sessions))
	for s := range l.sessions {
		ss = append(ss, s)
	}
	l.mu.Unlock()
	for _, s := range ss {
		err = multierr.Append(err, s.Close())
	}
	return err
}

type nopHandler struct{}

func (nopHandler) OnConnected(Session)            {}
func (nopHandler) OnConnectFailed(Session, error) {}
func (nopHandler) OnData(Session, []byte)         {}
func (nopHandler) OnClosed(Session, error)        {}
func (nopHandler) OnWriteReady(Session, error)    {}
