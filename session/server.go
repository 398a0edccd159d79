package session

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/andaru/xmpp/channel"
	"github.com/andaru/xmpp/lifetime"
	"github.com/andaru/xmpp/transport"
	"github.com/andaru/xmpp/workqueue"
	"github.com/andaru/xmpp/xmpperr"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server accepts control channels. It keeps one Connection per remote
// address; a second session from an address is rejected, or with
// graceful restart enabled replaces the session of the existing
// Connection.
type Server struct {
	config    ServerConfig
	log       *zap.Logger
	clock     clock.Clock
	lm        *lifetime.Manager
	admission *workqueue.Queue[transport.Session]
	events    eventRegistry

	mu        sync.Mutex
	conns     map[netip.Addr]*Connection
	names     map[string]*Connection
	endpoints map[netip.Addr]*EndpointRecord
	maxConns  int
	deleted   uint64
	rejected  uint64
	closed    bool
}

// NewServer returns a Server. A nil config uses DefaultServerConfig.
func NewServer(config *ServerConfig) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	if err := config.Verify(); err != nil {
		return nil, err
	}
	s := &Server{
		config:    *config,
		clock:     defaultClock(config.Clock),
		log:       defaultLogger(config.Logger).With(zap.String("server_id", config.ServerID)),
		conns:     map[netip.Addr]*Connection{},
		names:     map[string]*Connection{},
		endpoints: map[netip.Addr]*EndpointRecord{},
	}
	s.lm = lifetime.NewManager(s.log)
	s.admission = workqueue.New(s.admit)
	return s, nil
}

// Accept queues an accepted session for admission. It may be used as
// a transport.AcceptFunc.
func (s *Server) Accept(sess transport.Session) {
	if !s.admission.Enqueue(sess) {
		sess.Close()
	}
}

func (s *Server) admit(sess transport.Session) {
	remote := sess.RemoteAddr()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.Close()
		return
	}
	c, created := s.conns[remote.Addr()], false
	if c == nil {
		c, created = s.newConnection(remote), true
		s.conns[remote.Addr()] = c
		if n := len(s.conns); n > s.maxConns {
			s.maxConns = n
		}
	}
	s.mu.Unlock()

	switch {
	case created:
		c.log.Debug("connection created")
		c.sm.Start()
		c.sm.passiveOpen(sess)
	case !s.config.GracefulRestart:
		s.reject(sess, xmpperr.DuplicateConnection(xmpperr.WithPeer(remote.String())))
	case c.IsDeleted():
		s.reject(sess, xmpperr.DuplicateConnection(xmpperr.WithPeer(remote.String()), xmpperr.WithMessage("connection is being deleted")))
	default:
		c.log.Info("session replaced", zap.Stringer("session", remote))
		c.sm.passiveOpen(sess)
	}
}

func (s *Server) newConnection(remote netip.AddrPort) *Connection {
	cfg := &ChannelConfig{
		Name:              remote.Addr().String(),
		Endpoint:          remote,
		LocalEndpoint:     s.config.ListenEndpoint,
		FromID:            s.config.ServerID,
		KeepaliveInterval: s.config.KeepaliveInterval,
		PeerTable:         s.config.PeerTable,
	}
	return newConnection(RoleServer, cfg, s, s.lm, s.clock, s.log, s.config.MaxMessageSize)
}

func (s *Server) reject(sess transport.Session, err error) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	s.log.Info("session rejected", zap.Error(err))
	sess.Close()
}

func (s *Server) newSession(transport.Handler) (transport.Session, error) {
	return nil, errors.New("server connections do not initiate sessions")
}

func (s *Server) bindEndpoint(c *Connection, from string) error {
	addr := c.config.Endpoint.Addr()
	s.mu.Lock()
	if other := s.names[from]; other != nil && other != c && !other.IsDeleted() && other.config.Endpoint.Addr() != addr {
		s.mu.Unlock()
		return xmpperr.UnexpectedIdentity(
			xmpperr.WithPeer(from),
			xmpperr.WithMessage("already connected from "+other.config.Endpoint.Addr().String()),
		)
	}
	rec := s.endpoints[addr]
	if rec == nil {
		rec = &EndpointRecord{addr: addr, created: s.clock.Now()}
		s.endpoints[addr] = rec
	}
	old := rec.bind(c)
	if old == nil {
		s.names[from] = c
	}
	s.mu.Unlock()

	if old != nil {
		if old.State() == Established {
			old.sm.enqueue(&event{typ: EvTCPClose, gen: old.gen.Load()})
		}
		return xmpperr.DuplicateConnection(
			xmpperr.WithPeer(from),
			xmpperr.WithMessage("previous connection from "+addr.String()+" is still being deleted"),
		)
	}
	c.setEndpointRecord(rec)
	return nil
}

func (s *Server) notify(c *Connection, ev ChannelEvent) { s.events.notify(c, ev) }

func (s *Server) remove(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr := c.config.Endpoint.Addr(); s.conns[addr] == c {
		delete(s.conns, addr)
	}
	for name, nc := range s.names {
		if nc == c {
			delete(s.names, name)
		}
	}
}

func (s *Server) destroyed(c *Connection) {
	if rec := c.EndpointRecord(); rec != nil {
		rec.unbind(c)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted++
}

func (s *Server) gracefulRestart() (bool, time.Duration) {
	return s.config.GracefulRestart, s.config.GracefulRestartTime
}

func (s *Server) confirmOnKeepalive() bool { return s.config.ConfirmOnKeepalive }

// ServerID returns the server's stream identity
func (s *Server) ServerID() string { return s.config.ServerID }

// Connections returns the live connections ordered by name
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	sortConnections(conns)
	return conns
}

// ConnectionCount returns the number of live connections
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// MaxConnections returns the most live connections seen at once
func (s *Server) MaxConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConns
}

// DeletedCount returns the number of connections destroyed
func (s *Server) DeletedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

// RejectedCount returns the number of sessions rejected as duplicates
func (s *Server) RejectedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// FindConnection returns the live connection from addr
func (s *Server) FindConnection(addr netip.Addr) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[addr]
}

// FindConnectionByName returns the live connection named name
func (s *Server) FindConnectionByName(name string) *Connection {
	for _, c := range s.Connections() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// FindEndpoint returns the record of addr, if the address has opened a
// stream
func (s *Server) FindEndpoint(addr netip.Addr) *EndpointRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoints[addr]
}

// ClearConnection resets the session of the connection named name. It
// returns false if there is no such connection.
func (s *Server) ClearConnection(name string) bool {
	c := s.FindConnectionByName(name)
	if c == nil {
		return false
	}
	c.Clear()
	return true
}

// ClearAllConnections resets every connection's session and returns
// the number cleared
func (s *Server) ClearAllConnections() int {
	conns := s.Connections()
	for _, c := range conns {
		c.Clear()
	}
	return len(conns)
}

// SetConnectionQueueDisable stops (or resumes) admitting accepted
// sessions. Sessions accepted meanwhile wait in the queue unbound.
func (s *Server) SetConnectionQueueDisable(disable bool) {
	s.log.Info("connection queue", zap.Bool("disabled", disable))
	s.admission.SetDisable(disable)
}

// ConnectionQueueLen returns the number of sessions awaiting admission
func (s *Server) ConnectionQueueLen() int { return s.admission.Len() }

// SetDeleteQueueDisable stops (or resumes) processing connection
// deletions
func (s *Server) SetDeleteQueueDisable(disable bool) { s.lm.SetQueueDisable(disable) }

// DeleteQueueLen returns the number of deletions waiting
func (s *Server) DeleteQueueLen() int { return s.lm.QueueLen() }

// PendingDeleteCount returns the connections shut down but not yet
// destroyed
func (s *Server) PendingDeleteCount() int { return s.lm.PendingCount() }

// RegisterConnectionEvent calls fn when any connection becomes ready
// or not ready. Each peer has at most one observer.
func (s *Server) RegisterConnectionEvent(peer channel.PeerID, fn ConnectionEventFunc) {
	s.events.register(peer, fn)
}

// UnregisterConnectionEvent removes the observer of peer
func (s *Server) UnregisterConnectionEvent(peer channel.PeerID) { s.events.unregister(peer) }

// Shutdown closes sessions awaiting admission, deletes every
// connection and waits for the deletions to be processed. Connections
// with receivers still registered stay pending until they unregister.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	for _, sess := range s.admission.Drain() {
		err = multierr.Append(err, sess.Close())
	}
	s.admission.Shutdown()
	for _, c := range conns {
		c.ManagedDelete()
	}
	s.lm.SetQueueDisable(false)
	s.lm.Wait()
	s.log.Info("server shut down", zap.Int("connections", len(conns)))
	return err
}

func sortConnections(conns []*Connection) {
	sort.Slice(conns, func(i, j int) bool {
		ni, nj := conns[i].Name(), conns[j].Name()
		if ni != nj {
			return ni < nj
		}
		return conns[i].id < conns[j].id
	})
}
