package session

import (
	"bytes"
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andaru/xmpp/channel"
	"github.com/andaru/xmpp/framing"
	"github.com/andaru/xmpp/lifetime"
	"github.com/andaru/xmpp/stanza"
	"github.com/andaru/xmpp/transport"
	"github.com/andaru/xmpp/xmpperr"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// owner is the Server or Client a Connection belongs to
type owner interface {
	newSession(h transport.Handler) (transport.Session, error)
	// bindEndpoint claims the endpoint of c for the peer identity from
	bindEndpoint(c *Connection, from string) error
	notify(c *Connection, ev ChannelEvent)
	// remove detaches c from the owner's registry
	remove(c *Connection)
	destroyed(c *Connection)
	gracefulRestart() (enabled bool, retain time.Duration)
	confirmOnKeepalive() bool
}

// Connection is one control channel: its identity, its transport
// session, the state machine driving it and the multiplexer of its
// receivers.
type Connection struct {
	id     string
	role   Role
	config ChannelConfig
	owner  owner
	log    *zap.Logger
	clock  clock.Clock
	mux    *channel.Mux
	sm     *StateMachine
	handle *lifetime.Handle
	stats  Stats

	maxMessageSize int
	gen            atomic.Uint64

	mu          sync.Mutex
	session     transport.Session
	name        string
	toID        string
	closeReason string
	flaps       uint64
	lastFlap    time.Time
	adminDown   bool
	endpoint    *EndpointRecord
}

func newConnection(role Role, config *ChannelConfig, o owner, lm *lifetime.Manager, clk clock.Clock, log *zap.Logger, maxMessageSize int) *Connection {
	c := &Connection{
		id:             uuid.NewString(),
		role:           role,
		config:         *config,
		owner:          o,
		clock:          clk,
		name:           config.Name,
		toID:           config.ToID,
		maxMessageSize: maxMessageSize,
	}
	c.log = log.With(
		zap.Stringer("role", role),
		zap.String("name", config.Name),
		zap.Stringer("remote", config.Endpoint),
		zap.String("conn_id", c.id),
	)
	c.mux = channel.NewMux(c,
		channel.WithPeerTable(config.PeerTable),
		channel.WithLogger(c.log),
		channel.OnLastReceiver(func() { c.handle.RetryDelete() }),
	)
	c.handle = lm.Register(c)
	c.sm = newStateMachine(c)
	return c
}

// ID returns the connection's unique instance id
func (c *Connection) ID() string { return c.id }

// Role returns the connection's role
func (c *Connection) Role() Role { return c.role }

// Name returns the connection's name. Server connections are named by
// the identity of their peer once it has opened its stream.
func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Endpoint returns the peer's address on the current session, or the
// configured endpoint when no session is attached
func (c *Connection) Endpoint() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.role == RoleServer {
		return c.session.RemoteAddr()
	}
	return c.config.Endpoint
}

// LocalEndpoint returns our address on the current session, or the
// configured local endpoint when no session is attached
func (c *Connection) LocalEndpoint() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session.LocalAddr()
	}
	return c.config.LocalEndpoint
}

// FromID returns our stream identity
func (c *Connection) FromID() string { return c.config.FromID }

// ToID returns the peer's stream identity
func (c *Connection) ToID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toID
}

// KeepaliveInterval returns the keepalive send interval
func (c *Connection) KeepaliveInterval() time.Duration { return c.config.KeepaliveInterval }

// State returns the current protocol state without waiting for queued
// events
func (c *Connection) State() State { return c.sm.State() }

// StateMachine returns the connection's state machine
func (c *Connection) StateMachine() *StateMachine { return c.sm }

// Mux returns the connection's channel multiplexer
func (c *Connection) Mux() *channel.Mux { return c.mux }

// Stats returns the connection's counters
func (c *Connection) Stats() *Stats { return &c.stats }

// RegisterReceiver registers fn for stanzas addressed to peer
func (c *Connection) RegisterReceiver(peer channel.PeerID, fn channel.ReceiveFunc) bool {
	return c.mux.RegisterReceiver(peer, fn)
}

// UnregisterReceiver removes the receiver of peer. Removing the last
// receiver of a deleted connection lets it be destroyed.
func (c *Connection) UnregisterReceiver(peer channel.PeerID) { c.mux.UnregisterReceiver(peer) }

// SendStanza sends an encoded stanza for peer, holding cb for the
// outcome if the session is not writable
func (c *Connection) SendStanza(b []byte, peer channel.PeerID, cb channel.WriteReadyFunc) bool {
	return c.mux.Send(b, peer, cb)
}

// IsEstablished waits for the events queued so far to be handled and
// reports whether the connection is then established
func (c *Connection) IsEstablished(ctx context.Context) (bool, error) {
	st, err := c.Sync(ctx)
	return st == Established, err
}

// Sync waits for the events queued so far to be handled and returns the
// resulting state. It must not be called from a connection event or
// receiver callback.
func (c *Connection) Sync(ctx context.Context) (State, error) {
	ev := &event{typ: EvQuery, reply: make(chan State, 1)}
	if !c.sm.enqueue(ev) {
		return c.State(), xmpperr.SessionUnavailable(xmpperr.WithPeer(c.Name()), xmpperr.WithMessage("connection deleted"))
	}
	select {
	case st := <-ev.reply:
		return st, nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// Send writes b to the attached session. It returns false when no
// session is attached or the session is not writable.
func (c *Connection) Send(b []byte) bool {
	return c.send(b, stanza.KindInvalid)
}

func (c *Connection) send(b []byte, kind stanza.Kind) bool {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return false
	}
	if !s.Send(b) {
		c.stats.sendFailures.Add(1)
		c.log.Debug("send refused", zap.Error(xmpperr.SendFailed(xmpperr.WithPeer(c.Endpoint().String()))), zap.Int("len", len(b)))
		return false
	}
	if kind == stanza.KindInvalid {
		kind = stanza.KindIQ
		if bytes.HasPrefix(b, []byte("<message")) {
			kind = stanza.KindMessage
		}
	}
	c.stats.count(Tx, kind, len(b))
	return true
}

// SendOpen sends our stream open
func (c *Connection) SendOpen() bool {
	b, err := stanza.EncodeOpen(c.config.FromID, c.ToID())
	if err != nil {
		c.log.Warn("encode stream open", zap.Error(err))
		return false
	}
	return c.send(b, stanza.KindStreamOpen)
}

// SendOpenConfirm answers the peer's stream open
func (c *Connection) SendOpenConfirm() bool {
	b, err := stanza.EncodeOpenConfirm(c.config.FromID, c.ToID(), uuid.NewString())
	if err != nil {
		c.log.Warn("encode stream open confirm", zap.Error(err))
		return false
	}
	return c.send(b, stanza.KindStreamOpenConfirm)
}

// SendKeepalive sends a keepalive
func (c *Connection) SendKeepalive() bool {
	return c.send(stanza.EncodeKeepalive(), stanza.KindKeepalive)
}

// SendClose sends a stream close
func (c *Connection) SendClose() bool {
	return c.send(stanza.EncodeClose(), stanza.KindStreamClose)
}

// SetAdminState takes the connection administratively down, or brings
// it back up
func (c *Connection) SetAdminState(down bool) {
	c.mu.Lock()
	changed := c.adminDown != down
	c.adminDown = down
	c.mu.Unlock()
	if !changed {
		return
	}
	if down {
		c.sm.enqueue(&event{typ: EvAdminDown})
	} else {
		c.sm.enqueue(&event{typ: EvStart})
	}
}

// AdminDown returns true if the connection is administratively down
func (c *Connection) AdminDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adminDown
}

// Clear resets the connection's session as if the transport had closed
func (c *Connection) Clear() { c.sm.enqueue(&event{typ: EvStop}) }

// ManagedDelete requests deletion of the connection. It is shut down
// from the lifetime manager's queue and destroyed once no receivers
// remain.
func (c *Connection) ManagedDelete() {
	if c.handle.Delete() {
		c.log.Debug("delete requested")
	}
}

// IsDeleted returns true once deletion has been requested
func (c *Connection) IsDeleted() bool { return c.handle.IsDeleted() }

// LifetimeState returns the connection's deletion state
func (c *Connection) LifetimeState() lifetime.State { return c.handle.State() }

// MayDelete implements lifetime.Actor
func (c *Connection) MayDelete() bool {
	return c.sm.stopped.Load() && c.mux.ReceiverCount() == 0
}

// Shutdown implements lifetime.Actor. It detaches the connection from
// its owner and stops its state machine, releasing the session and
// timers.
func (c *Connection) Shutdown() {
	c.owner.remove(c)
	done := make(chan struct{})
	if c.sm.enqueue(&event{typ: EvDelete, done: done}) {
		<-done
	}
}

// Destroy implements lifetime.Actor
func (c *Connection) Destroy() {
	c.sm.events.Shutdown()
	c.owner.destroyed(c)
	c.log.Info("connection destroyed", zap.String("reason", c.CloseReason()))
}

// FlapCount returns the number of times the connection went down
// after being established
func (c *Connection) FlapCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flaps
}

// LastFlap returns the time of the last flap
func (c *Connection) LastFlap() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFlap
}

func (c *Connection) incrementFlapCount() {
	now := c.clock.Now()
	c.mu.Lock()
	c.flaps++
	c.lastFlap = now
	rec := c.endpoint
	c.mu.Unlock()
	if rec != nil {
		rec.flap(now)
	}
}

// CloseReason returns why the last session ended
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Connection) setCloseReason(reason string) {
	c.mu.Lock()
	c.closeReason = reason
	rec := c.endpoint
	c.mu.Unlock()
	if rec != nil {
		rec.setCloseReason(reason)
	}
}

// EndpointRecord returns the record of a server connection's remote
// address, once its peer has opened its stream
func (c *Connection) EndpointRecord() *EndpointRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *Connection) setEndpointRecord(r *EndpointRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = r
}

func (c *Connection) setPeerID(from string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toID = from
	if c.role == RoleServer && from != "" {
		c.name = from
	}
}

// attach makes s the connection's session under generation gen
func (c *Connection) attach(s transport.Session, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		xmpperr.Invariant("connection %s: session attached over a live session", c.name)
	}
	c.session = s
	c.gen.Store(gen)
}

// detach releases the attached session, if any
func (c *Connection) detach() transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	c.session = nil
	c.gen.Store(0)
	return s
}

func (c *Connection) startRead() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		s.StartRead()
	}
}

func (c *Connection) hasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// link adapts transport callbacks of one session to state machine
// events. Its framer and decoder are used only from the session's
// read callbacks.
type link struct {
	c       *Connection
	gen     uint64
	framer  *framing.Framer
	decoder stanza.Decoder
}

func newLink(c *Connection, gen uint64) *link {
	var opts []framing.Option
	if c.maxMessageSize > 0 {
		opts = append(opts, framing.WithMaxMessageSize(c.maxMessageSize))
	}
	l := &link{c: c, gen: gen, framer: framing.New(opts...)}
	l.decoder.OnDiscard = func(pub *stanza.Message, err error) {
		c.stats.recordError(err)
		c.log.Debug("message dropped", zap.Error(err), zap.String("node", pub.Node))
	}
	return l
}

func (l *link) current() bool { return l.c.gen.Load() == l.gen }

func (l *link) raise(typ EventType, err error) {
	l.c.sm.enqueue(&event{typ: typ, gen: l.gen, err: err})
}

func (l *link) OnConnected(transport.Session) { l.raise(EvTCPConnected, nil) }

func (l *link) OnConnectFailed(_ transport.Session, err error) { l.raise(EvTCPConnectFail, err) }

func (l *link) OnClosed(_ transport.Session, err error) { l.raise(EvTCPClose, err) }

func (l *link) OnWriteReady(_ transport.Session, err error) {
	if l.current() {
		l.c.mux.WriteReady(err)
	}
}

func (l *link) OnData(_ transport.Session, b []byte) {
	if !l.current() {
		return
	}
	msgs, err := l.framer.Feed(b)
	for _, text := range msgs {
		l.decode(text)
	}
	if err != nil {
		err = framingError(err)
		l.c.stats.recordError(err)
		l.decoder.Reset()
		l.c.log.Debug("stream resynchronized", zap.Error(err))
	}
}

// framingError converts a framer failure to a decode error
func framingError(err error) error {
	var em framing.ErrMalformed
	if !errors.As(err, &em) {
		return xmpperr.MalformedMessage(xmpperr.WithCause(err))
	}
	return xmpperr.MalformedMessage(xmpperr.WithMessage(em.Message), xmpperr.WithOffset(em.Offset))
}

func (l *link) decode(text string) {
	m, err := l.decoder.Decode(text)
	if err != nil {
		l.c.stats.recordError(err)
		l.c.log.Debug("message dropped", zap.Error(err), zap.Int("len", len(text)))
		return
	}
	if m == nil {
		// publish held for its collection
		l.c.stats.bytes[Rx].Add(uint64(len(text)))
		return
	}
	l.c.stats.count(Rx, m.Kind, len(text))
	ev := &event{gen: l.gen, msg: m}
	switch m.Kind {
	case stanza.KindStreamOpen, stanza.KindStreamOpenConfirm:
		ev.typ = EvXMPPOpen
	case stanza.KindKeepalive:
		ev.typ = EvXMPPKeepalive
	case stanza.KindStreamClose:
		ev.typ = EvTCPClose
	default:
		ev.typ = EvXMPPStanza
	}
	l.c.sm.enqueue(ev)
}
