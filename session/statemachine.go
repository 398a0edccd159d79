package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/andaru/xmpp/stanza"
	"github.com/andaru/xmpp/transport"
	"github.com/andaru/xmpp/workqueue"
	"github.com/andaru/xmpp/xmpperr"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Close reasons recorded on a connection
const (
	ReasonAdminDown         = "Administratively down"
	ReasonStopped           = "EvStop received"
	ReasonConnectTimer      = "Connect timer expired"
	ReasonOpenTimer         = "Open timer expired"
	ReasonHoldTimer         = "Hold timer expired"
	ReasonSendOpenFailed    = "Send open failed"
	ReasonSendConfirmFailed = "Send open confirm failed"
	ReasonStreamClosed      = "Stream closed by peer"
	ReasonConnectionClosed  = "Connection closed"
	ReasonSessionReplaced   = "Session replaced"
	ReasonDeleted           = "Connection deleted"
)

// StateMachine drives one Connection. Every event for the connection
// is handled in arrival order on the state machine's queue, so the
// fields below the queue are only touched by one goroutine at a time.
type StateMachine struct {
	c       *Connection
	clock   clock.Clock
	log     *zap.Logger
	events  *workqueue.Queue[*event]
	stopped atomic.Bool

	mu          sync.Mutex
	state       State
	lastState   State
	since       time.Time
	lastEvent   EventType
	lastEventAt time.Time
	attempts    int
	keepalives  uint64

	lastGen   uint64
	ready     bool
	connect   *timer
	open      *timer
	hold      *timer
	keepalive *timer
	retention *timer
}

func newStateMachine(c *Connection) *StateMachine {
	sm := &StateMachine{
		c:     c,
		clock: c.clock,
		log:   c.log,
		since: c.clock.Now(),
	}
	sm.connect = &timer{sm: sm, typ: EvConnectTimerExpired}
	sm.open = &timer{sm: sm, typ: EvOpenTimerExpired}
	sm.hold = &timer{sm: sm, typ: EvHoldTimerExpired}
	sm.keepalive = &timer{sm: sm, typ: EvKeepaliveTimerExpired}
	sm.retention = &timer{sm: sm, typ: EvRetentionTimerExpired}
	sm.events = workqueue.New(sm.handle)
	return sm
}

func (sm *StateMachine) enqueue(ev *event) bool { return sm.events.Enqueue(ev) }

// Start starts the state machine
func (sm *StateMachine) Start() { sm.enqueue(&event{typ: EvStart}) }

// passiveOpen hands an accepted session to the state machine. The
// session is closed if the state machine has been deleted.
func (sm *StateMachine) passiveOpen(s transport.Session) {
	if !sm.enqueue(&event{typ: EvTCPPassiveOpen, session: s}) {
		s.Close()
	}
}

// State returns the current state
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// LastState returns the state before the current one
func (sm *StateMachine) LastState() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastState
}

// Since returns the time the current state was entered
func (sm *StateMachine) Since() time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.since
}

// LastEvent returns the last event handled and when it was handled
func (sm *StateMachine) LastEvent() (EventType, time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastEvent, sm.lastEventAt
}

// ConnectAttempts returns the connect attempts since the connection
// was last established
func (sm *StateMachine) ConnectAttempts() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.attempts
}

// Keepalives returns the keepalives received while established
func (sm *StateMachine) Keepalives() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.keepalives
}

// QueueLen returns the number of events waiting
func (sm *StateMachine) QueueLen() int { return sm.events.Len() }

func (sm *StateMachine) isClient() bool { return sm.c.role == RoleClient }

func (sm *StateMachine) holdTime() time.Duration {
	return HoldTimeMultiplier * sm.c.config.KeepaliveInterval
}

func (sm *StateMachine) timerOf(typ EventType) *timer {
	switch typ {
	case EvConnectTimerExpired:
		return sm.connect
	case EvOpenTimerExpired:
		return sm.open
	case EvHoldTimerExpired:
		return sm.hold
	case EvKeepaliveTimerExpired:
		return sm.keepalive
	case EvRetentionTimerExpired:
		return sm.retention
	}
	xmpperr.Invariant("no timer raises %s", typ)
	return nil
}

func (sm *StateMachine) handle(ev *event) {
	if ev.done != nil {
		defer close(ev.done)
	}
	switch {
	case ev.typ == EvQuery:
		ev.reply <- sm.State()
		return
	case sm.stopped.Load():
		if ev.session != nil {
			ev.session.Close()
		}
		return
	case ev.gen != 0 && ev.gen != sm.c.gen.Load():
		sm.log.Debug("stale event discarded", zap.Stringer("event", ev.typ), zap.Uint64("gen", ev.gen))
		return
	case ev.arm != nil && !sm.timerOf(ev.typ).expired(ev.arm):
		sm.log.Debug("cancelled timer event discarded", zap.Stringer("event", ev.typ))
		return
	}

	sm.mu.Lock()
	sm.lastEvent, sm.lastEventAt = ev.typ, sm.clock.Now()
	sm.mu.Unlock()

	switch ev.typ {
	case EvAdminDown:
		sm.adminDown()
		return
	case EvDelete:
		sm.shutdown()
		return
	case EvTCPPassiveOpen:
		sm.passiveOpenSession(ev.session)
		return
	case EvRetentionTimerExpired:
		sm.log.Info("graceful restart window expired")
		sm.c.ManagedDelete()
		return
	}

	switch sm.state {
	case Idle:
		sm.idle(ev)
	case Active:
		sm.active(ev)
	case Connect:
		sm.connecting(ev)
	case OpenSent:
		sm.openSent(ev)
	case OpenConfirm:
		sm.openConfirm(ev)
	case Established:
		sm.established(ev)
	}
}

func (sm *StateMachine) setState(to State) {
	from := sm.state
	if from == Established && (to == Idle || to == Active) {
		sm.c.incrementFlapCount()
	}
	now := sm.clock.Now()
	sm.mu.Lock()
	sm.lastState, sm.state, sm.since = from, to, now
	ev := sm.lastEvent
	sm.mu.Unlock()
	if from != to {
		sm.log.Debug("state change", zap.Stringer("from", from), zap.Stringer("to", to), zap.Stringer("event", ev))
	}
}

func (sm *StateMachine) nextGen() uint64 {
	sm.lastGen++
	return sm.lastGen
}

func (sm *StateMachine) idle(ev *event) {
	if ev.typ != EvStart || sm.c.AdminDown() {
		return
	}
	sm.enterActive()
}

func (sm *StateMachine) enterActive() {
	sm.setState(Active)
	if sm.isClient() {
		sm.connect.start(jitter(ConnectTime(sm.ConnectAttempts())))
	}
}

func (sm *StateMachine) active(ev *event) {
	switch ev.typ {
	case EvConnectTimerExpired:
		if sm.isClient() {
			sm.enterConnect()
		}
	case EvOpenTimerExpired:
		sm.teardown(ReasonOpenTimer, true)
	case EvTCPClose:
		sm.teardown(closeReason(ev), false)
	case EvXMPPOpen:
		if !sm.isClient() {
			sm.streamOpened(ev.msg)
		}
	case EvStop:
		if sm.isClient() {
			sm.c.setCloseReason(ReasonStopped)
			sm.connect.cancel()
			sm.closeSession(false)
			sm.enterActive()
			return
		}
		sm.teardown(ReasonStopped, true)
	}
}

func (sm *StateMachine) enterConnect() {
	sm.mu.Lock()
	sm.attempts++
	attempts := sm.attempts
	sm.mu.Unlock()
	sm.setState(Connect)
	sm.connect.start(jitter(ConnectTime(attempts)))

	gen := sm.nextGen()
	s, err := sm.c.owner.newSession(newLink(sm.c, gen))
	if err != nil {
		err = xmpperr.SessionUnavailable(xmpperr.WithPeer(sm.c.Name()), xmpperr.WithCause(err))
		sm.c.stats.connectFailures.Add(1)
		sm.c.setCloseReason(err.Error())
		sm.log.Warn("connect attempt failed", zap.Error(err), zap.Int("attempts", attempts))
		sm.connect.cancel()
		sm.enterActive()
		return
	}
	sm.c.attach(s, gen)
	s.Connect(sm.c.config.Endpoint)
}

func (sm *StateMachine) connecting(ev *event) {
	switch ev.typ {
	case EvConnectTimerExpired:
		sm.c.setCloseReason(ReasonConnectTimer)
		sm.closeSession(false)
		sm.enterActive()
	case EvTCPConnected:
		sm.connect.cancel()
		sm.c.startRead()
		if !sm.c.SendOpen() {
			sm.c.setCloseReason(ReasonSendOpenFailed)
			sm.closeSession(false)
			sm.enterActive()
			return
		}
		sm.restartHold()
		sm.setState(OpenSent)
	case EvTCPConnectFail:
		err := xmpperr.ConnectFailed(xmpperr.WithPeer(sm.c.Endpoint().String()), xmpperr.WithCause(ev.err))
		sm.c.stats.connectFailures.Add(1)
		sm.c.setCloseReason(err.Error())
		sm.log.Debug("connect failed", zap.Error(err))
		sm.connect.cancel()
		sm.closeSession(false)
		sm.enterActive()
	case EvTCPClose:
		sm.c.setCloseReason(closeReason(ev))
		sm.connect.cancel()
		sm.closeSession(false)
		sm.enterActive()
	case EvStop:
		sm.c.setCloseReason(ReasonStopped)
		sm.connect.cancel()
		sm.closeSession(false)
		sm.enterActive()
	}
}

func (sm *StateMachine) openSent(ev *event) {
	switch ev.typ {
	case EvXMPPOpen:
		sm.c.setPeerID(ev.msg.From)
		sm.c.SendKeepalive()
		sm.enterEstablished()
	case EvHoldTimerExpired:
		sm.teardown(ReasonHoldTimer, false)
	case EvTCPClose:
		sm.teardown(closeReason(ev), false)
	case EvStop:
		sm.teardown(ReasonStopped, true)
	}
}

func (sm *StateMachine) openConfirm(ev *event) {
	switch ev.typ {
	case EvXMPPKeepalive:
		sm.enterEstablished()
	case EvHoldTimerExpired:
		sm.teardown(ReasonHoldTimer, false)
	case EvTCPClose:
		sm.teardown(closeReason(ev), false)
	case EvStop:
		sm.teardown(ReasonStopped, true)
	}
}

func (sm *StateMachine) established(ev *event) {
	switch ev.typ {
	case EvXMPPKeepalive:
		sm.mu.Lock()
		sm.keepalives++
		sm.mu.Unlock()
		sm.restartHold()
	case EvXMPPStanza:
		sm.restartHold()
		sm.c.mux.Dispatch(ev.msg)
	case EvXMPPOpen:
		err := xmpperr.UnexpectedMessage(xmpperr.WithPeer(ev.msg.From), xmpperr.WithMessage("stream open while established"))
		sm.c.stats.recordError(err)
		sm.log.Debug("message ignored", zap.Error(err))
	case EvKeepaliveTimerExpired:
		sm.c.SendKeepalive()
		sm.keepalive.start(sm.c.config.KeepaliveInterval)
	case EvHoldTimerExpired:
		sm.log.Info("session down", zap.Error(xmpperr.HoldTimerExpired(
			xmpperr.WithPeer(sm.c.ToID()),
			xmpperr.WithMessage("no traffic for "+sm.holdTime().String()),
		)))
		sm.teardown(ReasonHoldTimer, false)
	case EvTCPClose:
		sm.teardown(closeReason(ev), false)
	case EvStop:
		sm.teardown(ReasonStopped, true)
	}
}

func (sm *StateMachine) enterEstablished() {
	sm.mu.Lock()
	sm.attempts = 0
	sm.mu.Unlock()
	sm.open.cancel()
	sm.restartHold()
	if ka := sm.c.config.KeepaliveInterval; ka > 0 {
		sm.keepalive.start(ka)
	}
	sm.setState(Established)
	sm.ready = true
	sm.log.Info("established", zap.String("peer", sm.c.ToID()))
	sm.c.owner.notify(sm.c, Ready)
}

// streamOpened handles a peer's stream open on an accepted session
func (sm *StateMachine) streamOpened(m *stanza.Message) {
	c := sm.c
	if c.IsDeleted() {
		sm.teardown(ReasonDeleted, true)
		return
	}
	c.setPeerID(m.From)
	if err := c.owner.bindEndpoint(c, m.From); err != nil {
		c.stats.recordError(err)
		c.setCloseReason(err.Error())
		sm.log.Warn("stream open rejected", zap.Error(err))
		sm.open.cancel()
		sm.closeSession(true)
		sm.setState(Idle)
		c.ManagedDelete()
		return
	}
	sm.open.cancel()
	sm.retention.cancel()
	if !c.SendOpenConfirm() {
		sm.teardown(ReasonSendConfirmFailed, true)
		return
	}
	if c.owner.confirmOnKeepalive() {
		sm.restartHold()
		sm.setState(OpenConfirm)
		return
	}
	sm.enterEstablished()
}

// passiveOpenSession attaches an accepted session, replacing any
// session a returning peer left behind
func (sm *StateMachine) passiveOpenSession(s transport.Session) {
	c := sm.c
	if c.hasSession() {
		c.setCloseReason(ReasonSessionReplaced)
		sm.closeSession(true)
		sm.stopTimers()
		sm.notReady()
	}
	sm.retention.cancel()
	gen := sm.nextGen()
	c.attach(s, gen)
	s.SetHandler(newLink(c, gen))
	s.StartRead()
	sm.setState(Active)
	sm.open.start(OpenTime)
}

func (sm *StateMachine) adminDown() {
	sm.c.setCloseReason(ReasonAdminDown)
	if sm.state == Idle {
		return
	}
	sm.connect.cancel()
	sm.resetSession(true)
	sm.setState(Idle)
}

func (sm *StateMachine) shutdown() {
	if sm.c.hasSession() {
		sm.c.setCloseReason(ReasonDeleted)
		sm.closeSession(true)
	}
	sm.stopTimers()
	sm.connect.cancel()
	sm.retention.cancel()
	sm.notReady()
	if sm.state != Idle {
		sm.setState(Idle)
	}
	sm.stopped.Store(true)
}

// teardown ends the current session. Clients return to Active to
// reconnect; servers go Idle.
func (sm *StateMachine) teardown(reason string, sendClose bool) {
	sm.c.setCloseReason(reason)
	if sm.state == Established {
		sm.log.Info("session down", zap.String("reason", reason))
	}
	sm.resetSession(sendClose)
	if sm.isClient() {
		sm.enterActive()
		return
	}
	sm.setState(Idle)
}

// resetSession releases the session and its timers. A server
// connection is then deleted, or retained for the graceful restart
// window.
func (sm *StateMachine) resetSession(sendClose bool) {
	sm.closeSession(sendClose)
	sm.stopTimers()
	sm.notReady()
	if sm.isClient() {
		return
	}
	if gr, retain := sm.c.owner.gracefulRestart(); gr && !sm.c.IsDeleted() {
		sm.retention.start(retain)
		return
	}
	sm.c.ManagedDelete()
}

func (sm *StateMachine) stopTimers() {
	sm.open.cancel()
	sm.hold.cancel()
	sm.keepalive.cancel()
}

func (sm *StateMachine) notReady() {
	if !sm.ready {
		return
	}
	sm.ready = false
	sm.c.owner.notify(sm.c, NotReady)
}

func (sm *StateMachine) restartHold() {
	if ht := sm.holdTime(); ht > 0 {
		sm.hold.start(ht)
	}
}

// closeSession detaches and closes the session. Senders waiting for
// it to become writable are told it closed.
func (sm *StateMachine) closeSession(sendClose bool) {
	if sendClose {
		sm.c.SendClose()
	}
	s := sm.c.detach()
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		sm.log.Debug("session close", zap.Error(err))
	}
	sm.c.stats.sessionCloses.Add(1)
	sm.c.mux.WriteReady(xmpperr.SessionClosed(xmpperr.WithPeer(sm.c.Name())))
}

func closeReason(ev *event) string {
	switch {
	case ev.msg != nil:
		return ReasonStreamClosed
	case ev.err != nil:
		return ReasonConnectionClosed + ": " + ev.err.Error()
	}
	return ReasonConnectionClosed
}
