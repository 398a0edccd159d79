package session

import (
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/andaru/xmpp/stanza"
	"github.com/andaru/xmpp/transport"
	"github.com/benbjohnson/clock"
)

// State is a control channel's protocol state
type State int32

const (
	// Idle channels are stopped
	Idle State = iota
	// Active channels wait to connect (clients) or for a stream open
	// (servers)
	Active
	// Connect channels are connecting their transport
	Connect
	// OpenSent clients have sent a stream open and wait for its confirm
	OpenSent
	// OpenConfirm channels wait for the first keepalive
	OpenConfirm
	// Established channels carry stanzas
	Established
)

var stateNames = [...]string{"Idle", "Active", "Connect", "OpenSent", "OpenConfirm", "Established"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Role is the side of the channel a Connection plays
type Role int

const (
	// RoleClient connections initiate the transport
	RoleClient Role = iota
	// RoleServer connections are accepted
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// EventType is the type of a state machine event
type EventType int

const (
	// EvStart starts, or after admin up restarts, the connection
	EvStart EventType = iota
	// EvStop tears the session down and returns to Idle
	EvStop
	// EvAdminDown tears the session down and holds the connection in Idle
	EvAdminDown
	// EvConnectTimerExpired starts the next connect attempt
	EvConnectTimerExpired
	// EvOpenTimerExpired ends a session whose stream open did not arrive in time
	EvOpenTimerExpired
	// EvHoldTimerExpired ends a session with no traffic for the hold time
	EvHoldTimerExpired
	// EvKeepaliveTimerExpired sends a keepalive
	EvKeepaliveTimerExpired
	// EvRetentionTimerExpired deletes a server connection kept for
	// graceful restart
	EvRetentionTimerExpired
	// EvTCPConnected reports an established outgoing transport session
	EvTCPConnected
	// EvTCPConnectFail reports a failed connect
	EvTCPConnectFail
	// EvTCPPassiveOpen hands an accepted transport session to the connection
	EvTCPPassiveOpen
	// EvTCPClose reports the transport session closed, or a stream close
	EvTCPClose
	// EvXMPPOpen carries a received stream open or open confirm
	EvXMPPOpen
	// EvXMPPKeepalive is a received keepalive
	EvXMPPKeepalive
	// EvXMPPStanza carries a received stanza
	EvXMPPStanza
	// EvQuery reads the state from the event queue
	EvQuery
	// EvDelete shuts the connection down for deletion
	EvDelete
)

var eventNames = [...]string{
	"EvStart",
	"EvStop",
	"EvAdminDown",
	"EvConnectTimerExpired",
	"EvOpenTimerExpired",
	"EvHoldTimerExpired",
	"EvKeepaliveTimerExpired",
	"EvRetentionTimerExpired",
	"EvTcpConnected",
	"EvTcpConnectFail",
	"EvTcpPassiveOpen",
	"EvTcpClose",
	"EvXmppOpen",
	"EvXmppKeepalive",
	"EvXmppStanza",
	"EvQuery",
	"EvDelete",
}

func (e EventType) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return "Event(" + strconv.Itoa(int(e)) + ")"
	}
	return eventNames[e]
}

// event is one item of a state machine's queue. Events raised by a
// transport session carry the session's generation; they are dropped
// once that session is no longer attached.
type event struct {
	typ     EventType
	gen     uint64
	session transport.Session
	msg     *stanza.Message
	err     error
	arm     *timerArm
	reply   chan State
	done    chan struct{}
}

// timerArm is one arming of a timer. Cancelling it turns an expiry
// event already in the queue into a no-op.
type timerArm struct{ cancelled atomic.Bool }

// timer raises its event on the state machine queue when it expires.
// It is only started and cancelled by the state machine's handler.
type timer struct {
	sm  *StateMachine
	typ EventType
	t   *clock.Timer
	arm *timerArm
}

func (t *timer) start(d time.Duration) {
	t.cancel()
	arm := &timerArm{}
	t.arm = arm
	t.t = t.sm.clock.AfterFunc(d, func() { t.sm.enqueue(&event{typ: t.typ, arm: arm}) })
}

func (t *timer) cancel() {
	if t.arm == nil {
		return
	}
	t.arm.cancelled.Store(true)
	t.t.Stop()
	t.arm = nil
}

func (t *timer) running() bool { return t.arm != nil }

// expired consumes an expiry event. It returns false if the arming
// that raised it has been cancelled.
func (t *timer) expired(arm *timerArm) bool {
	if arm.cancelled.Load() {
		return false
	}
	if t.arm == arm {
		t.arm = nil
	}
	return true
}

const (
	// OpenTime bounds the wait for a stream open on an accepted session
	OpenTime = 15 * time.Second
	// MaxConnectInterval caps the connect backoff
	MaxConnectInterval = 30 * time.Second
	// HoldTimeMultiplier is the number of keepalive intervals without
	// traffic after which a channel is declared dead
	HoldTimeMultiplier = 3

	maxBackoffShift = 6
	minConnectDelay = 50 * time.Millisecond
	jitterPercent   = 10
)

// ConnectTime returns the delay before connect attempt attempts+1
func ConnectTime(attempts int) time.Duration {
	backoff := attempts
	if backoff > maxBackoffShift {
		backoff = maxBackoffShift
	}
	if backoff <= 0 {
		return 0
	}
	d := time.Duration(1<<(backoff-1)) * time.Second
	if d > MaxConnectInterval {
		d = MaxConnectInterval
	}
	return d
}

// jitter spreads d by up to jitterPercent either way. A zero delay
// becomes minConnectDelay.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		d = minConnectDelay
	}
	d = d * (100 - jitterPercent) / 100
	return d + d*time.Duration(rand.Intn(2*jitterPercent))/100
}
