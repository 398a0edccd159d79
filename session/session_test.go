package session

import (
	"bytes"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/andaru/xmpp/channel"
	"github.com/andaru/xmpp/stanza"
	"github.com/andaru/xmpp/transport"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testServerID = "network-control@contrailsystems.com"

var (
	serverAddr = netip.MustParseAddrPort("10.0.0.1:5269")
	agentA     = netip.MustParseAddr("10.0.0.11")
	agentB     = netip.MustParseAddr("10.0.0.12")
	agentC     = netip.MustParseAddr("10.0.0.13")
)

func newTestServer(t *testing.T, mock *clock.Mock, n *transport.MemNetwork, opts ...func(*ServerConfig)) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.ListenEndpoint = serverAddr
	cfg.KeepaliveInterval = time.Second
	cfg.GracefulRestartTime = 10 * time.Second
	cfg.Clock = mock
	cfg.Logger = zaptest.NewLogger(t)
	for _, opt := range opts {
		opt(cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	stop, err := n.Listen(serverAddr, srv.Accept)
	require.NoError(t, err)
	t.Cleanup(func() {
		stop()
		srv.Shutdown()
	})
	return srv
}

func newTestClient(t *testing.T, mock *clock.Mock, n *transport.MemNetwork, local netip.Addr) *Client {
	t.Helper()
	cl, err := NewClient(&ClientConfig{
		Transport: n.Transport(local),
		Clock:     mock,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Shutdown() })
	return cl
}

func channelConfig(name string) *ChannelConfig {
	cfg := DefaultChannelConfig(name, serverAddr)
	cfg.FromID = name
	cfg.ToID = testServerID
	cfg.KeepaliveInterval = time.Second
	return cfg
}

// startChannel configures cl with a single channel and returns it
func startChannel(t *testing.T, cl *Client, cfg *ChannelConfig) *Connection {
	t.Helper()
	require.NoError(t, cl.ConfigUpdate([]*ChannelConfig{cfg}))
	c := cl.FindConnection(cfg.Name)
	require.NotNil(t, c)
	return c
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond, msgAndArgs...)
}

// advanceUntil moves the mock clock forward in small steps until cond
// holds
func advanceUntil(t *testing.T, mock *clock.Mock, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(100 * time.Millisecond)
		return false
	}, 10*time.Second, time.Millisecond, msgAndArgs...)
}

// establish waits for the client channel c and its server connection
// from local to be established, and returns the server connection
func establish(t *testing.T, mock *clock.Mock, srv *Server, c *Connection, local netip.Addr) *Connection {
	t.Helper()
	var sc *Connection
	advanceUntil(t, mock, func() bool {
		sc = srv.FindConnection(local)
		return c.State() == Established && sc != nil && sc.State() == Established
	}, "channel %s not established", c.Name())
	return sc
}

// rawPeer is a hand-driven agent session
type rawPeer struct {
	s transport.Session

	mu     sync.Mutex
	data   bytes.Buffer
	closed bool
}

func dialRaw(t *testing.T, n *transport.MemNetwork, local netip.Addr) *rawPeer {
	t.Helper()
	p := &rawPeer{}
	connected := make(chan struct{})
	s, err := n.Transport(local).NewSession(&transport.HandlerFuncs{
		Connected: func(transport.Session) { close(connected) },
		Data: func(_ transport.Session, b []byte) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.data.Write(b)
		},
		Closed: func(transport.Session, error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.closed = true
		},
	})
	require.NoError(t, err)
	p.s = s
	s.Connect(serverAddr)
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("raw session did not connect")
	}
	s.StartRead()
	t.Cleanup(func() { s.Close() })
	return p
}

func (p *rawPeer) open(t *testing.T, from string) {
	t.Helper()
	b, err := stanza.EncodeOpen(from, testServerID)
	require.NoError(t, err)
	require.True(t, p.s.Send(b))
}

func (p *rawPeer) send(t *testing.T, m *stanza.Message) {
	t.Helper()
	b, err := stanza.Encode(m)
	require.NoError(t, err)
	require.True(t, p.s.Send(b))
}

func (p *rawPeer) received() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.String()
}

func (p *rawPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// receiver collects stanzas delivered to a registered receiver
type receiver struct {
	mu   sync.Mutex
	msgs []*stanza.Message
}

func (r *receiver) receive(m *stanza.Message, _ channel.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *receiver) last() *stanza.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[len(r.msgs)-1]
}

// eventLog records connection events
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(c *Connection, ev ChannelEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, c.Name()+" "+ev.String())
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}
