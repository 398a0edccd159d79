package session

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/andaru/xmpp/channel"
	"github.com/andaru/xmpp/stanza"
	"github.com/andaru/xmpp/transport"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientEstablish(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	n := transport.NewMemNetwork()
	srv := newTestServer(t, mock, n)
	cl := newTestClient(t, mock, n, agentA)
	var events eventLog
	cl.RegisterConnectionEvent(channel.PeerConfig, events.record)

	c := startChannel(t, cl, channelConfig("agent-a"))
	a.Equal(RoleClient, c.Role())
	a.Equal(serverAddr, c.Endpoint())
	sc := establish(t, mock, srv, c, agentA)

	a.Equal("agent-a", c.Name())
	a.Equal(testServerID, c.ToID())
	a.Equal("agent-a", sc.Name())
	a.Equal(agentA, c.LocalEndpoint().Addr())
	a.Zero(c.StateMachine().ConnectAttempts())
	a.Equal(uint64(1), c.Stats().Counters(Tx).Open)
	a.Equal(uint64(1), c.Stats().Counters(Rx).OpenConfirm)
	a.NotZero(c.Stats().Counters(Tx).Keepalive)
	a.Equal(OpenSent, c.StateMachine().LastState())

	ok, err := c.IsEstablished(context.Background())
	a.NoError(err)
	a.True(ok)
	eventually(t, func() bool { return len(events.snapshot()) == 1 })
	a.Equal([]string{"agent-a READY"}, events.snapshot())

	info := c.Info()
	a.Equal("client", info.Role)
	a.Equal(testServerID, info.ToID)
	a.Equal("agent-a", info.FromID)
}

func TestClientExchange(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	n := transport.NewMemNetwork()
	srv := newTestServer(t, mock, n)
	cl := newTestClient(t, mock, n, agentA)
	c := startChannel(t, cl, channelConfig("agent-a"))
	sc := establish(t, mock, srv, c, agentA)

	var agentCfg, serverBGP receiver
	c.RegisterReceiver(channel.PeerConfig, agentCfg.receive)
	sc.RegisterReceiver(channel.PeerBGP, serverBGP.receive)
	defer c.UnregisterReceiver(channel.PeerConfig)
	defer sc.UnregisterReceiver(channel.PeerBGP)

	b, err := stanza.Encode(&stanza.Message{Kind: stanza.KindIQ, Type: "set", From: "agent-a", To: "bgp.contrail.com/bgp-peer", ID: "sub1", Action: stanza.ActionSubscribe, Node: "vrf-a"})
	require.NoError(t, err)
	a.True(c.Send(b))
	eventually(t, func() bool { return serverBGP.count() == 1 })
	m := serverBGP.last()
	a.Equal(stanza.ActionSubscribe, m.Action)
	a.Equal("vrf-a", m.Node)

	b, err = stanza.Encode(&stanza.Message{Kind: stanza.KindMessage, From: testServerID, To: "agent-a/config"})
	require.NoError(t, err)
	a.True(sc.Send(b))
	eventually(t, func() bool { return agentCfg.count() == 1 })
	a.Equal(stanza.KindMessage, agentCfg.last().Kind)
	a.Equal(uint64(1), sc.Stats().Counters(Tx).Message)
	a.Equal(uint64(1), c.Stats().Counters(Rx).Message)
}

func TestClientServerHoldTimerFlap(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	n := transport.NewMemNetwork()
	srv := newTestServer(t, mock, n)
	cl := newTestClient(t, mock, n, agentA)
	cfg := channelConfig("agent-a")
	cfg.KeepaliveInterval = 2 * time.Second
	c := startChannel(t, cl, cfg)
	sc := establish(t, mock, srv, c, agentA)
	rec := srv.FindEndpoint(agentA)
	require.NotNil(t, rec)

	n.SetDrop(agentA, true)
	advanceUntil(t, mock, func() bool {
		return c.FlapCount() == 1 && rec.FlapCount() == 1
	}, "both sides should flap once")
	a.Equal(ReasonHoldTimer, rec.CloseReason())
	a.Equal(uint64(1), sc.FlapCount())
	a.Equal(ReasonHoldTimer, sc.CloseReason())

	// the peer stays unreachable, so nothing comes back up to flap again
	for i := 0; i < 100; i++ {
		mock.Add(100 * time.Millisecond)
	}
	st, err := c.Sync(context.Background())
	a.NoError(err)
	a.NotEqual(Established, st)
	a.Equal(uint64(1), c.FlapCount())
	a.Equal(uint64(1), rec.FlapCount())

	n.SetDrop(agentA, false)
	advanceUntil(t, mock, func() bool {
		sc := srv.FindConnection(agentA)
		return c.State() == Established && sc != nil && sc.State() == Established
	}, "channel did not recover")
}

func TestClientReconnectGracefulRestart(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	n := transport.NewMemNetwork()
	srv := newTestServer(t, mock, n, func(c *ServerConfig) { c.GracefulRestart = true })
	cl := newTestClient(t, mock, n, agentA)
	c := startChannel(t, cl, channelConfig("agent-a"))
	sc := establish(t, mock, srv, c, agentA)
	var bgp receiver
	sc.RegisterReceiver(channel.PeerBGP, bgp.receive)

	c.Clear()
	advanceUntil(t, mock, func() bool {
		return c.FlapCount() == 1 && c.State() == Established && sc.State() == Established
	})
	a.Equal(ReasonStopped, c.CloseReason())
	a.Same(sc, srv.FindConnection(agentA))
	a.Equal(uint64(1), sc.FlapCount())
	// the new session may reach the server before the old one's close
	a.Contains([]string{ReasonStreamClosed, ReasonSessionReplaced}, sc.CloseReason())
	a.Equal([]channel.PeerID{channel.PeerBGP}, sc.Mux().Receivers())
	a.Zero(srv.DeletedCount())

	// removing the channel leaves the server connection to the
	// graceful restart window
	require.NoError(t, cl.ConfigUpdate(nil))
	eventually(t, func() bool { return cl.DeletedCount() == 1 })
	advanceUntil(t, mock, sc.IsDeleted)
	eventually(t, func() bool { return srv.PendingDeleteCount() == 1 })
	sc.UnregisterReceiver(channel.PeerBGP)
	eventually(t, func() bool { return srv.DeletedCount() == 1 })
}

func TestClientAdminDown(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	n := transport.NewMemNetwork()
	srv := newTestServer(t, mock, n)
	cl := newTestClient(t, mock, n, agentA)
	var events eventLog
	cl.RegisterConnectionEvent(channel.PeerBGP, events.record)
	c := startChannel(t, cl, channelConfig("agent-a"))
	establish(t, mock, srv, c, agentA)

	c.SetAdminState(true)
	c.SetAdminState(true)
	eventually(t, func() bool { return c.State() == Idle })
	a.Equal(ReasonAdminDown, c.CloseReason())
	a.Equal(uint64(1), c.FlapCount())
	eventually(t, func() bool { return srv.DeletedCount() == 1 })

	mock.Add(time.Minute)
	st, err := c.Sync(context.Background())
	a.NoError(err)
	a.Equal(Idle, st)
	a.Zero(srv.ConnectionCount())

	c.SetAdminState(false)
	a.False(c.AdminDown())
	establish(t, mock, srv, c, agentA)
	a.Equal([]string{"agent-a READY", "agent-a NOT_READY", "agent-a READY"}, events.snapshot())
}

func TestClientBackoff(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	n := transport.NewMemNetwork()
	cl := newTestClient(t, mock, n, agentA)
	c := startChannel(t, cl, channelConfig("agent-a"))

	advanceUntil(t, mock, func() bool {
		return c.StateMachine().ConnectAttempts() == 3 && c.Stats().Errors().Connect == 3 && c.State() == Active
	})
	a.Contains(c.CloseReason(), "connect-failed")
	a.Contains(c.CloseReason(), transport.ErrConnectionRefused.Error())

	// the fourth attempt waits ConnectTime(3), less up to 10%
	mock.Add(3 * time.Second)
	_, err := c.Sync(context.Background())
	a.NoError(err)
	a.Equal(3, c.StateMachine().ConnectAttempts())

	advanceUntil(t, mock, func() bool { return c.StateMachine().ConnectAttempts() == 4 })
	a.Zero(c.FlapCount())
}

func TestClientSessionLimit(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	n := transport.NewMemNetwork()
	n.SetSessionLimit(1)
	srv := newTestServer(t, mock, n)
	cl := newTestClient(t, mock, n, agentA)
	ca := startChannel(t, cl, channelConfig("agent-a"))
	establish(t, mock, srv, ca, agentA)

	cfgB := channelConfig("agent-b")
	cfgB.Endpoint = netip.MustParseAddrPort("10.0.0.2:5269")
	require.NoError(t, cl.ConfigUpdate([]*ChannelConfig{channelConfig("agent-a"), cfgB}))
	a.Same(ca, cl.FindConnection("agent-a"))
	cb := cl.FindConnection("agent-b")
	require.NotNil(t, cb)

	advanceUntil(t, mock, func() bool { return strings.Contains(cb.CloseReason(), "session limit reached") })
	a.Contains(cb.CloseReason(), "session-unavailable")
	a.NotZero(cb.Stats().Errors().Connect)
	a.Equal(Established, ca.State())
}

func TestClientConfigUpdate(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	n := transport.NewMemNetwork()
	cl := newTestClient(t, mock, n, agentA)

	require.NoError(t, cl.ConfigUpdate([]*ChannelConfig{channelConfig("a"), channelConfig("b")}))
	a.Equal(2, cl.ConnectionCount())
	ca, cb := cl.FindConnection("a"), cl.FindConnection("b")
	require.NotNil(t, ca)
	require.NotNil(t, cb)

	changed := channelConfig("b")
	changed.KeepaliveInterval = 5 * time.Second
	require.NoError(t, cl.ConfigUpdate([]*ChannelConfig{channelConfig("a"), changed, channelConfig("c")}))
	a.Same(ca, cl.FindConnection("a"))
	a.NotSame(cb, cl.FindConnection("b"))
	a.Equal(5*time.Second, cl.FindConnection("b").KeepaliveInterval())
	a.True(cb.IsDeleted())
	a.Equal([]string{"a", "b", "c"}, connectionNames(cl.Connections()))
	eventually(t, func() bool { return cl.DeletedCount() == 1 })

	err := cl.ConfigUpdate([]*ChannelConfig{channelConfig("a"), channelConfig("a"), {Name: "bad"}})
	require.Error(t, err)
	a.Contains(err.Error(), "channel a configured twice")
	a.Contains(err.Error(), "channel bad: endpoint must be set")
	a.Equal(3, cl.ConnectionCount())

	require.NoError(t, cl.ConfigUpdate(nil))
	a.Zero(cl.ConnectionCount())
	eventually(t, func() bool { return cl.DeletedCount() == 4 })

	a.NoError(cl.Shutdown())
	a.EqualError(cl.ConfigUpdate(nil), "client is shut down")
}
