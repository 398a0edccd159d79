package channel

import (
	"sync"
	"testing"

	"github.com/andaru/xmpp/stanza"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type fakeSender struct {
	writable bool
	sent     [][]byte
}

func (s *fakeSender) Send(b []byte) bool {
	if !s.writable {
		return false
	}
	s.sent = append(s.sent, b)
	return true
}

func TestPeerTableLookup(t *testing.T) {
	for _, tc := range []struct {
		to   string
		want PeerID
	}{
		{"bgp.contrail.juniper.net", PeerBGP},
		{"agent/config", PeerConfig},
		{"dns.example", PeerDNS},
		{"network-control@contrailsystems.com/bgp-peer", PeerBGP},
		{"controller", PeerOther},
		{"", PeerOther},
	} {
		assert.Equal(t, tc.want, DefaultPeerTable().Lookup(tc.to), tc.to)
	}

	// first match wins
	table := PeerTable{{"dns", PeerDNS}, {"bgp", PeerBGP}}
	assert.Equal(t, PeerDNS, table.Lookup("bgp-dns"))
}

func TestPeerTableVerify(t *testing.T) {
	a := assert.New(t)
	a.NoError(DefaultPeerTable().Verify())
	a.Error(PeerTable{{"", PeerBGP}}.Verify())
	a.Error(PeerTable{{"x", PeerID(9)}}.Verify())
}

func TestParsePeerID(t *testing.T) {
	a := assert.New(t)
	for _, p := range []PeerID{PeerBGP, PeerConfig, PeerDNS, PeerOther} {
		got, err := ParsePeerID(p.String())
		a.NoError(err)
		a.Equal(p, got)
	}
	_, err := ParsePeerID("ospf")
	a.Error(err)
	a.Equal("unknown", PeerID(-1).String())
}

func TestMuxDispatch(t *testing.T) {
	a := assert.New(t)
	m := NewMux(&fakeSender{})

	var got []PeerID
	recv := func(_ *stanza.Message, p PeerID) { got = append(got, p) }
	a.True(m.RegisterReceiver(PeerBGP, recv))
	a.True(m.RegisterReceiver(PeerOther, recv))
	a.False(m.RegisterReceiver(PeerBGP, recv))
	a.Equal([]PeerID{PeerBGP, PeerOther}, m.Receivers())

	a.True(m.Dispatch(&stanza.Message{Kind: stanza.KindIQ, To: "bgp.peer"}))
	a.True(m.Dispatch(&stanza.Message{Kind: stanza.KindIQ, To: "somewhere"}))
	a.False(m.Dispatch(&stanza.Message{Kind: stanza.KindIQ, To: "dns.peer"}))
	a.Equal([]PeerID{PeerBGP, PeerOther}, got)
}

func TestMuxLastReceiver(t *testing.T) {
	a := assert.New(t)
	calls := 0
	m := NewMux(&fakeSender{}, OnLastReceiver(func() { calls++ }))
	m.RegisterReceiver(PeerBGP, func(*stanza.Message, PeerID) {})
	m.RegisterReceiver(PeerDNS, func(*stanza.Message, PeerID) {})

	m.UnregisterReceiver(PeerBGP)
	a.Equal(0, calls)
	m.UnregisterReceiver(PeerConfig)
	a.Equal(0, calls)
	m.UnregisterReceiver(PeerDNS)
	a.Equal(1, calls)
	m.UnregisterReceiver(PeerDNS)
	a.Equal(1, calls)
	a.Equal(0, m.ReceiverCount())
}

func TestMuxWriteReady(t *testing.T) {
	a := assert.New(t)
	s := &fakeSender{}
	m := NewMux(s)

	var outcomes []error
	cb := func(err error) { outcomes = append(outcomes, err) }
	a.False(m.Send([]byte("<iq/>"), PeerBGP, cb))
	a.False(m.Send([]byte("<iq/>"), PeerConfig, cb))
	a.False(m.Send([]byte("<iq/>"), PeerDNS, nil))
	a.Equal(2, m.WriteReadyPending())

	m.WriteReady(nil)
	a.Equal([]error{nil, nil}, outcomes)
	a.Equal(0, m.WriteReadyPending())
	m.WriteReady(nil)
	a.Len(outcomes, 2)

	failed := errors.New("closed")
	a.False(m.Send([]byte("<iq/>"), PeerBGP, cb))
	m.WriteReady(failed)
	a.Equal(failed, outcomes[2])

	s.writable = true
	a.True(m.Send([]byte("<iq/>"), PeerBGP, cb))
	a.Equal(0, m.WriteReadyPending())
	a.Len(s.sent, 1)
}

func TestMuxWriteReadySamePeer(t *testing.T) {
	a := assert.New(t)
	m := NewMux(&fakeSender{})

	var first, second int
	a.False(m.Send([]byte("<iq id='1'/>"), PeerBGP, func(error) { first++ }))
	a.False(m.Send([]byte("<iq id='2'/>"), PeerBGP, func(error) { second++ }))
	a.Equal(2, m.WriteReadyPending())

	m.WriteReady(nil)
	a.Equal(1, first)
	a.Equal(1, second)
	a.Equal(0, m.WriteReadyPending())

	m.RegisterWriteReady(PeerBGP, func(error) { first++ })
	m.UnregisterReceiver(PeerBGP)
	m.WriteReady(nil)
	a.Equal(1, first)
}

func TestMuxWriteReadyReentrant(t *testing.T) {
	m := NewMux(&fakeSender{})
	called := 0
	var cb WriteReadyFunc
	cb = func(error) {
		called++
		// re-arming from the callback must not deadlock
		m.RegisterWriteReady(PeerBGP, cb)
	}
	m.RegisterWriteReady(PeerBGP, cb)
	m.WriteReady(nil)
	assert.Equal(t, 1, called)
	assert.Equal(t, 1, m.WriteReadyPending())
}

func TestMuxConcurrent(t *testing.T) {
	m := NewMux(&fakeSender{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(p PeerID) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RegisterReceiver(p, func(*stanza.Message, PeerID) {})
				m.Dispatch(&stanza.Message{To: "bgp"})
				m.UnregisterReceiver(p)
			}
		}(PeerID(i % 4))
	}
	wg.Wait()
	assert.Equal(t, 0, m.ReceiverCount())
}
