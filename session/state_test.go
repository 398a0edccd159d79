package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectTime(t *testing.T) {
	for _, tc := range []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{100, 30 * time.Second},
		{-1, 0},
	} {
		assert.Equal(t, tc.want, ConnectTime(tc.attempts), "attempts %d", tc.attempts)
	}
}

func TestJitter(t *testing.T) {
	a := assert.New(t)
	for i := 0; i < 500; i++ {
		d := jitter(10 * time.Second)
		a.GreaterOrEqual(d, 9*time.Second)
		a.LessOrEqual(d, 11*time.Second)

		d = jitter(0)
		a.GreaterOrEqual(d, 45*time.Millisecond)
		a.LessOrEqual(d, 55*time.Millisecond)
	}
}

func TestStrings(t *testing.T) {
	a := assert.New(t)
	a.Equal("Idle", Idle.String())
	a.Equal("OpenConfirm", OpenConfirm.String())
	a.Equal("Established", Established.String())
	a.Equal("State(9)", State(9).String())

	a.Equal("EvStart", EvStart.String())
	a.Equal("EvTcpConnected", EvTCPConnected.String())
	a.Equal("EvXmppOpen", EvXMPPOpen.String())
	a.Equal("EvDelete", EvDelete.String())
	a.Equal("Event(-1)", EventType(-1).String())

	a.Equal("client", RoleClient.String())
	a.Equal("server", RoleServer.String())
	a.Equal("READY", Ready.String())
	a.Equal("NOT_READY", NotReady.String())
	a.Equal("rx", Rx.String())
	a.Equal("tx", Tx.String())
}
