package session

import (
	"fmt"
	"strings"
	"testing"

	"github.com/andaru/xmpp/transport"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorServer(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	n := transport.NewMemNetwork()
	srv := newTestServer(t, mock, n)
	col := NewCollector(srv)

	a.Equal(3, testutil.CollectAndCount(col))

	_, c := openRaw(t, n, srv, agentA, "agent-a")
	a.Equal(26, testutil.CollectAndCount(col))
	a.Equal(12, testutil.CollectAndCount(col, "xmpp_connection_messages_total"))
	a.Equal(5, testutil.CollectAndCount(col, "xmpp_connection_errors_total"))

	expected := fmt.Sprintf(`
# HELP xmpp_connection_established 1 if the connection is established, otherwise 0
# TYPE xmpp_connection_established gauge
xmpp_connection_established{id=%q,name="agent-a",role="server"} 1
# HELP xmpp_server_max_connections Most live connections seen at once
# TYPE xmpp_server_max_connections gauge
xmpp_server_max_connections 1
`, c.ID())
	require.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(expected),
		"xmpp_connection_established", "xmpp_server_max_connections"))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(col))
	problems, err := testutil.GatherAndLint(reg)
	require.NoError(t, err)
	a.Empty(problems)
}

func TestCollectorClient(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	n := transport.NewMemNetwork()
	cl := newTestClient(t, mock, n, agentA)
	col := NewCollector(cl)

	a.Equal(1, testutil.CollectAndCount(col))
	startChannel(t, cl, channelConfig("agent-a"))
	a.Equal(24, testutil.CollectAndCount(col))
	a.Zero(testutil.CollectAndCount(col, "xmpp_server_connection_queue_length"))
}
