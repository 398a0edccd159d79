package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionSource lists connections for a Collector. Server and
// Client implement it.
type ConnectionSource interface {
	Connections() []*Connection
}

// Collector exports connection state and counters to Prometheus
type Collector struct {
	src ConnectionSource

	state       *prometheus.Desc
	established *prometheus.Desc
	flaps       *prometheus.Desc
	messages    *prometheus.Desc
	bytes       *prometheus.Desc
	errors      *prometheus.Desc
	receivers   *prometheus.Desc
	queueLen    *prometheus.Desc
	deleted     *prometheus.Desc
	maxConns    *prometheus.Desc
}

// NewCollector returns a Collector over the connections of src
func NewCollector(src ConnectionSource) *Collector {
	conn := []string{"name", "role", "id"}
	return &Collector{
		src: src,
		state: prometheus.NewDesc("xmpp_connection_state",
			"Protocol state of the connection (0 Idle .. 5 Established)", conn, nil),
		established: prometheus.NewDesc("xmpp_connection_established",
			"1 if the connection is established, otherwise 0", conn, nil),
		flaps: prometheus.NewDesc("xmpp_connection_flaps_total",
			"Times the connection went down after being established", conn, nil),
		messages: prometheus.NewDesc("xmpp_connection_messages_total",
			"Messages sent and received by kind", append(conn, "direction", "kind"), nil),
		bytes: prometheus.NewDesc("xmpp_connection_bytes_total",
			"Bytes sent and received", append(conn, "direction"), nil),
		errors: prometheus.NewDesc("xmpp_connection_errors_total",
			"Recoverable errors by type", append(conn, "type"), nil),
		receivers: prometheus.NewDesc("xmpp_connection_receivers",
			"Registered application receivers", conn, nil),
		queueLen: prometheus.NewDesc("xmpp_server_connection_queue_length",
			"Accepted sessions awaiting admission", nil, nil),
		deleted: prometheus.NewDesc("xmpp_deleted_connections_total",
			"Connections destroyed", nil, nil),
		maxConns: prometheus.NewDesc("xmpp_server_max_connections",
			"Most live connections seen at once", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.established
	ch <- c.flaps
	ch <- c.messages
	ch <- c.bytes
	ch <- c.errors
	ch <- c.receivers
	ch <- c.queueLen
	ch <- c.deleted
	ch <- c.maxConns
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, conn := range c.src.Connections() {
		name, role, id := conn.Name(), conn.Role().String(), conn.ID()
		st := conn.State()
		var established float64
		if st == Established {
			established = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(st), name, role, id)
		ch <- prometheus.MustNewConstMetric(c.established, prometheus.GaugeValue, established, name, role, id)
		ch <- prometheus.MustNewConstMetric(c.flaps, prometheus.CounterValue, float64(conn.FlapCount()), name, role, id)
		ch <- prometheus.MustNewConstMetric(c.receivers, prometheus.GaugeValue, float64(conn.Mux().ReceiverCount()), name, role, id)

		stats := conn.Stats()
		for _, d := range []Direction{Rx, Tx} {
			m := stats.Counters(d)
			for _, k := range []struct {
				kind  string
				count uint64
			}{
				{"open", m.Open},
				{"open_confirm", m.OpenConfirm},
				{"close", m.Close},
				{"keepalive", m.Keepalive},
				{"iq", m.IQ},
				{"message", m.Message},
			} {
				ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(k.count), name, role, id, d.String(), k.kind)
			}
			ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(m.Bytes), name, role, id, d.String())
		}
		e := stats.Errors()
		for _, k := range []struct {
			typ   string
			count uint64
		}{
			{"decode", e.Decode},
			{"send", e.Send},
			{"connect", e.Connect},
			{"close", e.Close},
			{"protocol", e.Protocol},
		} {
			ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(k.count), name, role, id, k.typ)
		}
	}

	switch src := c.src.(type) {
	case *Server:
		ch <- prometheus.MustNewConstMetric(c.queueLen, prometheus.GaugeValue, float64(src.ConnectionQueueLen()))
		ch <- prometheus.MustNewConstMetric(c.deleted, prometheus.CounterValue, float64(src.DeletedCount()))
		ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(src.MaxConnections()))
	case *Client:
		ch <- prometheus.MustNewConstMetric(c.deleted, prometheus.CounterValue, float64(src.DeletedCount()))
	}
}
