package session

import (
	"sync/atomic"

	"github.com/andaru/xmpp/stanza"
	"github.com/andaru/xmpp/xmpperr"
)

// Direction is a message direction
type Direction int

const (
	// Rx counts messages received from the peer
	Rx Direction = iota
	// Tx counts messages sent to the peer
	Tx
)

func (d Direction) String() string {
	if d == Tx {
		return "tx"
	}
	return "rx"
}

const numKinds = int(stanza.KindMessage) + 1

// Stats counts a connection's traffic and errors
type Stats struct {
	msgs  [2][numKinds]atomic.Uint64
	bytes [2]atomic.Uint64

	decodeErrors    atomic.Uint64
	sendFailures    atomic.Uint64
	connectFailures atomic.Uint64
	sessionCloses   atomic.Uint64
	protocolErrors  atomic.Uint64
}

func (s *Stats) count(d Direction, k stanza.Kind, n int) {
	if k >= 0 && int(k) < numKinds {
		s.msgs[d][k].Add(1)
	}
	s.bytes[d].Add(uint64(n))
}

// recordError counts a decode or protocol error. Transport failures
// have counters of their own.
func (s *Stats) recordError(err error) {
	switch xmpperr.KindOf(err) {
	case xmpperr.KindDecode:
		s.decodeErrors.Add(1)
	case xmpperr.KindProtocol:
		s.protocolErrors.Add(1)
	}
}

// MessageCounters are the counters of one direction
type MessageCounters struct {
	Open        uint64 `json:"open"`
	OpenConfirm uint64 `json:"open_confirm"`
	Close       uint64 `json:"close"`
	Keepalive   uint64 `json:"keepalive"`
	IQ          uint64 `json:"iq"`
	Message     uint64 `json:"message"`
	Bytes       uint64 `json:"bytes"`
}

// Total returns the number of messages counted
func (m MessageCounters) Total() uint64 {
	return m.Open + m.OpenConfirm + m.Close + m.Keepalive + m.IQ + m.Message
}

// ErrorCounters count recoverable errors
type ErrorCounters struct {
	Decode   uint64 `json:"decode"`
	Send     uint64 `json:"send"`
	Connect  uint64 `json:"connect"`
	Close    uint64 `json:"close"`
	Protocol uint64 `json:"protocol"`
}

// Counters returns the message counters of direction d
func (s *Stats) Counters(d Direction) MessageCounters {
	m := &s.msgs[d]
	return MessageCounters{
		Open:        m[stanza.KindStreamOpen].Load(),
		OpenConfirm: m[stanza.KindStreamOpenConfirm].Load(),
		Close:       m[stanza.KindStreamClose].Load(),
		Keepalive:   m[stanza.KindKeepalive].Load(),
		IQ:          m[stanza.KindIQ].Load(),
		Message:     m[stanza.KindMessage].Load(),
		Bytes:       s.bytes[d].Load(),
	}
}

// Errors returns the error counters
func (s *Stats) Errors() ErrorCounters {
	return ErrorCounters{
		Decode:   s.decodeErrors.Load(),
		Send:     s.sendFailures.Load(),
		Connect:  s.connectFailures.Load(),
		Close:    s.sessionCloses.Load(),
		Protocol: s.protocolErrors.Load(),
	}
}
