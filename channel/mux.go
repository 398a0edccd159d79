// Package channel multiplexes the stanzas of one control channel
// between the application receivers registered on it.
package channel

import (
	"sort"
	"sync"

	"github.com/andaru/xmpp/stanza"
	"go.uber.org/zap"
)

// ReceiveFunc handles a stanza addressed to peer
type ReceiveFunc func(m *stanza.Message, peer PeerID)

// WriteReadyFunc is told the outcome of a send that could not be
// completed immediately
type WriteReadyFunc func(err error)

// Sender writes encoded stanzas. It returns false when the stream is
// not currently writable.
type Sender interface {
	Send(b []byte) bool
}

// Option configures a Mux
type Option func(*Mux)

// WithPeerTable sets the table used to route stanzas
func WithPeerTable(t PeerTable) Option { return func(m *Mux) { m.table = t } }

// WithLogger sets the Mux logger
func WithLogger(log *zap.Logger) Option { return func(m *Mux) { m.log = log } }

// OnLastReceiver sets fn to be called whenever unregistering leaves
// the Mux with no receivers
func OnLastReceiver(fn func()) Option { return func(m *Mux) { m.onLast = fn } }

// Mux routes received stanzas to receivers by PeerID and holds the
// callbacks of senders waiting for the stream to become writable.
// It is safe for concurrent use; callbacks are never called with its
// lock held.
type Mux struct {
	sender Sender
	table  PeerTable
	log    *zap.Logger
	onLast func()

	mu         sync.Mutex
	receivers  map[PeerID]ReceiveFunc
	writeReady map[PeerID][]WriteReadyFunc
}

// NewMux returns a Mux sending through sender
func NewMux(sender Sender, opts ...Option) *Mux {
	m := &Mux{
		sender:     sender,
		receivers:  map[PeerID]ReceiveFunc{},
		writeReady: map[PeerID][]WriteReadyFunc{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.table == nil {
		m.table = DefaultPeerTable()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m
}

// PeerTable returns the routing table
func (m *Mux) PeerTable() PeerTable { return m.table }

// RegisterReceiver sets fn as the receiver for peer, replacing any
// previous one. It returns false if a receiver was replaced.
func (m *Mux) RegisterReceiver(peer PeerID, fn ReceiveFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.receivers[peer]
	m.receivers[peer] = fn
	return !exists
}

// UnregisterReceiver removes the receiver for peer, and any write
// ready callbacks it left behind
func (m *Mux) UnregisterReceiver(peer PeerID) {
	m.mu.Lock()
	_, exists := m.receivers[peer]
	delete(m.receivers, peer)
	delete(m.writeReady, peer)
	last := exists && len(m.receivers) == 0
	m.mu.Unlock()
	if last && m.onLast != nil {
		m.onLast()
	}
}

// ReceiverCount returns the number of registered receivers
func (m *Mux) ReceiverCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receivers)
}

// Receivers returns the peers with a registered receiver
func (m *Mux) Receivers() []PeerID {
	m.mu.Lock()
	peers := make([]PeerID, 0, len(m.receivers))
	for p := range m.receivers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Dispatch delivers s to the receiver of the peer its to field names.
// It returns false if that peer has no receiver.
func (m *Mux) Dispatch(s *stanza.Message) bool {
	peer := m.table.Lookup(s.To)
	m.mu.Lock()
	fn := m.receivers[peer]
	m.mu.Unlock()
	if fn == nil {
		m.log.Debug("no receiver", zap.Stringer("peer", peer), zap.String("to", s.To))
		return false
	}
	fn(s, peer)
	return true
}

// Send writes b for peer. When the stream is not writable Send returns
// false and, if cb is not nil, holds cb until WriteReady.
func (m *Mux) Send(b []byte, peer PeerID, cb WriteReadyFunc) bool {
	if m.sender.Send(b) {
		return true
	}
	if cb != nil {
		m.RegisterWriteReady(peer, cb)
	}
	return false
}

// RegisterWriteReady holds cb until the next WriteReady. Callbacks of
// the same peer are called in the order they were registered.
func (m *Mux) RegisterWriteReady(peer PeerID, cb WriteReadyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeReady[peer] = append(m.writeReady[peer], cb)
}

// WriteReadyPending returns the number of callbacks held
func (m *Mux) WriteReadyPending() (n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cbs := range m.writeReady {
		n += len(cbs)
	}
	return n
}

// WriteReady calls every held callback once with err, then forgets them
func (m *Mux) WriteReady(err error) {
	m.mu.Lock()
	held := m.writeReady
	m.writeReady = map[PeerID][]WriteReadyFunc{}
	m.mu.Unlock()
	peers := make([]PeerID, 0, len(held))
	for p := range held {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, p := range peers {
		for _, cb := range held[p] {
			cb(err)
		}
	}
}
