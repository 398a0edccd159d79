package session

import (
	"sort"
	"sync"

	"github.com/andaru/xmpp/channel"
)

// ChannelEvent reports a connection becoming usable or unusable
type ChannelEvent int

const (
	// NotReady is raised when an established connection goes down
	NotReady ChannelEvent = iota
	// Ready is raised when a connection is established
	Ready
)

func (e ChannelEvent) String() string {
	if e == Ready {
		return "READY"
	}
	return "NOT_READY"
}

// ConnectionEventFunc observes connection events. It is called from
// the connection's event queue and must not block on the connection.
type ConnectionEventFunc func(c *Connection, ev ChannelEvent)

// eventRegistry holds connection event observers by peer
type eventRegistry struct {
	mu  sync.Mutex
	fns map[channel.PeerID]ConnectionEventFunc
}

func (r *eventRegistry) register(peer channel.PeerID, fn ConnectionEventFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fns == nil {
		r.fns = map[channel.PeerID]ConnectionEventFunc{}
	}
	r.fns[peer] = fn
}

func (r *eventRegistry) unregister(peer channel.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fns, peer)
}

func (r *eventRegistry) notify(c *Connection, ev ChannelEvent) {
	r.mu.Lock()
	peers := make([]channel.PeerID, 0, len(r.fns))
	fns := make(map[channel.PeerID]ConnectionEventFunc, len(r.fns))
	for p, fn := range r.fns {
		peers = append(peers, p)
		fns[p] = fn
	}
	r.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, p := range peers {
		fns[p](c, ev)
	}
}
