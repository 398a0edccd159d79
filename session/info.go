package session

import (
	"net/netip"
	"time"

	"github.com/andaru/xmpp/channel"
	"github.com/andaru/xmpp/lifetime"
)

// Info is a snapshot of a connection for introspection
type Info struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Role            string           `json:"role"`
	Endpoint        netip.AddrPort   `json:"endpoint"`
	LocalEndpoint   netip.AddrPort   `json:"local_endpoint"`
	FromID          string           `json:"from"`
	ToID            string           `json:"to"`
	State           string           `json:"state"`
	LastState       string           `json:"last_state"`
	StateSince      time.Time        `json:"state_since"`
	LastEvent       string           `json:"last_event"`
	LastEventAt     time.Time        `json:"last_event_at"`
	ConnectAttempts int              `json:"connect_attempts"`
	FlapCount       uint64           `json:"flap_count"`
	LastFlap        time.Time        `json:"last_flap"`
	CloseReason     string           `json:"close_reason"`
	AdminDown       bool             `json:"admin_down"`
	Deleted         bool             `json:"deleted"`
	Lifetime        string           `json:"lifetime"`
	Receivers       []channel.PeerID `json:"receivers"`
	Rx              MessageCounters  `json:"rx"`
	Tx              MessageCounters  `json:"tx"`
	Errors          ErrorCounters    `json:"errors"`
}

// Info returns a snapshot of the connection
func (c *Connection) Info() Info {
	ev, at := c.sm.LastEvent()
	state := c.handle.State()
	return Info{
		ID:              c.id,
		Name:            c.Name(),
		Role:            c.role.String(),
		Endpoint:        c.Endpoint(),
		LocalEndpoint:   c.LocalEndpoint(),
		FromID:          c.FromID(),
		ToID:            c.ToID(),
		State:           c.sm.State().String(),
		LastState:       c.sm.LastState().String(),
		StateSince:      c.sm.Since(),
		LastEvent:       ev.String(),
		LastEventAt:     at,
		ConnectAttempts: c.sm.ConnectAttempts(),
		FlapCount:       c.FlapCount(),
		LastFlap:        c.LastFlap(),
		CloseReason:     c.CloseReason(),
		AdminDown:       c.AdminDown(),
		Deleted:         state != lifetime.Live,
		Lifetime:        state.String(),
		Receivers:       c.mux.Receivers(),
		Rx:              c.stats.Counters(Rx),
		Tx:              c.stats.Counters(Tx),
		Errors:          c.stats.Errors(),
	}
}
