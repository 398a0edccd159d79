package session

import (
	"net/netip"
	"sync"
	"time"
)

// EndpointRecord is the server's record of a remote address. It
// outlives the connections made from the address, accumulating their
// flaps and the reason the last one closed.
type EndpointRecord struct {
	addr    netip.Addr
	created time.Time

	mu          sync.Mutex
	conn        *Connection
	flaps       uint64
	lastFlap    time.Time
	closeReason string
}

// Addr returns the remote address
func (r *EndpointRecord) Addr() netip.Addr { return r.addr }

// Created returns the time the address was first seen
func (r *EndpointRecord) Created() time.Time { return r.created }

// Connection returns the connection bound to the record, if any
func (r *EndpointRecord) Connection() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// FlapCount returns the flaps of every connection from the address
func (r *EndpointRecord) FlapCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flaps
}

// LastFlap returns the time of the last flap
func (r *EndpointRecord) LastFlap() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFlap
}

// CloseReason returns why the last connection closed
func (r *EndpointRecord) CloseReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeReason
}

func (r *EndpointRecord) flap(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flaps++
	r.lastFlap = at
}

func (r *EndpointRecord) setCloseReason(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeReason = reason
}

// bind binds c to the record. It returns the other connection still
// bound, without binding, if there is one.
func (r *EndpointRecord) bind(c *Connection) (other *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil && r.conn != c {
		return r.conn
	}
	r.conn = c
	return nil
}

func (r *EndpointRecord) unbind(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == c {
		r.conn = nil
	}
}
