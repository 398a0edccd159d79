package session

import (
	"sync"
	"time"

	"github.com/andaru/xmpp/channel"
	"github.com/andaru/xmpp/lifetime"
	"github.com/andaru/xmpp/transport"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Client maintains one outbound control channel per configured peer
type Client struct {
	config ClientConfig
	log    *zap.Logger
	clock  clock.Clock
	lm     *lifetime.Manager
	events eventRegistry

	mu      sync.Mutex
	conns   map[string]*Connection
	deleted uint64
	closed  bool
}

// NewClient returns a Client with no channels
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, errors.New("client config must be set")
	}
	if err := config.Verify(); err != nil {
		return nil, err
	}
	c := &Client{
		config: *config,
		clock:  defaultClock(config.Clock),
		log:    defaultLogger(config.Logger),
		conns:  map[string]*Connection{},
	}
	c.lm = lifetime.NewManager(c.log)
	return c, nil
}

// ConfigUpdate makes the client's channels those of configs. Channels
// not in configs, or whose configuration changed, are deleted; new
// channels are created and started.
func (c *Client) ConfigUpdate(configs []*ChannelConfig) error {
	desired := make(map[string]*ChannelConfig, len(configs))
	var err error
	for _, cfg := range configs {
		if verr := cfg.Verify(); verr != nil {
			err = multierr.Append(err, verr)
			continue
		}
		if _, dup := desired[cfg.Name]; dup {
			err = multierr.Append(err, errors.Errorf("channel %s configured twice", cfg.Name))
			continue
		}
		desired[cfg.Name] = cfg
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is shut down")
	}
	var added, removed []*Connection
	for name, conn := range c.conns {
		if cfg, ok := desired[name]; !ok || !cfg.equal(&conn.config) {
			removed = append(removed, conn)
			delete(c.conns, name)
		}
	}
	for name, cfg := range desired {
		if c.conns[name] != nil {
			continue
		}
		conn := newConnection(RoleClient, cfg, c, c.lm, c.clock, c.log, c.config.MaxMessageSize)
		c.conns[name] = conn
		added = append(added, conn)
	}
	c.mu.Unlock()

	for _, conn := range removed {
		conn.log.Info("channel removed")
		conn.ManagedDelete()
	}
	for _, conn := range added {
		conn.log.Info("channel added")
		conn.sm.Start()
	}
	return nil
}

func (c *Client) newSession(h transport.Handler) (transport.Session, error) {
	return c.config.Transport.NewSession(h)
}

func (c *Client) bindEndpoint(*Connection, string) error { return nil }

func (c *Client) notify(conn *Connection, ev ChannelEvent) { c.events.notify(conn, ev) }

func (c *Client) remove(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[conn.config.Name] == conn {
		delete(c.conns, conn.config.Name)
	}
}

func (c *Client) destroyed(*Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted++
}

func (c *Client) gracefulRestart() (bool, time.Duration) { return false, 0 }

func (c *Client) confirmOnKeepalive() bool { return false }

// Connections returns the client's channels ordered by name
func (c *Client) Connections() []*Connection {
	c.mu.Lock()
	conns := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	sortConnections(conns)
	return conns
}

// FindConnection returns the channel named name
func (c *Client) FindConnection(name string) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[name]
}

// ConnectionCount returns the number of channels
func (c *Client) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// DeletedCount returns the number of channels destroyed
func (c *Client) DeletedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}

// SetDeleteQueueDisable stops (or resumes) processing channel deletions
func (c *Client) SetDeleteQueueDisable(disable bool) { c.lm.SetQueueDisable(disable) }

// RegisterConnectionEvent calls fn when any channel becomes ready or
// not ready
func (c *Client) RegisterConnectionEvent(peer channel.PeerID, fn ConnectionEventFunc) {
	c.events.register(peer, fn)
}

// UnregisterConnectionEvent removes the observer of peer
func (c *Client) UnregisterConnectionEvent(peer channel.PeerID) { c.events.unregister(peer) }

// Shutdown deletes every channel and waits for the deletions to be
// processed
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		conn.ManagedDelete()
	}
	c.lm.SetQueueDisable(false)
	c.lm.Wait()
	c.log.Info("client shut down", zap.Int("channels", len(conns)))
	return nil
}
