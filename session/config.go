package session

import (
	"net/netip"
	"time"

	"github.com/andaru/xmpp/channel"
	"github.com/andaru/xmpp/transport"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultKeepaliveInterval is the keepalive interval of channels that
// do not configure one
const DefaultKeepaliveInterval = 30 * time.Second

// ChannelConfig configures one control channel
type ChannelConfig struct {
	// Name identifies the channel. Client channels are keyed by it.
	Name string
	// Endpoint is the peer's address
	Endpoint netip.AddrPort
	// LocalEndpoint is our address, if known
	LocalEndpoint netip.AddrPort
	// FromID is our stream identity
	FromID string
	// ToID is the peer's stream identity
	ToID string
	// KeepaliveInterval is the keepalive send interval. The hold time
	// is HoldTimeMultiplier times this. Zero disables keepalives and
	// the hold timer.
	KeepaliveInterval time.Duration
	// PeerTable routes received stanzas to receivers. Nil uses
	// channel.DefaultPeerTable.
	PeerTable channel.PeerTable
}

// DefaultChannelConfig returns a channel configuration to endpoint
func DefaultChannelConfig(name string, endpoint netip.AddrPort) *ChannelConfig {
	return &ChannelConfig{
		Name:              name,
		Endpoint:          endpoint,
		KeepaliveInterval: DefaultKeepaliveInterval,
	}
}

// Verify checks the configuration
func (c *ChannelConfig) Verify() error {
	switch {
	case c.Name == "":
		return errors.New("channel name must be set")
	case !c.Endpoint.IsValid():
		return errors.Errorf("channel %s: endpoint must be set", c.Name)
	case c.KeepaliveInterval < 0:
		return errors.Errorf("channel %s: keepalive interval must not be negative", c.Name)
	}
	if c.PeerTable != nil {
		return errors.Wrapf(c.PeerTable.Verify(), "channel %s", c.Name)
	}
	return nil
}

func (c *ChannelConfig) equal(o *ChannelConfig) bool {
	if len(c.PeerTable) != len(o.PeerTable) {
		return false
	}
	for i := range c.PeerTable {
		if c.PeerTable[i] != o.PeerTable[i] {
			return false
		}
	}
	return c.Name == o.Name &&
		c.Endpoint == o.Endpoint &&
		c.LocalEndpoint == o.LocalEndpoint &&
		c.FromID == o.FromID &&
		c.ToID == o.ToID &&
		c.KeepaliveInterval == o.KeepaliveInterval
}

// ServerConfig configures a Server
type ServerConfig struct {
	// ListenEndpoint is the address the server is reached on
	ListenEndpoint netip.AddrPort
	// ServerID is the server's stream identity
	ServerID string
	// KeepaliveInterval applies to every accepted channel
	KeepaliveInterval time.Duration
	// GracefulRestart retains a channel whose session goes down for
	// GracefulRestartTime, so that a returning peer keeps its
	// receivers
	GracefulRestart     bool
	GracefulRestartTime time.Duration
	// ConfirmOnKeepalive holds accepted channels in OpenConfirm until
	// the peer's first keepalive
	ConfirmOnKeepalive bool
	// MaxMessageSize bounds a single framed message. Zero is unbounded.
	MaxMessageSize int
	// PeerTable routes received stanzas on accepted channels
	PeerTable channel.PeerTable

	Clock  clock.Clock
	Logger *zap.Logger
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ServerID:            "network-control@contrailsystems.com",
		KeepaliveInterval:   DefaultKeepaliveInterval,
		GracefulRestartTime: 2 * time.Minute,
		MaxMessageSize:      4 << 20,
	}
}

// Verify checks the configuration
func (c *ServerConfig) Verify() error {
	switch {
	case c.ServerID == "":
		return errors.New("server id must be set")
	case c.KeepaliveInterval < 0:
		return errors.New("keepalive interval must not be negative")
	case c.GracefulRestart && c.GracefulRestartTime <= 0:
		return errors.New("graceful restart time must be positive")
	case c.MaxMessageSize < 0:
		return errors.New("max message size must not be negative")
	}
	if c.PeerTable != nil {
		return c.PeerTable.Verify()
	}
	return nil
}

// ClientConfig configures a Client
type ClientConfig struct {
	// Transport creates the sessions of client channels
	Transport transport.Transport
	// MaxMessageSize bounds a single framed message. Zero is unbounded.
	MaxMessageSize int

	Clock  clock.Clock
	Logger *zap.Logger
}

// DefaultClientConfig returns the default client configuration using t
func DefaultClientConfig(t transport.Transport) *ClientConfig {
	return &ClientConfig{Transport: t, MaxMessageSize: 4 << 20}
}

// Verify checks the configuration
func (c *ClientConfig) Verify() error {
	switch {
	case c.Transport == nil:
		return errors.New("transport must be set")
	case c.MaxMessageSize < 0:
		return errors.New("max message size must not be negative")
	}
	return nil
}

func defaultClock(c clock.Clock) clock.Clock {
	if c == nil {
		return clock.New()
	}
	return c
}

func defaultLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
