package main

import (
	"context"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andaru/xmpp/channel"
	"github.com/andaru/xmpp/session"
	"github.com/andaru/xmpp/stanza"
	"github.com/andaru/xmpp/transport"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type connectOptions struct {
	name      string
	from      string
	to        string
	keepalive time.Duration
	subscribe []string
}

func newConnectCmd(logOpts *logOptions) *cobra.Command {
	opts := connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect <server address>",
		Short: "Run an agent control channel to a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logOpts.build()
			if err != nil {
				return err
			}
			defer log.Sync()
			return connect(cmd.Context(), log, args[0], &opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "agent", "channel name, also the stream identity unless --from is set")
	f.StringVar(&opts.from, "from", "", "stream identity sent in the stream open")
	f.StringVar(&opts.to, "to", session.DefaultServerConfig().ServerID, "stream identity of the server")
	f.DurationVar(&opts.keepalive, "keepalive", session.DefaultKeepaliveInterval, "keepalive interval; the hold time is three intervals")
	f.StringSliceVar(&opts.subscribe, "subscribe", nil, "pubsub nodes to subscribe to once established")
	return cmd
}

func connect(ctx context.Context, log *zap.Logger, server string, opts *connectOptions) error {
	ep, err := netip.ParseAddrPort(server)
	if err != nil {
		return errors.Wrap(err, "server address")
	}
	tcfg := transport.DefaultTCPConfig()
	tcfg.Logger = log
	tcp, err := transport.NewTCP(tcfg)
	if err != nil {
		return err
	}
	ccfg := session.DefaultClientConfig(tcp)
	ccfg.Logger = log
	client, err := session.NewClient(ccfg)
	if err != nil {
		return err
	}

	cfg := session.DefaultChannelConfig(opts.name, ep)
	cfg.FromID = opts.from
	if cfg.FromID == "" {
		cfg.FromID = opts.name
	}
	cfg.ToID = opts.to
	cfg.KeepaliveInterval = opts.keepalive

	client.RegisterConnectionEvent(channel.PeerBGP, func(c *session.Connection, ev session.ChannelEvent) {
		log.Info("channel event", zap.String("name", c.Name()), zap.Stringer("event", ev))
		if ev != session.Ready {
			return
		}
		for _, node := range opts.subscribe {
			b, err := stanza.Encode(&stanza.Message{
				Kind:   stanza.KindIQ,
				Type:   "set",
				From:   cfg.FromID,
				To:     "bgp.contrail.com/bgp-peer",
				ID:     "subscribe-" + uuid.NewString(),
				Action: stanza.ActionSubscribe,
				Node:   node,
			})
			if err != nil {
				log.Warn("encode subscribe", zap.String("node", node), zap.Error(err))
				continue
			}
			if !c.SendStanza(b, channel.PeerBGP, nil) {
				log.Warn("subscribe not sent", zap.String("node", node))
			}
		}
	})
	if err := client.ConfigUpdate([]*session.ChannelConfig{cfg}); err != nil {
		return err
	}
	c := client.FindConnection(opts.name)
	for _, peer := range allPeers {
		c.RegisterReceiver(peer, traceReceiver(log, c))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	for _, peer := range allPeers {
		c.UnregisterReceiver(peer)
	}
	return client.Shutdown()
}
