package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andaru/xmpp/channel"
	"github.com/andaru/xmpp/session"
	"github.com/andaru/xmpp/stanza"
	"github.com/andaru/xmpp/transport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var allPeers = []channel.PeerID{channel.PeerBGP, channel.PeerConfig, channel.PeerDNS, channel.PeerOther}

type serveOptions struct {
	listen             string
	serverID           string
	keepalive          time.Duration
	gracefulRestart    bool
	gracefulRestartFor time.Duration
	confirmOnKeepalive bool
	maxMessageSize     int
	metrics            string
	trace              bool
}

func newServeCmd(logOpts *logOptions) *cobra.Command {
	def := session.DefaultServerConfig()
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept control channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logOpts.build()
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cmd.Context(), log, &opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", "0.0.0.0:5269", "address to accept control channels on")
	f.StringVar(&opts.serverID, "server-id", def.ServerID, "stream identity of the server")
	f.DurationVar(&opts.keepalive, "keepalive", def.KeepaliveInterval, "keepalive interval; the hold time is three intervals")
	f.BoolVar(&opts.gracefulRestart, "graceful-restart", false, "retain connections whose session goes down")
	f.DurationVar(&opts.gracefulRestartFor, "graceful-restart-time", def.GracefulRestartTime, "how long a connection is retained")
	f.BoolVar(&opts.confirmOnKeepalive, "confirm-on-keepalive", false, "establish accepted channels on the peer's first keepalive")
	f.IntVar(&opts.maxMessageSize, "max-message-size", def.MaxMessageSize, "largest message accepted, in bytes")
	f.StringVar(&opts.metrics, "metrics", "", "serve /metrics and /connections on this address")
	f.BoolVar(&opts.trace, "trace", false, "log every stanza received on established channels")
	return cmd
}

func serve(ctx context.Context, log *zap.Logger, opts *serveOptions) error {
	listen, err := netip.ParseAddrPort(opts.listen)
	if err != nil {
		return errors.Wrap(err, "listen address")
	}
	tcfg := transport.DefaultTCPConfig()
	tcfg.Logger = log
	tcp, err := transport.NewTCP(tcfg)
	if err != nil {
		return err
	}

	cfg := session.DefaultServerConfig()
	cfg.ListenEndpoint = listen
	cfg.ServerID = opts.serverID
	cfg.KeepaliveInterval = opts.keepalive
	cfg.GracefulRestart = opts.gracefulRestart
	cfg.GracefulRestartTime = opts.gracefulRestartFor
	cfg.ConfirmOnKeepalive = opts.confirmOnKeepalive
	cfg.MaxMessageSize = opts.maxMessageSize
	cfg.Logger = log
	srv, err := session.NewServer(cfg)
	if err != nil {
		return err
	}
	srv.RegisterConnectionEvent(channel.PeerOther, func(c *session.Connection, ev session.ChannelEvent) {
		log.Info("connection event", zap.String("name", c.Name()), zap.Stringer("event", ev))
		if !opts.trace {
			return
		}
		for _, peer := range allPeers {
			if ev == session.Ready {
				c.RegisterReceiver(peer, traceReceiver(log, c))
			} else {
				c.UnregisterReceiver(peer)
			}
		}
	})

	ln, err := tcp.Listen(opts.listen, srv.Accept)
	if err != nil {
		return err
	}
	log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.String("server_id", opts.serverID))

	var hs *http.Server
	if opts.metrics != "" {
		hs = metricsServer(opts.metrics, srv)
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down", zap.Int("connections", srv.ConnectionCount()))

	err = multierr.Combine(ln.Close(), srv.Shutdown())
	if hs != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, hs.Shutdown(sctx))
	}
	return err
}

func metricsServer(addr string, srv *session.Server) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		session.NewCollector(srv),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/connections", func(w http.ResponseWriter, _ *http.Request) {
		conns := srv.Connections()
		infos := make([]session.Info, 0, len(conns))
		for _, c := range conns {
			infos = append(infos, c.Info())
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(infos)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

func traceReceiver(log *zap.Logger, c *session.Connection) channel.ReceiveFunc {
	log = log.With(zap.String("name", c.Name()))
	return func(m *stanza.Message, peer channel.PeerID) {
		log.Info("stanza", zap.Stringer("peer", peer), zap.Stringer("message", m))
	}
}
