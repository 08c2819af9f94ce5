// Package node orchestrates a Nyx endpoint: it owns the configured
// transport listeners and outbound peer dials, and hands each resulting
// transport.PeerConn to internal/connection for handshake and framing.
package node

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxproto/nyx/internal/config"
	"github.com/nyxproto/nyx/internal/connection"
	"github.com/nyxproto/nyx/internal/connid"
	"github.com/nyxproto/nyx/internal/logging"
	"github.com/nyxproto/nyx/internal/metrics"
	"github.com/nyxproto/nyx/internal/ratelimit"
	"github.com/nyxproto/nyx/internal/recovery"
	"github.com/nyxproto/nyx/internal/transport"
)

// acceptTimeout bounds each Listener.Accept call so the accept loop can
// still observe Stop promptly instead of blocking forever.
const acceptTimeout = 30 * time.Second

// Node is one Nyx endpoint, dialing and accepting connections to/from
// its configured peers over one or more transports.
type Node struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	global  *ratelimit.GlobalLimiter

	transports map[transport.TransportType]transport.Transport

	mu          sync.Mutex
	listeners   []transport.Listener
	connections map[connid.ConnID]*connection.Connection

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// New constructs a Node from a validated configuration. It does not open
// any listeners or dial any peers until Start is called.
func New(cfg *config.Config) (*Node, error) {
	logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

	n := &Node{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewMetrics(),
		global:  ratelimit.NewGlobalLimiter(cfg.RateLimit.GlobalBandwidthLimit),
		transports: map[transport.TransportType]transport.Transport{
			transport.TransportQUIC:      transport.NewQUICTransport(),
			transport.TransportWebSocket: transport.NewWebSocketTransport(),
		},
		connections: make(map[connid.ConnID]*connection.Connection),
		stopCh:      make(chan struct{}),
	}
	return n, nil
}

// Start opens every configured listener and begins dialing every
// configured peer. It returns once all listeners are up; peer dials and
// accepted connections continue in the background.
func (n *Node) Start() error {
	if !n.running.CompareAndSwap(false, true) {
		return fmt.Errorf("node: already running")
	}

	n.logger.Info("starting node",
		logging.KeyCount, len(n.cfg.Listeners),
		logging.KeyComponent, "node")

	for _, lc := range n.cfg.Listeners {
		if err := n.startListener(lc); err != nil {
			n.running.Store(false)
			return fmt.Errorf("node: start listener %s: %w", lc.Address, err)
		}
		n.logger.Info("listener started",
			logging.KeyAddress, lc.Address,
			logging.KeyTransport, lc.Transport)
	}

	for _, pc := range n.cfg.Peers {
		n.wg.Add(1)
		go n.connectToPeer(pc)
	}

	n.logger.Info("node started", "peers", len(n.cfg.Peers), "listeners", len(n.cfg.Listeners))
	return nil
}

func (n *Node) startListener(lc config.ListenerConfig) error {
	tr, ok := n.transports[transport.TransportType(lc.Transport)]
	if !ok {
		return fmt.Errorf("unsupported transport: %s", lc.Transport)
	}

	tlsConfig, err := n.listenerTLSConfig()
	if err != nil {
		return fmt.Errorf("load TLS config: %w", err)
	}

	opts := transport.DefaultListenOptions()
	opts.TLSConfig = tlsConfig
	opts.Path = lc.Path

	listener, err := tr.Listen(lc.Address, opts)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.listeners = append(n.listeners, listener)
	n.mu.Unlock()

	n.wg.Add(1)
	go n.acceptLoop(listener)
	return nil
}

// listenerTLSConfig loads the configured certificate, generating a
// self-signed one for local development when none is configured.
func (n *Node) listenerTLSConfig() (*tls.Config, error) {
	certPEM, err := n.cfg.TLS.GetCertPEM()
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := n.cfg.TLS.GetKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	if len(certPEM) == 0 || len(keyPEM) == 0 {
		n.logger.Warn("no TLS certificate configured, generating a self-signed one")
		certPEM, keyPEM, err = transport.GenerateSelfSignedCert("nyx-node", 365*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("generate self-signed cert: %w", err)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func (n *Node) acceptLoop(listener transport.Listener) {
	defer n.wg.Done()
	defer recovery.RecoverWithLog(n.logger, "acceptLoop")

	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
		peerConn, err := listener.Accept(ctx)
		cancel()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				n.logger.Debug("accept error", logging.KeyLocalAddr, listener.Addr(), logging.KeyError, err)
				continue
			}
		}

		n.wg.Add(1)
		go n.handleIncoming(peerConn)
	}
}

func (n *Node) handleIncoming(peerConn transport.PeerConn) {
	defer n.wg.Done()
	defer recovery.RecoverWithLog(n.logger, "handleIncoming")

	conn, err := connection.New(peerConn, false, connection.ConfigFromNode(n.cfg), n.global, n.metrics, n.logger)
	if err != nil {
		n.logger.Error("failed to create connection", logging.KeyError, err)
		peerConn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Stream.OpenTimeout)
	err = conn.Handshake(ctx)
	cancel()
	if err != nil {
		n.logger.Debug("inbound handshake failed", logging.KeyError, err)
		peerConn.Close()
		return
	}

	n.registerAndServe(conn)
}

func (n *Node) connectToPeer(pc config.PeerConfig) {
	defer n.wg.Done()
	defer recovery.RecoverWithLog(n.logger, "connectToPeer")

	n.logger.Debug("dialing peer", logging.KeyAddress, pc.Address, logging.KeyTransport, pc.Transport)

	tr, ok := n.transports[transport.TransportType(pc.Transport)]
	if !ok {
		n.logger.Error("unsupported peer transport", logging.KeyTransport, pc.Transport)
		return
	}

	opts := transport.DefaultDialOptions()
	opts.Path = pc.Path
	opts.FingerprintPreset = pc.Fingerprint

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	peerConn, err := tr.Dial(ctx, pc.Address, opts)
	cancel()
	if err != nil {
		n.logger.Error("dial failed", logging.KeyAddress, pc.Address, logging.KeyError, err)
		return
	}

	conn, err := connection.New(peerConn, true, connection.ConfigFromNode(n.cfg), n.global, n.metrics, n.logger)
	if err != nil {
		n.logger.Error("failed to create connection", logging.KeyError, err)
		peerConn.Close()
		return
	}

	hctx, hcancel := context.WithTimeout(context.Background(), n.cfg.Stream.OpenTimeout)
	err = conn.Handshake(hctx)
	hcancel()
	if err != nil {
		n.logger.Error("outbound handshake failed", logging.KeyAddress, pc.Address, logging.KeyError, err)
		peerConn.Close()
		return
	}

	n.registerAndServe(conn)
}

// registerAndServe tracks the connection in the node's registry and runs
// its receive loop until it closes, then removes it.
func (n *Node) registerAndServe(conn *connection.Connection) {
	n.mu.Lock()
	n.connections[conn.ID()] = conn
	n.mu.Unlock()

	n.logger.Info("peer connected", logging.KeyConnID, conn.ID().String())

	if err := conn.ReceiveLoop(); err != nil {
		n.logger.Debug("connection receive loop ended", logging.KeyConnID, conn.ID().String(), logging.KeyError, err)
	}

	n.mu.Lock()
	delete(n.connections, conn.ID())
	n.mu.Unlock()
	conn.Close()
}

// ConnectionCount returns the number of currently tracked connections.
// This is the only accessor a health monitor needs.
func (n *Node) ConnectionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.connections)
}

// Stop closes every listener and open connection, waiting up to the
// given context's deadline for background goroutines to finish.
func (n *Node) Stop(ctx context.Context) error {
	if !n.running.CompareAndSwap(true, false) {
		return nil
	}
	close(n.stopCh)

	n.mu.Lock()
	for _, l := range n.listeners {
		l.Close()
	}
	for _, c := range n.connections {
		c.Close()
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("node stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("node: stop timed out: %w", ctx.Err())
	}
}
