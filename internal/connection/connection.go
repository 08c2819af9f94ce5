// Package connection ties the hybrid handshake, AEAD traffic keys, frame
// codec, stream manager, anti-replay gate, rate controller, and multipath
// scheduler together into a single Nyx connection to one peer.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxproto/nyx/internal/aead"
	"github.com/nyxproto/nyx/internal/config"
	"github.com/nyxproto/nyx/internal/connid"
	"github.com/nyxproto/nyx/internal/frame"
	"github.com/nyxproto/nyx/internal/handshake"
	"github.com/nyxproto/nyx/internal/logging"
	"github.com/nyxproto/nyx/internal/metrics"
	"github.com/nyxproto/nyx/internal/multipath"
	"github.com/nyxproto/nyx/internal/ratelimit"
	"github.com/nyxproto/nyx/internal/recovery"
	"github.com/nyxproto/nyx/internal/replay"
	"github.com/nyxproto/nyx/internal/stream"
	"github.com/nyxproto/nyx/internal/transport"
)

// State is the lifecycle of a Nyx connection.
type State int32

const (
	StateHandshaking State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config bundles the per-component configuration a Connection needs out
// of the node-wide config.Config.
type Config struct {
	Frame      config.FrameConfig
	Stream     config.StreamConfig
	Replay     config.ReplayConfig
	RateLimit  config.RateLimitConfig
	Multipath  config.MultipathConfig
	Connection config.ConnectionConfig
}

// ConfigFromNode extracts the per-connection slice of a node-wide config.
func ConfigFromNode(nodeCfg *config.Config) Config {
	return Config{
		Frame:      nodeCfg.Frame,
		Stream:     nodeCfg.Stream,
		Replay:     nodeCfg.Replay,
		RateLimit:  nodeCfg.RateLimit,
		Multipath:  nodeCfg.Multipath,
		Connection: nodeCfg.Connection,
	}
}

// Connection is one Nyx session with a peer, carried over a control
// stream on a transport.PeerConn. Handshake and traffic-key derivation
// happen over that stream before any stream-layer data moves.
type Connection struct {
	cfg         Config
	id          connid.ConnID
	peer        transport.PeerConn
	isInitiator bool
	logger      *slog.Logger

	state atomic.Int32

	controlStream transport.Stream
	frameReader   *frame.Reader
	writeMu       sync.Mutex
	frameWriter   *frame.Writer

	// cryptoIn carries Crypto frames observed by ReceiveLoop's dispatch to
	// whichever goroutine is waiting on them (the initial Handshake, or a
	// later Rekey), since frame.Reader itself is not safe for concurrent
	// reads from two goroutines.
	cryptoIn chan frame.Frame

	handshaker *handshake.Handshaker
	txKey      *aead.TrafficKey
	rxKey      *aead.TrafficKey
	replayMgr  *replay.Manager
	caps       handshake.CapabilitySet

	streams    *stream.Manager
	rateCtl    *ratelimit.Controller
	paths      *multipath.Scheduler
	pathEvents chan multipath.Event
	metrics    *metrics.Metrics

	// extraPathsMu guards extraPaths, the frame codecs for every path
	// beyond the primary control stream. The primary path's reader/writer
	// stay in frameReader/frameWriter above; extraPaths only grows once
	// AddPath opens additional transport streams for the scheduler to
	// spread outbound frames across.
	extraPathsMu sync.RWMutex
	extraPaths   map[string]*pathConn

	seqCounter atomic.Uint32

	lastActivityNano atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	ready     chan struct{}
}

// New creates a connection in the Handshaking state. Callers must call
// Handshake before any stream-layer traffic can move. A nil logger falls
// back to logging.NopLogger, so the logger field is always safe to call.
func New(peer transport.PeerConn, isInitiator bool, cfg Config, global *ratelimit.GlobalLimiter, m *metrics.Metrics, logger *slog.Logger) (*Connection, error) {
	h, err := handshake.NewHandshaker(isInitiator)
	if err != nil {
		return nil, fmt.Errorf("connection: new handshaker: %w", err)
	}
	id, err := connid.NewConnID()
	if err != nil {
		return nil, fmt.Errorf("connection: new connection id: %w", err)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(logging.KeyConnID, id.String())

	ctx, cancel := context.WithCancel(context.Background())
	pathEvents := make(chan multipath.Event, 16)

	c := &Connection{
		cfg:         cfg,
		id:          id,
		peer:        peer,
		isInitiator: isInitiator,
		logger:      logger,
		handshaker:  h,
		streams:     stream.NewManager(streamManagerConfig(cfg.Stream), isInitiator),
		rateCtl:     ratelimit.NewController(global, rateLimitConfig(cfg.RateLimit)),
		paths:       multipath.NewScheduler(multipathConfig(cfg.Multipath), pathEvents),
		pathEvents:  pathEvents,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		ready:       make(chan struct{}),
		cryptoIn:    make(chan frame.Frame, 1),
		extraPaths:  make(map[string]*pathConn),
	}
	c.state.Store(int32(StateHandshaking))
	c.touch()
	go c.consumePathEvents()
	c.streams.SetCallbacks(c.onStreamOpen, c.onStreamClose, nil)
	return c, nil
}

func (c *Connection) onStreamOpen(s *stream.Stream) {
	c.logger.Debug("stream opened", logging.KeyStreamID, s.ID)
	if c.metrics != nil {
		c.metrics.RecordStreamOpen()
	}
}

func (c *Connection) onStreamClose(s *stream.Stream, err error) {
	if err != nil {
		c.logger.Debug("stream closed", logging.KeyStreamID, s.ID, logging.KeyError, err)
		if c.metrics != nil {
			c.metrics.RecordStreamError("reset")
		}
	} else {
		c.logger.Debug("stream closed", logging.KeyStreamID, s.ID)
	}
	if c.metrics != nil {
		c.metrics.RecordStreamClose()
	}
}

// SetStreamDataHandler installs the callback invoked with each stream's
// reassembled payload, preserving the connection's own open/close
// bookkeeping callbacks already registered with the stream manager.
func (c *Connection) SetStreamDataHandler(onData func(*stream.Stream, []byte)) {
	c.streams.SetCallbacks(c.onStreamOpen, c.onStreamClose, onData)
}

// consumePathEvents drains the multipath scheduler's telemetry channel for
// the connection's lifetime, turning path lifecycle and health events into
// structured logs and metrics.
func (c *Connection) consumePathEvents() {
	defer recovery.RecoverWithLog(c.logger, "consumePathEvents")
	for {
		select {
		case e := <-c.pathEvents:
			c.logger.Debug("path event",
				logging.KeyPathID, e.PathID,
				logging.KeyReason, e.Kind.String())
			if c.metrics != nil {
				c.metrics.RecordPathEvent(e.Kind.String())
			}
		case <-c.closed:
			return
		}
	}
}

// ID returns the connection's randomly generated identifier.
func (c *Connection) ID() connid.ConnID {
	return c.id
}

// Capabilities returns the capability set negotiated during the
// handshake. It is empty (the zero value) until Handshake completes.
func (c *Connection) Capabilities() handshake.CapabilitySet {
	return c.caps
}

func streamManagerConfig(cfg config.StreamConfig) stream.ManagerConfig {
	return stream.ManagerConfig{
		MaxStreamsBidi: cfg.MaxStreamsBidi,
		MaxStreamsUni:  cfg.MaxStreamsUni,
		InitialWindow:  int64(cfg.InitialWindow),
	}
}

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		GlobalBandwidthLimit:  cfg.GlobalBandwidthLimit,
		PerConnectionLimit:    cfg.PerConnectionLimit,
		PerStreamLimit:        cfg.PerStreamLimit,
		BackpressureThreshold: cfg.BackpressureThreshold,
		MaxBackpressureDelay:  2 * time.Second,
		InitialWindow:         64 * 1024,
		MinWindow:             16 * 1024,
		IdleEviction:          cfg.ConnectionIdleEviction,
	}
}

func (c *Connection) newReplayManager() *replay.Manager {
	return replay.NewManager(uint64(c.cfg.Replay.WindowSize), replay.Config{
		MaxPacketBytes:        int64(c.cfg.Replay.EarlyDataMaxPacket),
		MaxTotalBytes:         int64(c.cfg.Replay.EarlyDataMaxTotal),
		SecurityTripThreshold: int32(c.cfg.Replay.SecurityTripThreshold),
	})
}

func multipathConfig(cfg config.MultipathConfig) multipath.Config {
	return multipath.Config{
		MinPaths:              cfg.MinPaths,
		MaxPaths:              cfg.MaxPaths,
		HopAdjustmentInterval: cfg.HopAdjustmentInterval,
		HealthCheckInterval:   cfg.HealthCheckInterval,
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Ready returns a channel closed once the handshake has completed and
// stream-layer traffic may flow.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// Done returns a channel closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Context returns the connection's lifetime context, canceled on Close.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// LocalAddr returns the underlying peer connection's local address.
func (c *Connection) LocalAddr() net.Addr {
	return c.peer.LocalAddr()
}

// RemoteAddr returns the underlying peer connection's remote address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.peer.RemoteAddr()
}

func (c *Connection) touch() {
	c.lastActivityNano.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent send or receive.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivityNano.Load())
}

// IdleFor reports how long the connection has gone unused, for the
// registry's idle-timeout eviction sweep.
func (c *Connection) IdleFor() time.Duration {
	return time.Since(c.LastActivity())
}

// Close tears the connection down: closes the control stream, every
// open logical stream, and cancels the connection's context.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("closing connection", logging.KeyHandshakeState, c.State().String())
		c.state.Store(int32(StateClosed))
		c.cancel()
		c.streams.Close()
		if c.controlStream != nil {
			err = c.controlStream.Close()
		}
		close(c.closed)
		if c.metrics != nil {
			c.metrics.RecordConnectionClose("local_close")
		}
	})
	if err != nil {
		c.logger.Warn("error closing control stream", logging.KeyError, err)
	}
	return err
}
