package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nyxproto/nyx/internal/connid"
	"github.com/nyxproto/nyx/internal/frame"
	"github.com/nyxproto/nyx/internal/handshake"
	"github.com/nyxproto/nyx/internal/logging"
	"github.com/nyxproto/nyx/internal/multipath"
	"github.com/nyxproto/nyx/internal/recovery"
	"github.com/nyxproto/nyx/internal/transport"
)

// ErrReservedPathID is returned by AddPath for a path id outside the
// user-assignable range (§3, Path attributes).
var ErrReservedPathID = errors.New("connection: path id is reserved")

// ErrMultipathNotNegotiated is returned by AddPath when the peer never
// advertised CapMultipath during the handshake, so it has no way to
// associate frames on a second stream with this connection.
var ErrMultipathNotNegotiated = errors.New("connection: multipath capability not negotiated")

// pathConn bundles one path's transport stream with the frame codec and
// write lock guarding it, mirroring the primary path's frameReader/
// frameWriter/writeMu but scoped to a single non-default path.
type pathConn struct {
	mu     sync.Mutex
	stream transport.Stream
	reader *frame.Reader
	writer *frame.Writer
}

// AddPath opens an additional transport stream to the peer, registers it
// with the multipath scheduler under id, and starts reading frames off it
// for the lifetime of the connection. The initiator opens the stream; the
// responder accepts the matching one. id must fall in the user-assignable
// range (§3, Path attributes); 0 and the default control-stream path are
// reserved.
func (c *Connection) AddPath(ctx context.Context, id connid.PathID) (*multipath.Path, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	if id.IsReserved() {
		return nil, fmt.Errorf("connection: add path: %w", ErrReservedPathID)
	}
	if !c.caps.Has(handshake.CapMultipath) {
		return nil, ErrMultipathNotNegotiated
	}
	pathID := id.String()

	var s transport.Stream
	var err error
	if c.isInitiator {
		s, err = c.peer.OpenStream(ctx)
	} else {
		s, err = c.peer.AcceptStream(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("connection: open path stream: %w", err)
	}

	pc := &pathConn{
		stream: s,
		reader: frame.NewReader(s, c.cfg.Frame.MaxFrameLen),
		writer: frame.NewWriter(s, c.cfg.Frame.MaxFrameLen),
	}
	p, err := c.paths.AddPath(pathID)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("connection: register path %s: %w", pathID, err)
	}

	c.extraPathsMu.Lock()
	c.extraPaths[pathID] = pc
	c.extraPathsMu.Unlock()

	go c.runPathReceiveLoop(pathID, pc)
	c.logger.Info("path added", logging.KeyPathID, pathID)
	return p, nil
}

// runPathReceiveLoop is an additional path's counterpart to ReceiveLoop: it
// pumps frames off pc's stream and dispatches them tagged with pathID for
// the lifetime of the connection, exiting silently once the connection
// closes or the stream errors.
func (c *Connection) runPathReceiveLoop(pathID string, pc *pathConn) {
	defer recovery.RecoverWithLog(c.logger, "runPathReceiveLoop")
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		f, err := pc.reader.ReadFrame()
		if err != nil {
			c.logger.Debug("path receive loop exiting", logging.KeyPathID, pathID, logging.KeyError, err)
			return
		}
		c.touch()
		if c.metrics != nil {
			c.metrics.RecordFrameReceived(f.Type.String())
		}
		if err := c.dispatch(f, pathID); err != nil {
			c.logger.Warn("path dispatch failed", logging.KeyPathID, pathID, logging.KeyError, err)
			return
		}
	}
}

// pathWriter returns the frame writer and its guarding mutex for pathID,
// falling back to the primary control stream's writer for defaultPathID or
// any path id AddPath was never called for (the common single-path case).
func (c *Connection) pathWriter(pathID string) (*sync.Mutex, *frame.Writer) {
	if pathID == defaultPathID {
		return &c.writeMu, c.frameWriter
	}
	c.extraPathsMu.RLock()
	pc, ok := c.extraPaths[pathID]
	c.extraPathsMu.RUnlock()
	if !ok {
		return &c.writeMu, c.frameWriter
	}
	return &pc.mu, pc.writer
}
