package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/nyxproto/nyx/internal/frame"
	"github.com/nyxproto/nyx/internal/logging"
	"github.com/nyxproto/nyx/internal/ratelimit"
	"github.com/nyxproto/nyx/internal/recovery"
	"github.com/nyxproto/nyx/internal/stream"
)

// ErrNotConnected is returned by SendData and the stream accessors before the
// handshake has completed.
var ErrNotConnected = errors.New("connection: not connected")

// Streams exposes the connection's stream manager once Connected, for
// opening and accepting logical streams.
func (c *Connection) Streams() (*stream.Manager, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	return c.streams, nil
}

// SendData seals and writes one Data frame for the given stream, gated by
// the rate controller's admission check. It returns ratelimit.Decision so
// a caller wanting a Delayed backoff can retry after Decision.Delay. The
// outbound path is chosen by the multipath scheduler's weighted
// round-robin (§4.F); with only the default path registered this always
// picks it, so single-path callers see no behavior change.
func (c *Connection) SendData(streamID uint32, payload []byte, priority ratelimit.Priority) (ratelimit.Decision, error) {
	if c.State() != StateConnected {
		return ratelimit.Decision{}, ErrNotConnected
	}

	decision := c.rateCtl.CheckTransmission(streamID, priority, len(payload))
	if c.metrics != nil {
		c.metrics.RecordRateLimitDecision(decision.Kind.String(), priority.String())
	}
	if decision.Kind != ratelimit.Allowed {
		return decision, nil
	}

	p, err := c.paths.Select()
	if err != nil {
		return decision, fmt.Errorf("connection: select path: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordPathSelection(p.ID)
		c.metrics.SetPathWeight(p.ID, p.Weight())
	}

	seq := c.seqCounter.Add(1) - 1
	sealed, _, err := c.txKey.Seal(nil, payload, frameAAD(streamID, seq, frame.TypeData))
	if err != nil {
		return decision, fmt.Errorf("connection: seal data frame: %w", err)
	}

	mu, writer := c.pathWriter(p.ID)
	mu.Lock()
	err = writer.WriteFrame(frame.Frame{
		StreamID: streamID,
		Sequence: seq,
		Type:     frame.TypeData,
		Payload:  sealed,
	})
	mu.Unlock()
	if err != nil {
		return decision, fmt.Errorf("connection: write data frame on %s: %w", p.ID, err)
	}

	c.touch()
	if c.metrics != nil {
		c.metrics.RecordFrameSent(frame.TypeData.String())
	}
	return decision, nil
}

// frameAAD builds the additional authenticated data binding a sealed
// payload to its header fields, so a frame can't be replayed onto a
// different stream or sequence even if the ciphertext were copied intact.
func frameAAD(streamID, sequence uint32, typ frame.Type) []byte {
	aad := make([]byte, 9)
	aad[0] = byte(streamID >> 24)
	aad[1] = byte(streamID >> 16)
	aad[2] = byte(streamID >> 8)
	aad[3] = byte(streamID)
	aad[4] = byte(sequence >> 24)
	aad[5] = byte(sequence >> 16)
	aad[6] = byte(sequence >> 8)
	aad[7] = byte(sequence)
	aad[8] = byte(typ)
	return aad
}

// ReceiveLoop reads frames off the control stream until it errors or the
// connection closes, dispatching Data frames through the replay gate and
// into the stream manager, and Ack/Close frames into their handlers.
// Callers typically run this in its own goroutine immediately after a
// successful Handshake.
func (c *Connection) ReceiveLoop() (err error) {
	defer recovery.RecoverWithCallback(c.logger, "ReceiveLoop", func(recovered interface{}) {
		err = fmt.Errorf("connection: receive loop panic: %v", recovered)
	})
	for {
		select {
		case <-c.closed:
			return nil
		default:
		}

		f, err := c.frameReader.ReadFrame()
		if err != nil {
			c.logger.Debug("receive loop exiting", logging.KeyError, err)
			return fmt.Errorf("connection: read frame: %w", err)
		}
		c.touch()
		if c.metrics != nil {
			c.metrics.RecordFrameReceived(f.Type.String())
		}

		if err := c.dispatch(f, defaultPathID); err != nil {
			return err
		}
	}
}

func (c *Connection) dispatch(f frame.Frame, pathID string) error {
	switch f.Type {
	case frame.TypeData:
		return c.handleDataFrame(f, pathID)
	case frame.TypeAck:
		return c.streams.HandleAck(f.StreamID, decodeCreditDelta(f.Payload))
	case frame.TypeClose:
		c.streams.HandleClose(f.StreamID, errors.New("connection: peer reset stream"))
		return nil
	case frame.TypeCrypto:
		// A Crypto frame after the initial handshake has finished can only
		// be part of a Rekey round trip; hand it to whichever goroutine is
		// waiting in Rekey rather than reading it here.
		select {
		case c.cryptoIn <- f:
		default:
			// A rekey frame arriving with nobody waiting means no Rekey is
			// in progress; drop it rather than block the receive loop.
		}
		return nil
	default:
		if f.Type.IsPlugin() {
			return nil
		}
		return fmt.Errorf("connection: unknown frame type %s", f.Type)
	}
}

func (c *Connection) handleDataFrame(f frame.Frame, pathID string) error {
	plaintext, err := c.rxKey.Open(nil, f.Payload, frameAAD(f.StreamID, f.Sequence, frame.TypeData), uint64(f.Sequence))
	if err != nil {
		return nil // forged or corrupted frame: drop silently, connection stays up
	}

	ok, reason := c.replayMgr.CheckDataFrame(uint64(f.Sequence), len(plaintext), false)
	if !ok {
		c.logger.Warn("dropping replayed data frame",
			logging.KeyStreamID, f.StreamID,
			logging.KeyReason, reason.String())
		if c.metrics != nil {
			c.metrics.RecordReplayRejection("rx", reason.String())
		}
		return nil
	}

	if c.paths != nil {
		runs := c.paths.DeliverInOrder(pathID, uint64(f.Sequence), plaintext, time.Now())
		for _, chunk := range runs {
			if err := c.streams.HandleData(f.StreamID, chunk, false); err != nil {
				return fmt.Errorf("connection: stream data: %w", err)
			}
		}
		return nil
	}

	return c.streams.HandleData(f.StreamID, plaintext, false)
}

// decodeCreditDelta decodes an Ack frame's flow-control credit delta,
// encoded as a big-endian int64.
func decodeCreditDelta(payload []byte) int64 {
	if len(payload) < 8 {
		return 0
	}
	var v int64
	for i := 0; i < 8; i++ {
		v = v<<8 | int64(payload[i])
	}
	return v
}

// defaultPathID names the path Handshake registers with the multipath
// scheduler for the control stream. ReceiveLoop delivers every frame it
// reads under this id, so single-path traffic still goes through the
// per-path reorder buffer.
const defaultPathID = "primary"
