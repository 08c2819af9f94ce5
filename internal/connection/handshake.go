package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/nyxproto/nyx/internal/aead"
	"github.com/nyxproto/nyx/internal/frame"
	"github.com/nyxproto/nyx/internal/handshake"
	"github.com/nyxproto/nyx/internal/logging"
	"github.com/nyxproto/nyx/internal/transport"
)

// Handshake drives the hybrid key exchange to completion over the
// connection's control stream, then installs the derived per-direction
// traffic keys and moves the connection to Connected. It must be called
// exactly once, before any stream-layer traffic is exchanged.
func (c *Connection) Handshake(ctx context.Context) error {
	start := time.Now()
	c.logger.Debug("starting handshake", logging.KeyDirection, roleString(c.isInitiator))

	stream, err := c.openControlStream(ctx)
	if err != nil {
		return fmt.Errorf("connection: open control stream: %w", err)
	}
	c.controlStream = stream
	c.frameReader = frame.NewReader(stream, c.cfg.Frame.MaxFrameLen)
	c.frameWriter = frame.NewWriter(stream, c.cfg.Frame.MaxFrameLen)

	// The early-data gate's Manager must exist before the first Crypto
	// frame crosses the wire, since OnCryptoFrameObserved is what lets it
	// ever leave Disabled.
	c.replayMgr = c.newReplayManager()

	local, err := c.handshaker.Start()
	if err != nil {
		return fmt.Errorf("connection: start handshake: %w", err)
	}

	var keys *handshake.TrafficKeys
	var negotiated handshake.CapabilitySet
	if c.isInitiator {
		keys, negotiated, err = c.handshakeInitiator(local, c.frameReader.ReadFrame)
	} else {
		keys, negotiated, err = c.handshakeResponder(c.frameReader.ReadFrame)
	}
	if err != nil {
		c.logger.Error("handshake failed", logging.KeyError, err)
		if c.metrics != nil {
			c.metrics.RecordHandshake(time.Since(start).Seconds(), "failed")
		}
		return err
	}
	defer keys.Zero()
	c.caps = negotiated

	if err := c.installTrafficKeys(keys); err != nil {
		return err
	}

	// This implementation's handshake is a single synchronous round trip
	// with no 0-RTT application data riding alongside it, so the early-
	// data gate transitions straight through Enabled to Completed rather
	// than ever admitting early data.
	c.replayMgr.OnHandshakeComplete()
	if _, err := c.paths.AddPath(defaultPathID); err != nil {
		return fmt.Errorf("connection: register default path: %w", err)
	}
	c.state.Store(int32(StateConnected))
	close(c.ready)
	c.touch()
	c.logger.Info("handshake complete", logging.KeyDuration, time.Since(start))
	if c.metrics != nil {
		c.metrics.RecordHandshake(time.Since(start).Seconds(), "success")
		c.metrics.RecordConnectionOpen()
	}
	return nil
}

func roleString(isInitiator bool) string {
	if isInitiator {
		return "initiator"
	}
	return "responder"
}

// openControlStream opens (or, for a responder, accepts) the one stream
// the handshake's Crypto frames travel over before any multipath scheduler
// or per-stream logical channel exists.
func (c *Connection) openControlStream(ctx context.Context) (transport.Stream, error) {
	if c.isInitiator {
		return c.peer.OpenStream(ctx)
	}
	return c.peer.AcceptStream(ctx)
}

func (c *Connection) handshakeInitiator(local *handshake.HybridPublicKey, readCrypto func() (frame.Frame, error)) (*handshake.TrafficKeys, handshake.CapabilitySet, error) {
	hello, err := handshake.MarshalHello(local, c.localCapabilityAnnouncements())
	if err != nil {
		return nil, 0, fmt.Errorf("connection: marshal client hello: %w", err)
	}
	if err := c.writeCryptoFrame(hello); err != nil {
		return nil, 0, fmt.Errorf("connection: send client hello: %w", err)
	}
	c.replayMgr.OnCryptoFrameObserved()

	reply, err := readCrypto()
	if err != nil {
		return nil, 0, fmt.Errorf("connection: read server reply: %w", err)
	}
	if reply.Type != frame.TypeCrypto {
		return nil, 0, fmt.Errorf("connection: expected crypto frame, got %s", reply.Type)
	}
	c.replayMgr.OnCryptoFrameObserved()
	ct, peerCaps, err := handshake.UnmarshalReply(reply.Payload)
	if err != nil {
		return nil, 0, fmt.Errorf("connection: unmarshal server reply: %w", err)
	}
	keys, err := c.handshaker.FinishAsInitiator(ct)
	if err != nil {
		return nil, 0, err
	}
	negotiated, err := c.negotiateCapabilities(peerCaps)
	if err != nil {
		return nil, 0, err
	}
	return keys, negotiated, nil
}

// handshakeResponder never sends its own hybrid public key: per the
// KEM-encapsulation flow, the responder's contribution is the ciphertext
// reply, not a public key of its own.
func (c *Connection) handshakeResponder(readCrypto func() (frame.Frame, error)) (*handshake.TrafficKeys, handshake.CapabilitySet, error) {
	hello, err := readCrypto()
	if err != nil {
		return nil, 0, fmt.Errorf("connection: read client hello: %w", err)
	}
	if hello.Type != frame.TypeCrypto {
		return nil, 0, fmt.Errorf("connection: expected crypto frame, got %s", hello.Type)
	}
	c.replayMgr.OnCryptoFrameObserved()
	peerPublic, peerCaps, err := handshake.UnmarshalHello(hello.Payload)
	if err != nil {
		return nil, 0, fmt.Errorf("connection: unmarshal client hello: %w", err)
	}

	keys, reply, err := c.handshaker.FinishAsResponder(peerPublic)
	if err != nil {
		return nil, 0, err
	}
	negotiated, err := c.negotiateCapabilities(peerCaps)
	if err != nil {
		return nil, 0, err
	}
	replyBytes, err := handshake.MarshalReply(reply, c.localCapabilityAnnouncements())
	if err != nil {
		return nil, 0, fmt.Errorf("connection: marshal server reply: %w", err)
	}
	if err := c.writeCryptoFrame(replyBytes); err != nil {
		return nil, 0, fmt.Errorf("connection: send server reply: %w", err)
	}
	c.replayMgr.OnCryptoFrameObserved()
	return keys, negotiated, nil
}

// localCapabilities is the set of optional features this implementation
// can actually serve. None are marked required: a peer that doesn't
// advertise one of these just doesn't get it, rather than failing the
// handshake outright.
func (c *Connection) localCapabilities() handshake.CapabilitySet {
	return handshake.NewCapabilitySet(handshake.CapMultipath, handshake.CapEarlyData)
}

func (c *Connection) localCapabilityAnnouncements() []handshake.CapabilityAnnouncement {
	return handshake.AnnounceCapabilities(c.localCapabilities(), 0)
}

// negotiateCapabilities intersects the peer's announced capabilities with
// this side's own, failing the handshake with ErrRequiredCapMissing if
// either side marked something required that the intersection lacks.
func (c *Connection) negotiateCapabilities(peerAnns []handshake.CapabilityAnnouncement) (handshake.CapabilitySet, error) {
	peerAdvertised, peerRequired := handshake.CapabilitySetsFromAnnouncements(peerAnns)
	negotiated, err := handshake.Negotiate(c.localCapabilities(), peerAdvertised, 0, peerRequired)
	if err != nil {
		return 0, fmt.Errorf("connection: negotiate capabilities: %w", err)
	}
	return negotiated, nil
}

func (c *Connection) writeCryptoFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.frameWriter.WriteFrame(frame.Frame{
		StreamID: 0,
		Sequence: c.seqCounter.Add(1) - 1,
		Type:     frame.TypeCrypto,
		Payload:  payload,
	})
}

// installTrafficKeys derives this connection's send/receive AEAD keys from
// the role-to-direction mapping: the initiator sends on I2R and receives
// on R2I, the responder the reverse. Both ends of a direction must key off
// the *sender's* derived key — labelTxI2R and labelRxI2R are independent
// HKDF-Expand outputs, not the same key under two names, so the responder's
// rx key for I2R traffic has to be the initiator's TxKeyI2R, not its own
// RxKeyI2R (and symmetrically for R2I), or tx_key_initiator would never
// equal rx_key_responder and every data frame would fail to open.
func (c *Connection) installTrafficKeys(keys *handshake.TrafficKeys) error {
	var txKey, rxKey [aead.KeySize]byte
	if c.isInitiator {
		txKey, rxKey = keys.TxKeyI2R, keys.TxKeyR2I
	} else {
		txKey, rxKey = keys.TxKeyR2I, keys.TxKeyI2R
	}

	txDirection := aead.DirectionInitiatorToResponder
	rxDirection := aead.DirectionResponderToInitiator
	if !c.isInitiator {
		txDirection, rxDirection = aead.DirectionResponderToInitiator, aead.DirectionInitiatorToResponder
	}

	tx, err := aead.NewTrafficKey(txKey, txDirection, 0)
	if err != nil {
		return fmt.Errorf("connection: new tx traffic key: %w", err)
	}
	rx, err := aead.NewTrafficKey(rxKey, rxDirection, 0)
	if err != nil {
		return fmt.Errorf("connection: new rx traffic key: %w", err)
	}
	c.txKey = tx
	c.rxKey = rx
	return nil
}
