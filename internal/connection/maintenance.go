package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/nyxproto/nyx/internal/frame"
	"github.com/nyxproto/nyx/internal/handshake"
	"github.com/nyxproto/nyx/internal/logging"
)

// IsIdleTimedOut reports whether the connection has exceeded its
// configured idle timeout and should be closed by a maintenance sweep.
func (c *Connection) IsIdleTimedOut() bool {
	if c.cfg.Connection.IdleTimeout <= 0 {
		return false
	}
	return c.IdleFor() > c.cfg.Connection.IdleTimeout
}

// Rekey performs a new handshake round trip over the control stream,
// deriving a fresh set of traffic keys, and resets every piece of state
// scoped to the old nonce space: the replay window, the early-data
// counters, and both AEAD traffic-key counters. Unlike the initial
// Handshake, Rekey typically runs while ReceiveLoop is already draining
// the control stream in another goroutine, so it reads the peer's Crypto
// frame from cryptoIn (fed by dispatch) rather than the frame.Reader
// directly.
func (c *Connection) Rekey(ctx context.Context) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	c.logger.Debug("starting rekey")

	h, err := handshake.NewHandshaker(c.isInitiator)
	if err != nil {
		return fmt.Errorf("connection: rekey handshaker: %w", err)
	}
	c.handshaker = h

	local, err := c.handshaker.Start()
	if err != nil {
		return fmt.Errorf("connection: start rekey handshake: %w", err)
	}

	readCrypto := func() (frame.Frame, error) {
		select {
		case f := <-c.cryptoIn:
			return f, nil
		case <-c.closed:
			return frame.Frame{}, errors.New("connection: closed during rekey")
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}

	var keys *handshake.TrafficKeys
	var negotiated handshake.CapabilitySet
	if c.isInitiator {
		keys, negotiated, err = c.handshakeInitiator(local, readCrypto)
	} else {
		keys, negotiated, err = c.handshakeResponder(readCrypto)
	}
	if err != nil {
		c.logger.Error("rekey failed", logging.KeyError, err)
		return fmt.Errorf("connection: rekey: %w", err)
	}
	defer keys.Zero()
	c.caps = negotiated

	oldTx, oldRx := c.txKey, c.rxKey
	if err := c.installTrafficKeys(keys); err != nil {
		return err
	}
	oldTx.Zero()
	oldRx.Zero()

	c.replayMgr.Rekey()
	c.logger.Info("rekey complete")
	if c.metrics != nil {
		c.metrics.RecordRekey()
	}
	return nil
}
