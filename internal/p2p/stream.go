package p2p

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/chaind-project/chaind/internal/p2p/wire"
)

// StreamTimeout bounds how long opening a request stream may take, following
// core/peer_management.go's SendAsync 5-second timeout.
const StreamTimeout = 5 * time.Second

// SendFramed opens a new stream to peerID under protocolID, writes env's
// wire encoding, and closes the stream — the point-to-point counterpart to
// Broadcast, generalizing core/peer_management.go's SendAsync with the
// u32_be length prefix.
func (n *Host) SendFramed(peerID string, protocolID string, env wire.Envelope) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("p2p: decode peer id: %w", err)
	}
	ctx, cancel := context.WithTimeout(n.ctx, StreamTimeout)
	defer cancel()
	s, err := n.host.NewStream(ctx, pid, protocol.ID(protocolID))
	if err != nil {
		return fmt.Errorf("p2p: open stream to %s: %w", peerID, err)
	}
	defer s.Close()
	return wire.WriteEnvelope(s, env)
}

// Request opens a stream to peerID under protocolID, writes env, reads
// exactly one response envelope, and closes the stream. Used for
// GETDATA/BLOCK-style request-response exchanges, as distinct from the
// fire-and-forget SendFramed used for pushed announcements.
func (n *Host) Request(peerID string, protocolID string, env wire.Envelope) (wire.Envelope, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("p2p: decode peer id: %w", err)
	}
	ctx, cancel := context.WithTimeout(n.ctx, StreamTimeout)
	defer cancel()
	s, err := n.host.NewStream(ctx, pid, protocol.ID(protocolID))
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("p2p: open stream to %s: %w", peerID, err)
	}
	defer s.Close()
	if err := wire.WriteEnvelope(s, env); err != nil {
		return wire.Envelope{}, fmt.Errorf("p2p: write request to %s: %w", peerID, err)
	}
	resp, err := wire.ReadEnvelope(bufio.NewReader(s))
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("p2p: read response from %s: %w", peerID, err)
	}
	return resp, nil
}

// StreamHandler processes one inbound framed stream; it is responsible for
// reading the request envelope and, if the protocol is request/response,
// writing a response envelope back before returning.
type StreamHandler func(peerID string, r *bufio.Reader, s network.Stream)

// SetStreamHandler registers handler for protocolID, invoked once per
// incoming stream on its own goroutine.
func (n *Host) SetStreamHandler(protocolID string, handler StreamHandler) {
	n.host.SetStreamHandler(protocol.ID(protocolID), func(s network.Stream) {
		defer s.Close()
		peerID := s.Conn().RemotePeer().String()
		handler(peerID, bufio.NewReader(s), s)
	})
}
