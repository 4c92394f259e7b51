// Package transport defines the peer-to-peer primitives the node consumes.
// Implementations own the radio or network details; the node only sees text
// frames and connection lifecycle events.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnknownPeer is returned for operations on a peer the transport has no link or invitation for.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
	// ErrBackpressure is returned when a peer's outbound queue is full.
	ErrBackpressure = errors.New("peer send queue full")
)

// EventKind classifies a transport event.
type EventKind string

const (
	PeerFound    EventKind = "peer_found"
	PeerLost     EventKind = "peer_lost"
	Invitation   EventKind = "invitation"
	Connected    EventKind = "connected"
	Disconnected EventKind = "disconnected"
	TextReceived EventKind = "text_received"
)

// Event is an asynchronous notification from the transport.
type Event struct {
	Kind   EventKind
	PeerID string
	Name   string
	Text   string
}

// PeerTransport is the collaborator every node talks through.
type PeerTransport interface {
	// Advertise makes this device discoverable under name and returns the local peer id.
	Advertise(ctx context.Context, name string) (string, error)
	// Discover starts looking for advertisers and returns the local peer id.
	Discover(ctx context.Context, name string) (string, error)
	StopAdvertise() error
	StopDiscover() error
	RequestConnection(peerID string) error
	AcceptConnection(peerID string) error
	Disconnect(peerID string) error
	// SendText is fire-and-forget; a nil error only means the frame was queued.
	SendText(peerID, text string) error
	// SignalStrength returns the current dBm-like reading for a connected peer.
	SignalStrength(peerID string) (int, bool)
	Events() <-chan Event
	Close() error
}
