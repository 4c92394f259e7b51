// Package memory is an in-process PeerTransport. Endpoints created from the
// same Hub can discover and connect to each other, which makes whole-room
// scenarios runnable without a network.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"crowdlink/go-mesh-node/internal/transport"
)

const eventBuffer = 1024

type linkKey struct{ a, b string }

func key(a, b string) linkKey {
	if a > b {
		a, b = b, a
	}
	return linkKey{a, b}
}

// Hub is the shared medium. All endpoint state lives here under one mutex.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	links     map[linkKey]struct{}
	strengths map[linkKey]int
	dropped   int
}

// NewHub returns an empty medium.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		links:     make(map[linkKey]struct{}),
		strengths: make(map[linkKey]int),
	}
}

// NewEndpoint attaches a new device with a random peer id.
func (h *Hub) NewEndpoint() *Endpoint {
	return h.NewEndpointWithID(uuid.NewString())
}

// NewEndpointWithID attaches a device with a fixed peer id.
func (h *Hub) NewEndpointWithID(id string) *Endpoint {
	e := &Endpoint{
		hub:     h,
		id:      id,
		events:  make(chan transport.Event, eventBuffer),
		invited: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.endpoints[id] = e
	h.mu.Unlock()
	return e
}

// SetStrength sets the symmetric signal strength between two devices.
func (h *Hub) SetStrength(a, b string, strength int) {
	h.mu.Lock()
	h.strengths[key(a, b)] = strength
	h.mu.Unlock()
}

// Dropped counts events discarded because a receiver's buffer was full.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// emit must be called with h.mu held.
func (h *Hub) emit(to *Endpoint, ev transport.Event) {
	if to.closed {
		return
	}
	select {
	case to.events <- ev:
	default:
		h.dropped++
	}
}

// Endpoint is one device on the hub.
type Endpoint struct {
	hub    *Hub
	id     string
	events chan transport.Event

	// guarded by hub.mu
	advertising string
	discovering bool
	invited     map[string]struct{}
	closed      bool
}

var _ transport.PeerTransport = (*Endpoint)(nil)

// ID returns the endpoint's peer id.
func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Advertise(_ context.Context, name string) (string, error) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.closed {
		return "", transport.ErrClosed
	}
	e.advertising = name
	for _, other := range h.endpoints {
		if other != e && other.discovering {
			h.emit(other, transport.Event{Kind: transport.PeerFound, PeerID: e.id, Name: name})
		}
	}
	return e.id, nil
}

func (e *Endpoint) Discover(_ context.Context, _ string) (string, error) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.closed {
		return "", transport.ErrClosed
	}
	e.discovering = true
	for _, other := range h.endpoints {
		if other != e && other.advertising != "" {
			h.emit(e, transport.Event{Kind: transport.PeerFound, PeerID: other.id, Name: other.advertising})
		}
	}
	return e.id, nil
}

func (e *Endpoint) StopAdvertise() error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	e.stopAdvertiseLocked()
	return nil
}

func (e *Endpoint) stopAdvertiseLocked() {
	h := e.hub
	if e.advertising == "" {
		return
	}
	e.advertising = ""
	for _, other := range h.endpoints {
		if other != e && other.discovering {
			h.emit(other, transport.Event{Kind: transport.PeerLost, PeerID: e.id})
		}
	}
}

func (e *Endpoint) StopDiscover() error {
	e.hub.mu.Lock()
	e.discovering = false
	e.hub.mu.Unlock()
	return nil
}

// RequestConnection invites an advertising peer.
func (e *Endpoint) RequestConnection(peerID string) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	target, ok := h.endpoints[peerID]
	if !ok || target.closed || target.advertising == "" {
		return fmt.Errorf("request connection to %s: %w", peerID, transport.ErrUnknownPeer)
	}
	target.invited[e.id] = struct{}{}
	h.emit(target, transport.Event{Kind: transport.Invitation, PeerID: e.id})
	return nil
}

// AcceptConnection links a pending inviter. Both sides see Connected.
func (e *Endpoint) AcceptConnection(peerID string) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	if _, ok := e.invited[peerID]; !ok {
		return fmt.Errorf("accept %s: %w", peerID, transport.ErrUnknownPeer)
	}
	delete(e.invited, peerID)
	inviter, ok := h.endpoints[peerID]
	if !ok || inviter.closed {
		return fmt.Errorf("accept %s: %w", peerID, transport.ErrUnknownPeer)
	}
	h.links[key(e.id, peerID)] = struct{}{}
	h.emit(e, transport.Event{Kind: transport.Connected, PeerID: peerID})
	h.emit(inviter, transport.Event{Kind: transport.Connected, PeerID: e.id})
	return nil
}

// Disconnect drops a link or a pending invitation. Unknown peers are ignored.
func (e *Endpoint) Disconnect(peerID string) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(e.invited, peerID)
	h.unlinkLocked(e, peerID)
	return nil
}

func (h *Hub) unlinkLocked(e *Endpoint, peerID string) {
	k := key(e.id, peerID)
	if _, ok := h.links[k]; !ok {
		return
	}
	delete(h.links, k)
	h.emit(e, transport.Event{Kind: transport.Disconnected, PeerID: peerID})
	if other, ok := h.endpoints[peerID]; ok {
		h.emit(other, transport.Event{Kind: transport.Disconnected, PeerID: e.id})
	}
}

func (e *Endpoint) SendText(peerID, text string) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	if _, ok := h.links[key(e.id, peerID)]; !ok {
		return fmt.Errorf("send to %s: %w", peerID, transport.ErrUnknownPeer)
	}
	h.emit(h.endpoints[peerID], transport.Event{Kind: transport.TextReceived, PeerID: e.id, Text: text})
	return nil
}

func (e *Endpoint) SignalStrength(peerID string) (int, bool) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	k := key(e.id, peerID)
	if _, ok := h.links[k]; !ok {
		return 0, false
	}
	s, ok := h.strengths[k]
	return s, ok
}

func (e *Endpoint) Events() <-chan transport.Event {
	return e.events
}

// Close drops every link, stops advertising and closes the event channel.
func (e *Endpoint) Close() error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.closed {
		return nil
	}
	e.stopAdvertiseLocked()
	e.discovering = false
	for k := range h.links {
		switch e.id {
		case k.a:
			h.unlinkLocked(e, k.b)
		case k.b:
			h.unlinkLocked(e, k.a)
		}
	}
	e.closed = true
	delete(h.endpoints, e.id)
	close(e.events)
	return nil
}
