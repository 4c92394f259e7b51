package session

import (
	"sort"

	"crowdlink/go-mesh-node/internal/model"
	"crowdlink/go-mesh-node/internal/protocol"
)

// HostState is the room-level state of a hosted session.
type HostState string

const (
	HostAdvertising HostState = "ADVERTISING"
	HostClosed      HostState = "CLOSED"
)

// RejectReason is sent with JOIN_REJECTED on a code mismatch.
const RejectReason = "Invalid event code"

// Host is the server-role state machine. It owns the connection records and
// the aggregated strength map.
type Host struct {
	eventCode string
	state     HostState
	peers     map[string]model.ConnectionStatus
	strengths map[string]int
}

// NewHost returns a host in the ADVERTISING state gated by eventCode.
func NewHost(eventCode string) *Host {
	return &Host{
		eventCode: eventCode,
		state:     HostAdvertising,
		peers:     make(map[string]model.ConnectionStatus),
		strengths: make(map[string]int),
	}
}

// State returns the room-level state.
func (h *Host) State() HostState {
	return h.state
}

// Handle applies ev and returns the resulting effects. Once the room is
// closed every event is ignored.
func (h *Host) Handle(ev Event) []Effect {
	if h.state == HostClosed {
		return nil
	}

	switch ev := ev.(type) {
	case Invited:
		return []Effect{Accept{PeerID: ev.PeerID}}
	case Connected:
		h.peers[ev.PeerID] = model.StatusConnectedUnverified
		return nil
	case Disconnected:
		delete(h.peers, ev.PeerID)
		delete(h.strengths, ev.PeerID)
		return nil
	case Received:
		return h.handleMessage(ev.PeerID, ev.Message)
	case CloseRequested:
		return h.close()
	}
	return nil
}

func (h *Host) handleMessage(from string, msg protocol.Message) []Effect {
	status, known := h.peers[from]
	if !known {
		return nil
	}

	if req, ok := msg.(protocol.JoinRequest); ok {
		if req.EventCode == h.eventCode {
			h.peers[from] = model.StatusVerified
			return []Effect{Send{PeerID: from, Message: protocol.JoinAccepted{}}}
		}
		h.peers[from] = model.StatusConnectedUnverified
		return []Effect{
			Send{PeerID: from, Message: protocol.JoinRejected{Reason: RejectReason}},
			Disconnect{PeerID: from},
		}
	}

	if status != model.StatusVerified {
		return nil
	}

	if upd, ok := msg.(protocol.SignalUpdate); ok {
		h.strengths[upd.PeerID] = upd.Strength
		return nil
	}

	if !relayed(msg) {
		return nil
	}

	effects := []Effect{Deliver{From: from, Message: msg}}
	for _, peerID := range h.VerifiedPeers() {
		if peerID == from {
			continue
		}
		effects = append(effects, Send{PeerID: peerID, Message: msg})
	}
	return effects
}

func (h *Host) close() []Effect {
	var effects []Effect
	verified := h.VerifiedPeers()
	for _, peerID := range verified {
		effects = append(effects, Send{PeerID: peerID, Message: protocol.RoomClosed{}})
	}
	for _, peerID := range sortedKeys(h.peers) {
		effects = append(effects, Disconnect{PeerID: peerID})
	}

	h.state = HostClosed
	h.peers = make(map[string]model.ConnectionStatus)
	h.strengths = make(map[string]int)

	return append(effects, Notice{Kind: NoticeClosed})
}

// RecordStrength stores a locally measured strength for a connected peer.
func (h *Host) RecordStrength(peerID string, strength int) {
	if h.state == HostClosed {
		return
	}
	if _, ok := h.peers[peerID]; !ok {
		return
	}
	h.strengths[peerID] = strength
}

// SignalBroadcast returns one SIGNAL_BROADCAST send per verified peer carrying the aggregated map.
func (h *Host) SignalBroadcast() []Effect {
	if h.state == HostClosed || len(h.strengths) == 0 {
		return nil
	}

	var effects []Effect
	for _, peerID := range h.VerifiedPeers() {
		effects = append(effects, Send{PeerID: peerID, Message: protocol.SignalBroadcast{Strengths: h.Strengths()}})
	}
	return effects
}

// Broadcast returns a send of msg to every verified peer.
func (h *Host) Broadcast(msg protocol.Message) []Effect {
	if h.state == HostClosed {
		return nil
	}
	var effects []Effect
	for _, peerID := range h.VerifiedPeers() {
		effects = append(effects, Send{PeerID: peerID, Message: msg})
	}
	return effects
}

// VerifiedPeers is the current room roster, sorted.
func (h *Host) VerifiedPeers() []string {
	out := make([]string, 0, len(h.peers))
	for peerID, status := range h.peers {
		if status == model.StatusVerified {
			out = append(out, peerID)
		}
	}
	sort.Strings(out)
	return out
}

// Records returns every connection record, sorted by peer id.
func (h *Host) Records() []model.ConnectionRecord {
	out := make([]model.ConnectionRecord, 0, len(h.peers))
	for _, peerID := range sortedKeys(h.peers) {
		out = append(out, model.ConnectionRecord{PeerID: peerID, Status: h.peers[peerID]})
	}
	return out
}

// Strengths returns a copy of the aggregated strength map.
func (h *Host) Strengths() map[string]int {
	out := make(map[string]int, len(h.strengths))
	for k, v := range h.strengths {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
