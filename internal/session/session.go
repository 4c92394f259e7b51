// Package session holds the host and join connection state machines. Both
// machines are pure: Handle takes an event and returns the effects the caller
// must apply to the transport and to downstream consumers. Nothing here
// touches the network.
package session

import (
	"errors"

	"crowdlink/go-mesh-node/internal/protocol"
)

var (
	// ErrInvalidState indicates an operation requested from a state that does not allow it.
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidInput indicates a missing host id or similar.
	ErrInvalidInput = errors.New("invalid session input")
	// ErrUnexpectedConnect indicates a transport connection no join was requested for.
	ErrUnexpectedConnect = errors.New("unexpected transport connection")
)

// Event is an input to a state machine.
type Event interface {
	isEvent()
}

// Invited is a transport connection request from a remote peer.
type Invited struct{ PeerID string }

// Connected is a completed transport connection.
type Connected struct{ PeerID string }

// Disconnected is a closed transport connection.
type Disconnected struct{ PeerID string }

// Received is a decoded application message from a connected peer.
type Received struct {
	PeerID  string
	Message protocol.Message
}

// CloseRequested tears down a hosted room.
type CloseRequested struct{}

// JoinRequested asks to join the room advertised by HostID.
type JoinRequested struct {
	HostID    string
	EventCode string
}

// LeaveRequested leaves the current room.
type LeaveRequested struct{}

func (Invited) isEvent()        {}
func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (Received) isEvent()       {}
func (CloseRequested) isEvent() {}
func (JoinRequested) isEvent()  {}
func (LeaveRequested) isEvent() {}

// Effect is an instruction produced by a transition.
type Effect interface {
	isEffect()
}

// Send delivers Message to PeerID.
type Send struct {
	PeerID  string
	Message protocol.Message
}

// Disconnect drops the transport connection to PeerID.
type Disconnect struct{ PeerID string }

// Accept accepts an incoming transport connection.
type Accept struct{ PeerID string }

// Connect requests a transport connection to PeerID.
type Connect struct{ PeerID string }

// Deliver hands a non-session payload to the local consumers (tracker, estimator, chat).
type Deliver struct {
	From    string
	Message protocol.Message
}

// NoticeKind classifies a user-facing session notice.
type NoticeKind string

const (
	NoticeJoined       NoticeKind = "joined"
	NoticeRejected     NoticeKind = "rejected"
	NoticeRoomClosed   NoticeKind = "room_closed"
	NoticeDisconnected NoticeKind = "disconnected"
	NoticeLeft         NoticeKind = "left"
	NoticeClosed       NoticeKind = "closed"
)

// Notice surfaces a session-level change to the caller.
type Notice struct {
	Kind   NoticeKind
	Reason string
}

// EndsSession reports whether the notice means all per-session state must be dropped.
func (n Notice) EndsSession() bool {
	return n.Kind != NoticeJoined
}

func (Send) isEffect()       {}
func (Disconnect) isEffect() {}
func (Accept) isEffect()     {}
func (Connect) isEffect()    {}
func (Deliver) isEffect()    {}
func (Notice) isEffect()     {}

// relayed reports whether a message from one verified peer is passed on to the others.
func relayed(msg protocol.Message) bool {
	switch msg.(type) {
	case protocol.GPSAnchor, protocol.ProximityReport, protocol.Chat, protocol.Panic:
		return true
	}
	return false
}
