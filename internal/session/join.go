package session

import (
	"fmt"

	"crowdlink/go-mesh-node/internal/protocol"
)

// JoinState is the client-role connection state.
type JoinState string

const (
	JoinIdle         JoinState = "IDLE"
	JoinConnecting   JoinState = "CONNECTING"
	JoinAwaitingAuth JoinState = "AWAITING_AUTH"
	JoinInRoom       JoinState = "IN_ROOM"
)

// Join is the client-role state machine.
type Join struct {
	state       JoinState
	hostID      string
	pendingCode string
}

// NewJoin returns an idle join session.
func NewJoin() *Join {
	return &Join{state: JoinIdle}
}

// State returns the current state.
func (j *Join) State() JoinState {
	return j.state
}

// HostID returns the host being joined, or "" when idle.
func (j *Join) HostID() string {
	return j.hostID
}

// InRoom reports whether the host has accepted us.
func (j *Join) InRoom() bool {
	return j.state == JoinInRoom
}

// Handle applies ev. Invalid requests return an error and leave the state untouched,
// though they may still carry effects (an unexpected connection is dropped).
func (j *Join) Handle(ev Event) ([]Effect, error) {
	switch ev := ev.(type) {
	case JoinRequested:
		return j.join(ev)
	case Connected:
		return j.connected(ev.PeerID)
	case Received:
		return j.received(ev.PeerID, ev.Message), nil
	case Disconnected:
		return j.disconnected(ev.PeerID), nil
	case LeaveRequested:
		return j.leave()
	}
	return nil, nil
}

func (j *Join) join(ev JoinRequested) ([]Effect, error) {
	if j.state != JoinIdle {
		return nil, fmt.Errorf("join from %s: %w", j.state, ErrInvalidState)
	}
	if ev.HostID == "" {
		return nil, fmt.Errorf("join without host id: %w", ErrInvalidInput)
	}

	j.hostID = ev.HostID
	j.pendingCode = ev.EventCode
	j.state = JoinConnecting
	return []Effect{Connect{PeerID: ev.HostID}}, nil
}

func (j *Join) connected(peerID string) ([]Effect, error) {
	if j.state != JoinConnecting || peerID != j.hostID {
		return []Effect{Disconnect{PeerID: peerID}}, fmt.Errorf("connect from %s in %s: %w", peerID, j.state, ErrUnexpectedConnect)
	}

	j.state = JoinAwaitingAuth
	return []Effect{Send{PeerID: peerID, Message: protocol.JoinRequest{EventCode: j.pendingCode}}}, nil
}

func (j *Join) received(from string, msg protocol.Message) []Effect {
	if j.state == JoinIdle || from != j.hostID {
		return nil
	}

	switch msg := msg.(type) {
	case protocol.JoinAccepted:
		if j.state != JoinAwaitingAuth {
			return nil
		}
		j.state = JoinInRoom
		j.pendingCode = ""
		return []Effect{Notice{Kind: NoticeJoined}}
	case protocol.JoinRejected:
		return j.reset(Notice{Kind: NoticeRejected, Reason: msg.Reason}, true)
	case protocol.RoomClosed:
		return j.reset(Notice{Kind: NoticeRoomClosed, Reason: "The host closed the room"}, true)
	}

	if j.state != JoinInRoom {
		return nil
	}
	return []Effect{Deliver{From: from, Message: msg}}
}

func (j *Join) disconnected(peerID string) []Effect {
	if j.state == JoinIdle || peerID != j.hostID {
		return nil
	}
	return j.reset(Notice{Kind: NoticeDisconnected}, false)
}

func (j *Join) leave() ([]Effect, error) {
	if j.state == JoinIdle {
		return nil, fmt.Errorf("leave while idle: %w", ErrInvalidState)
	}
	return j.reset(Notice{Kind: NoticeLeft}, true), nil
}

func (j *Join) reset(notice Notice, disconnect bool) []Effect {
	var effects []Effect
	if disconnect {
		effects = append(effects, Disconnect{PeerID: j.hostID})
	}
	j.state = JoinIdle
	j.hostID = ""
	j.pendingCode = ""
	return append(effects, notice)
}
