package node

import (
	"fmt"
	"math"
	"strings"

	"crowdlink/go-mesh-node/internal/model"
	"crowdlink/go-mesh-node/internal/protocol"
	"crowdlink/go-mesh-node/internal/session"
)

// JoinHost asks to join the room advertised by hostID.
func (n *Node) JoinHost(hostID, eventCode string) error {
	return n.doErr(func() error {
		if n.join == nil {
			return n.roleErr("join")
		}
		effects, err := n.join.Handle(session.JoinRequested{HostID: hostID, EventCode: eventCode})
		if err != nil {
			return err
		}
		n.apply(effects)
		if n.join.State() == session.JoinIdle {
			return fmt.Errorf("join %s: %w", hostID, ErrConnectFailed)
		}
		return nil
	})
}

// LeaveRoom disconnects from the host and clears the session immediately.
func (n *Node) LeaveRoom() error {
	return n.doErr(func() error {
		if n.join == nil {
			return n.roleErr("leave")
		}
		effects, err := n.join.Handle(session.LeaveRequested{})
		if err != nil {
			return err
		}
		n.apply(effects)
		return nil
	})
}

// CloseRoom notifies every verified peer, disconnects everyone and stops advertising.
func (n *Node) CloseRoom() error {
	return n.doErr(func() error {
		if n.host == nil {
			return n.roleErr("close")
		}
		if n.host.State() == session.HostClosed {
			return fmt.Errorf("close: %w", session.ErrInvalidState)
		}
		n.apply(n.host.Handle(session.CloseRequested{}))
		return nil
	})
}

// SendChat broadcasts a chat line to the room.
func (n *Node) SendChat(text string) (model.ChatMessage, error) {
	var out model.ChatMessage
	err := n.doErr(func() error {
		text = strings.TrimSpace(text)
		if text == "" {
			return ErrEmptyMessage
		}
		if !n.inSessionLocked() {
			return ErrNotInSession
		}
		now := n.now().UTC()
		n.broadcast(protocol.Chat{PeerID: n.selfID, Name: n.cfg.DeviceName, Text: text, Timestamp: now})
		out = n.chat.AddChat(model.ChatMessage{
			SenderID:  n.selfID,
			Sender:    n.cfg.DeviceName,
			Text:      text,
			Timestamp: now,
			IsMe:      true,
		})
		return nil
	})
	return out, err
}

// SendPanic broadcasts a panic alert, attaching the current GPS fix when one is known.
func (n *Node) SendPanic(message string) (model.PanicAlert, error) {
	var out model.PanicAlert
	err := n.doErr(func() error {
		if !n.inSessionLocked() {
			return ErrNotInSession
		}
		message = strings.TrimSpace(message)
		if message == "" {
			message = "Needs help"
		}
		now := n.now().UTC()
		msg := protocol.Panic{PeerID: n.selfID, Name: n.cfg.DeviceName, Message: message, Timestamp: now}
		if n.fix != nil {
			lat, lng := n.fix.Latitude, n.fix.Longitude
			msg.Latitude, msg.Longitude = &lat, &lng
		}
		n.broadcast(msg)
		out = n.chat.AddPanic(model.PanicAlert{
			PeerID:    msg.PeerID,
			Name:      msg.Name,
			Message:   msg.Message,
			Latitude:  msg.Latitude,
			Longitude: msg.Longitude,
			Timestamp: now,
			IsMe:      true,
		})
		n.logger.Warn("panic alert sent", "peer", n.selfID)
		return nil
	})
	return out, err
}

// StartParticipating begins periodic proximity reports.
func (n *Node) StartParticipating() error {
	return n.doErr(func() error {
		if !n.inSessionLocked() {
			return ErrNotInSession
		}
		n.participating = true
		n.sendProximityReport()
		return nil
	})
}

// StopParticipating stops proximity reports and, since anchors participate, GPS sharing.
func (n *Node) StopParticipating() {
	n.do(func() {
		n.participating = false
		n.stopSharingLocked()
		n.dropOwnReportLocked()
	})
}

// UpdateFix records the latest GPS reading. While sharing, the local anchor follows it.
func (n *Node) UpdateFix(f Fix) error {
	if !validFix(f) {
		return fmt.Errorf("fix %+v: %w", f, ErrInvalidAnchor)
	}
	n.do(func() {
		n.fix = &f
		if n.sharingGPS {
			n.broadcastAnchor()
		}
	})
	return nil
}

// StartSharingGPS makes this device an anchor. It implies participating.
func (n *Node) StartSharingGPS() error {
	return n.doErr(func() error {
		if !n.inSessionLocked() {
			return ErrNotInSession
		}
		if n.fix == nil {
			return ErrNoFix
		}
		n.participating = true
		n.sharingGPS = true
		n.dropOwnReportLocked()
		n.broadcastAnchor()
		return nil
	})
}

// StopSharingGPS removes the local anchor. Participation continues.
func (n *Node) StopSharingGPS() {
	n.do(n.stopSharingLocked)
}

func (n *Node) stopSharingLocked() {
	if !n.sharingGPS {
		return
	}
	n.sharingGPS = false
	n.estimator.SetSelf(nil)
	n.positionsDirty = true
}

func (n *Node) dropOwnReportLocked() {
	if n.selfID == "" {
		return
	}
	if n.estimator.RemovePeer(n.selfID) {
		n.positionsDirty = true
	}
}

// InjectAnchor adds a fixed-infrastructure anchor and shares it with the room.
func (n *Node) InjectAnchor(a model.AnchorRecord) error {
	msg := protocol.GPSAnchor{
		PeerID:    a.PeerID,
		Name:      a.Name,
		Latitude:  a.Latitude,
		Longitude: a.Longitude,
		Accuracy:  a.Accuracy,
		Timestamp: a.Timestamp,
	}
	text, err := protocol.Encode(msg)
	if err == nil {
		_, err = protocol.Decode(text)
	}
	if err != nil {
		return fmt.Errorf("anchor %q: %w: %v", a.PeerID, ErrInvalidAnchor, err)
	}
	return n.doErr(func() error {
		if !n.inSessionLocked() {
			return ErrNotInSession
		}
		if a.PeerID == n.selfID {
			return fmt.Errorf("anchor %q is this device: %w", a.PeerID, ErrInvalidAnchor)
		}
		msg.Timestamp = n.stamp(msg.Timestamp)
		n.consume(msg)
		n.broadcast(msg)
		return nil
	})
}

func (n *Node) roleErr(op string) error {
	if !n.started {
		return fmt.Errorf("%s: %w", op, ErrNotStarted)
	}
	return fmt.Errorf("%s as %s: %w", op, n.cfg.Role, ErrWrongRole)
}

func validFix(f Fix) bool {
	for _, v := range []float64{f.Latitude, f.Longitude, f.Accuracy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return f.Latitude >= -90 && f.Latitude <= 90 && f.Longitude >= -180 && f.Longitude <= 180 && f.Accuracy >= 0
}
