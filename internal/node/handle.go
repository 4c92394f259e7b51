package node

import (
	"errors"
	"slices"
	"time"

	"crowdlink/go-mesh-node/internal/model"
	"crowdlink/go-mesh-node/internal/protocol"
	"crowdlink/go-mesh-node/internal/session"
	"crowdlink/go-mesh-node/internal/transport"
)

func (n *Node) handleEvent(ev transport.Event) {
	n.do(func() {
		if !n.started {
			return
		}
		switch ev.Kind {
		case transport.PeerFound:
			n.directory.Found(ev.PeerID, ev.Name, n.now())
		case transport.PeerLost:
			n.directory.Lost(ev.PeerID)
			if n.estimator.RemovePeer(ev.PeerID) {
				n.positionsDirty = true
			}
		case transport.Invitation:
			n.onInvitation(ev.PeerID)
		case transport.Connected:
			n.onConnected(ev.PeerID)
		case transport.Disconnected:
			n.onDisconnected(ev.PeerID)
		case transport.TextReceived:
			n.onText(ev.PeerID, ev.Text)
		}
	})
}

func (n *Node) onInvitation(peerID string) {
	if n.host == nil {
		n.logger.Info("declining invitation", "peer", peerID)
		if err := n.tr.Disconnect(peerID); err != nil {
			n.logger.Warn("decline invitation failed", "peer", peerID, "error", err)
		}
		return
	}
	n.apply(n.host.Handle(session.Invited{PeerID: peerID}))
}

func (n *Node) onConnected(peerID string) {
	if n.host != nil {
		n.apply(n.host.Handle(session.Connected{PeerID: peerID}))
		return
	}
	effects, err := n.join.Handle(session.Connected{PeerID: peerID})
	if err != nil {
		n.logger.Warn("unexpected connection", "peer", peerID, "error", err)
	}
	n.apply(effects)
}

func (n *Node) onDisconnected(peerID string) {
	if n.host != nil {
		n.apply(n.host.Handle(session.Disconnected{PeerID: peerID}))
		n.tracker.Remove(peerID)
		if n.estimator.RemovePeer(peerID) {
			n.positionsDirty = true
		}
		return
	}
	effects, _ := n.join.Handle(session.Disconnected{PeerID: peerID})
	n.apply(effects)
}

func (n *Node) onText(from, text string) {
	msg, err := protocol.Decode(text)
	switch {
	case errors.Is(err, protocol.ErrNotProtocol):
		n.onRawChat(from, text)
		return
	case err != nil:
		n.logger.Debug("dropping malformed message", "peer", from, "error", err)
		return
	}

	if n.host != nil {
		n.apply(n.host.Handle(session.Received{PeerID: from, Message: msg}))
		return
	}
	effects, _ := n.join.Handle(session.Received{PeerID: from, Message: msg})
	n.apply(effects)
}

// onRawChat shows untagged text from a room member as a chat line.
func (n *Node) onRawChat(from, text string) {
	switch {
	case n.host != nil:
		if !slices.Contains(n.host.VerifiedPeers(), from) {
			return
		}
	case n.join != nil:
		if !n.join.InRoom() || n.join.HostID() != from {
			return
		}
	}
	n.chat.AddChat(model.ChatMessage{
		SenderID:  from,
		Sender:    from,
		Text:      text,
		Timestamp: n.now().UTC(),
		Raw:       true,
	})
}

// apply carries out state machine effects. Transport failures are logged and
// never roll back state.
func (n *Node) apply(effects []session.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case session.Send:
			n.send(e.PeerID, e.Message)
		case session.Disconnect:
			if err := n.tr.Disconnect(e.PeerID); err != nil {
				n.logger.Warn("disconnect failed", "peer", e.PeerID, "error", err)
			}
		case session.Accept:
			if err := n.tr.AcceptConnection(e.PeerID); err != nil {
				n.logger.Warn("accept failed", "peer", e.PeerID, "error", err)
			}
		case session.Connect:
			if err := n.tr.RequestConnection(e.PeerID); err != nil {
				n.logger.Warn("connection request failed", "peer", e.PeerID, "error", err)
				follow, _ := n.join.Handle(session.Disconnected{PeerID: e.PeerID})
				n.apply(follow)
			}
		case session.Deliver:
			n.consume(e.Message)
		case session.Notice:
			n.onNotice(e)
		}
	}
}

func (n *Node) send(peerID string, msg protocol.Message) {
	text, err := protocol.Encode(msg)
	if err != nil {
		n.logger.Error("encode failed", "type", msg.Type(), "error", err)
		return
	}
	if err := n.tr.SendText(peerID, text); err != nil {
		n.logger.Warn("send failed", "peer", peerID, "type", msg.Type(), "error", err)
	}
}

// broadcast sends msg to the whole room: a host fans out, a joiner sends to its host for relay.
func (n *Node) broadcast(msg protocol.Message) {
	switch {
	case n.host != nil:
		n.apply(n.host.Broadcast(msg))
	case n.join != nil && n.join.InRoom():
		n.send(n.join.HostID(), msg)
	}
}

// consume feeds a room payload to the local collaborators.
func (n *Node) consume(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.GPSAnchor:
		if m.PeerID == n.selfID {
			return
		}
		n.estimator.UpsertAnchor(model.AnchorRecord{
			PeerID:    m.PeerID,
			Name:      m.Name,
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Accuracy:  m.Accuracy,
			Timestamp: n.stamp(m.Timestamp),
		})
		n.positionsDirty = true
	case protocol.ProximityReport:
		if m.PeerID == n.selfID {
			return
		}
		n.estimator.UpsertReport(reportFromMessage(m, n.stamp(m.Timestamp)))
		n.positionsDirty = true
	case protocol.Chat:
		n.chat.AddChat(model.ChatMessage{
			SenderID:  m.PeerID,
			Sender:    m.Name,
			Text:      m.Text,
			Timestamp: n.stamp(m.Timestamp),
		})
	case protocol.Panic:
		alert := n.chat.AddPanic(model.PanicAlert{
			PeerID:    m.PeerID,
			Name:      m.Name,
			Message:   m.Message,
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Timestamp: n.stamp(m.Timestamp),
		})
		n.logger.Warn("panic alert received", "peer", m.PeerID, "name", m.Name)
		if h := n.hooks.Panic; h != nil {
			n.queue(func() { h(alert) })
		}
	case protocol.SignalUpdate:
		n.peerStrengths[m.PeerID] = m.Strength
	case protocol.SignalBroadcast:
		n.peerStrengths = make(map[string]int, len(m.Strengths))
		for id, s := range m.Strengths {
			n.peerStrengths[id] = s
		}
	}
}

func (n *Node) onNotice(nt session.Notice) {
	n.logger.Info("session notice", "kind", nt.Kind, "reason", nt.Reason)
	if h := n.hooks.Session; h != nil {
		n.queue(func() { h(nt) })
	}
	if nt.Kind == session.NoticeJoined {
		n.startTasksLocked()
		return
	}
	if nt.EndsSession() {
		n.endSessionLocked(nt)
	}
}

// endSessionLocked cancels the session's tasks and drops all derived state.
// The discovered-host directory survives.
func (n *Node) endSessionLocked(nt session.Notice) {
	n.stopTasksLocked()
	n.tracker.Reset()
	n.detector.Reset()
	n.estimator.Reset()
	n.chat.Reset()
	n.peerStrengths = make(map[string]int)
	n.linkStrengths = make(map[string]int)
	n.participating = false
	n.sharingGPS = false
	n.positionsDirty = true

	if nt.Kind == session.NoticeClosed {
		if err := n.tr.StopAdvertise(); err != nil {
			n.logger.Warn("stop advertising failed", "error", err)
		}
	}
	if h := n.hooks.Alert; h != nil {
		cleared := n.detector.Current()
		n.queue(func() { h(cleared) })
	}
}

func (n *Node) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return n.now().UTC()
	}
	return t
}

func reportFromMessage(m protocol.ProximityReport, ts time.Time) model.ProximityReport {
	readings := make([]model.ProximityReading, 0, len(m.Readings))
	for _, r := range m.Readings {
		readings = append(readings, model.ProximityReading{TargetPeerID: r.TargetPeerID, Distance: r.Distance})
	}
	return model.ProximityReport{PeerID: m.PeerID, Name: m.Name, Readings: readings, Timestamp: ts}
}
