package node

import (
	"context"
	"time"

	"crowdlink/go-mesh-node/internal/model"
	"crowdlink/go-mesh-node/internal/protocol"
	"crowdlink/go-mesh-node/internal/proximity"
)

// startTasksLocked launches the periodic work for a new session. Each task is
// bound to the current generation; once the session ends a tick that was
// already waiting on the lock finds a newer generation and does nothing.
func (n *Node) startTasksLocked() {
	if n.closed || n.baseCtx == nil {
		return
	}
	n.stopTasksLocked()
	ctx, cancel := context.WithCancel(n.baseCtx)
	n.cancelTasks = cancel
	gen := n.generation

	n.every(ctx, gen, n.cfg.SignalSampleInterval, n.sampleSignals)
	if n.host != nil {
		n.every(ctx, gen, n.cfg.SignalBroadcastInterval, n.broadcastSignals)
	}
	n.every(ctx, gen, n.cfg.CrowdTick, n.evaluateCrowd)
	n.every(ctx, gen, n.cfg.AnchorInterval, n.broadcastAnchor)
	n.every(ctx, gen, n.cfg.ReportInterval, n.sendProximityReport)
}

func (n *Node) stopTasksLocked() {
	if n.cancelTasks != nil {
		n.cancelTasks()
		n.cancelTasks = nil
	}
	n.generation++
}

func (n *Node) every(ctx context.Context, gen uint64, interval time.Duration, fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.runTick(gen, fn)
			}
		}
	}()
}

// runTick runs fn unless the session that scheduled it has ended.
func (n *Node) runTick(gen uint64, fn func()) {
	n.do(func() {
		if n.generation != gen {
			return
		}
		fn()
	})
}

// sampleSignals reads the transport's strength for each room link into the tracker.
func (n *Node) sampleSignals() {
	now := n.now()
	if n.host != nil {
		verified := n.host.VerifiedPeers()
		for _, peerID := range verified {
			s, ok := n.tr.SignalStrength(peerID)
			if !ok {
				continue
			}
			n.tracker.Update(peerID, s, now)
			n.host.RecordStrength(peerID, s)
		}
		n.tracker.Retain(verified)
		return
	}

	if n.join == nil || !n.join.InRoom() {
		return
	}
	hostID := n.join.HostID()
	s, ok := n.tr.SignalStrength(hostID)
	if !ok {
		return
	}
	n.tracker.Update(hostID, s, now)
	n.peerStrengths[hostID] = s
	n.linkStrengths[hostID] = s
	n.send(hostID, protocol.SignalUpdate{PeerID: n.selfID, Strength: s})
}

func (n *Node) broadcastSignals() {
	if n.host == nil {
		return
	}
	n.apply(n.host.SignalBroadcast())
}

// evaluateCrowd is the detector tick. It also expires stale anchors when a TTL is configured.
func (n *Node) evaluateCrowd() {
	now := n.now()
	n.tracker.Prune(now)
	alert := n.detector.Tick(n.tracker.Histories(), now)
	if alert.Detected {
		n.logger.Warn("crowd crush detected", "severity", alert.Severity, "closing", alert.ClosestPeers, "nearby", alert.TotalNearby)
	}
	if h := n.hooks.Alert; h != nil {
		n.queue(func() { h(alert) })
	}
	if n.estimator.Expire(now) {
		n.positionsDirty = true
	}
}

// broadcastAnchor publishes this device's GPS fix while sharing.
func (n *Node) broadcastAnchor() {
	if !n.sharingGPS || n.fix == nil || !n.inSessionLocked() {
		return
	}
	now := n.now().UTC()
	self := model.AnchorRecord{
		PeerID:    n.selfID,
		Name:      n.cfg.DeviceName,
		Latitude:  n.fix.Latitude,
		Longitude: n.fix.Longitude,
		Accuracy:  n.fix.Accuracy,
		Timestamp: now,
	}
	n.estimator.SetSelf(&self)
	n.positionsDirty = true
	n.broadcast(protocol.GPSAnchor{
		PeerID:    self.PeerID,
		Name:      self.Name,
		Latitude:  self.Latitude,
		Longitude: self.Longitude,
		Accuracy:  self.Accuracy,
		Timestamp: now,
	})
}

// sendProximityReport publishes distances to the anchors this device is linked
// to: the host for a joiner, verified peers for a host. Anchors never report.
func (n *Node) sendProximityReport() {
	if !n.participating || n.sharingGPS || !n.inSessionLocked() {
		return
	}
	linked := n.linkedPeersLocked()
	anchors := n.estimator.Anchors()
	readings := make([]protocol.Reading, 0, len(anchors))
	for _, a := range anchors {
		if a.PeerID == n.selfID {
			continue
		}
		if _, ok := linked[a.PeerID]; !ok {
			continue
		}
		readings = append(readings, protocol.Reading{TargetPeerID: a.PeerID, Distance: n.distanceTo(a.PeerID)})
	}
	if len(readings) == 0 {
		return
	}

	msg := protocol.ProximityReport{
		PeerID:    n.selfID,
		Name:      n.cfg.DeviceName,
		Readings:  readings,
		Timestamp: n.now().UTC(),
	}
	n.estimator.UpsertReport(reportFromMessage(msg, msg.Timestamp))
	n.positionsDirty = true
	n.broadcast(msg)
}

func (n *Node) linkedPeersLocked() map[string]struct{} {
	linked := make(map[string]struct{})
	switch {
	case n.host != nil:
		for _, id := range n.host.VerifiedPeers() {
			linked[id] = struct{}{}
		}
	case n.join != nil && n.join.InRoom():
		linked[n.join.HostID()] = struct{}{}
	}
	return linked
}

// distanceTo converts this device's own reading of the link to peerID to
// meters. Strengths relayed by the host describe other links and are not used.
func (n *Node) distanceTo(peerID string) float64 {
	var (
		s  int
		ok bool
	)
	if n.host != nil {
		s, ok = n.host.Strengths()[peerID]
	} else {
		s, ok = n.linkStrengths[peerID]
	}
	if !ok {
		return proximity.DefaultDistance
	}
	return proximity.EstimateDistance(s, n.cfg.TxPower, n.cfg.PathLossExponent)
}
