package app

import (
	"context"
	"time"

	"crowdlink/go-mesh-node/internal/model"
	"crowdlink/go-mesh-node/internal/session"
)

const journalTimeout = 2 * time.Second

// onAlert publishes every evaluation and journals an incident when a detected
// alert changes severity. A cleared alert re-arms the journal.
func (a *App) onAlert(alert model.CrowdCrushAlert) {
	if a.relay != nil {
		if err := a.relay.PublishAlert(alert); err != nil {
			a.logger.Warn("publish alert failed", "error", err)
		}
	}

	a.mu.Lock()
	changed := false
	switch {
	case !alert.Detected:
		a.lastSeverity = ""
	case alert.Severity != a.lastSeverity:
		a.lastSeverity = alert.Severity
		changed = true
	}
	a.mu.Unlock()
	if !changed || a.store == nil {
		return
	}

	detectedAt := alert.EvaluatedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	incident := model.Incident{
		EventName:    a.cfg.Node.EventName,
		Severity:     alert.Severity,
		ClosestPeers: alert.ClosestPeers,
		TotalNearby:  alert.TotalNearby,
		Message:      alert.Message,
		DetectedAt:   detectedAt,
	}
	if err := a.store.InsertIncident(ctx, incident); err != nil {
		a.logger.Error("failed to journal incident", "severity", alert.Severity, "error", err)
	}
}

func (a *App) onPanic(p model.PanicAlert) {
	a.journalPanic(p)
}

func (a *App) journalPanic(p model.PanicAlert) {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := a.store.InsertPanic(ctx, p); err != nil {
		a.logger.Error("failed to journal panic", "peer", p.PeerID, "error", err)
	}
}

func (a *App) onPositions(p []model.UserPosition) {
	if a.relay == nil {
		return
	}
	if err := a.relay.PublishPositions(p); err != nil {
		a.logger.Warn("publish positions failed", "error", err)
	}
}

func (a *App) onRoster(peers []string) {
	a.logger.Info("room roster changed", "peers", len(peers))
	if a.relay == nil {
		return
	}
	if err := a.relay.PublishRoster(peers); err != nil {
		a.logger.Warn("publish roster failed", "error", err)
	}
}

func (a *App) onSession(n session.Notice) {
	switch n.Kind {
	case session.NoticeJoined:
		a.applyLocationPrefs()
	case session.NoticeRejected:
		if a.autoJoinDone.CompareAndSwap(false, true) {
			a.logger.Warn("join rejected, auto-join stopped", "reason", n.Reason)
		}
	}
}
