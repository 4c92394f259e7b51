package proximity

import (
	"fmt"
	"time"

	"crowdlink/go-mesh-node/internal/model"
)

const (
	DefaultNearbyThreshold  = -70
	DefaultHighProportion   = 0.6
	DefaultMediumProportion = 0.4
	DefaultEvaluateInterval = 5000 * time.Millisecond
)

// DetectorConfig tunes crowd-crush evaluation.
type DetectorConfig struct {
	NearbyThreshold  int
	HighProportion   float64
	MediumProportion float64
}

// DefaultDetectorConfig returns the reference thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		NearbyThreshold:  DefaultNearbyThreshold,
		HighProportion:   DefaultHighProportion,
		MediumProportion: DefaultMediumProportion,
	}
}

// Detector grades the tracker's histories into a crowd-crush alert. The last
// evaluation is kept only so it can be queried between ticks.
type Detector struct {
	cfg     DetectorConfig
	current model.CrowdCrushAlert
}

// NewDetector builds a detector. Zero fields fall back to defaults; a strength
// of 0 dBm is not a usable nearby threshold.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.NearbyThreshold == 0 {
		cfg.NearbyThreshold = DefaultNearbyThreshold
	}
	if cfg.HighProportion <= 0 {
		cfg.HighProportion = DefaultHighProportion
	}
	if cfg.MediumProportion <= 0 {
		cfg.MediumProportion = DefaultMediumProportion
	}
	return &Detector{cfg: cfg, current: model.CrowdCrushAlert{Severity: model.SeverityLow}}
}

// Evaluate computes an alert snapshot from histories without touching detector state.
func (d *Detector) Evaluate(histories []model.PeerSignalHistory, now time.Time) model.CrowdCrushAlert {
	var nearby, closing int
	for _, h := range histories {
		latest, ok := h.Latest()
		if !ok || latest.Strength < d.cfg.NearbyThreshold {
			continue
		}
		nearby++
		if h.ClosingIn {
			closing++
		}
	}

	alert := model.CrowdCrushAlert{
		Severity:     model.SeverityLow,
		ClosestPeers: closing,
		TotalNearby:  nearby,
		EvaluatedAt:  now,
	}
	if nearby == 0 {
		return alert
	}

	proportion := float64(closing) / float64(nearby)
	switch {
	case proportion >= d.cfg.HighProportion:
		alert.Detected = true
		alert.Severity = model.SeverityHigh
		alert.Message = fmt.Sprintf("HIGH DENSITY: %d of %d people moving toward you!", closing, nearby)
	case proportion >= d.cfg.MediumProportion:
		alert.Detected = true
		alert.Severity = model.SeverityMedium
		alert.Message = fmt.Sprintf("CAUTION: %d of %d people moving closer", closing, nearby)
	case closing > 0:
		// Informational only: low severity never counts as detected.
		alert.Message = "Some people nearby are moving closer"
	}
	return alert
}

// Tick evaluates histories and stores the result as the current alert.
func (d *Detector) Tick(histories []model.PeerSignalHistory, now time.Time) model.CrowdCrushAlert {
	d.current = d.Evaluate(histories, now)
	return d.current
}

// Current returns the alert from the last tick.
func (d *Detector) Current() model.CrowdCrushAlert {
	return d.current
}

// Reset clears the current alert.
func (d *Detector) Reset() {
	d.current = model.CrowdCrushAlert{Severity: model.SeverityLow}
}
