package model

import "time"

// ConnectionStatus is the verification state of a host-side transport connection.
type ConnectionStatus string

const (
	StatusConnectedUnverified ConnectionStatus = "CONNECTED_UNVERIFIED"
	StatusVerified            ConnectionStatus = "VERIFIED"
)

// ConnectionRecord tracks one transport connection accepted by a host.
type ConnectionRecord struct {
	PeerID string           `json:"peer_id"`
	Status ConnectionStatus `json:"status"`
}

// SignalSample captures a single signal-strength observation for a peer.
// Strength is dBm-like: higher values mean the peer is closer.
type SignalSample struct {
	PeerID    string    `json:"peer_id"`
	Strength  int       `json:"strength"`
	Timestamp time.Time `json:"timestamp"`
}

// PeerSignalHistory is the sliding window of samples kept for one connected peer.
type PeerSignalHistory struct {
	PeerID    string         `json:"peer_id"`
	Samples   []SignalSample `json:"samples"`
	ClosingIn bool           `json:"closing_in"`
}

// Latest returns the newest sample, if any.
func (h PeerSignalHistory) Latest() (SignalSample, bool) {
	if len(h.Samples) == 0 {
		return SignalSample{}, false
	}
	return h.Samples[len(h.Samples)-1], true
}

// Severity grades a crowd-crush alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// CrowdCrushAlert is a point-in-time density assessment.
type CrowdCrushAlert struct {
	Detected     bool      `json:"detected"`
	Severity     Severity  `json:"severity"`
	ClosestPeers int       `json:"closest_peers"`
	TotalNearby  int       `json:"total_nearby"`
	Message      string    `json:"message"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// AnchorRecord is the last GPS fix broadcast by a peer.
type AnchorRecord struct {
	PeerID    string    `json:"peer_id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// ProximityReading is a reporter's estimated distance to one anchor.
type ProximityReading struct {
	TargetPeerID string  `json:"target_peer_id"`
	Distance     float64 `json:"distance"`
}

// ProximityReport is the last set of anchor distances submitted by a peer.
type ProximityReport struct {
	PeerID    string             `json:"peer_id"`
	Name      string             `json:"name"`
	Readings  []ProximityReading `json:"readings"`
	Timestamp time.Time          `json:"timestamp"`
}

// PositionSource records how a UserPosition was obtained.
type PositionSource string

const (
	SourceGPS          PositionSource = "gps"
	SourceTriangulated PositionSource = "triangulated"
	SourceEstimated2   PositionSource = "estimated-2"
	SourceEstimated1   PositionSource = "estimated-1"
)

// AnchorRef is an anchor location plus the reporter's distance to it, kept for ring and line rendering.
type AnchorRef struct {
	PeerID    string  `json:"peer_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Distance  float64 `json:"distance"`
}

// UserPosition is a renderable position for one peer.
type UserPosition struct {
	PeerID     string         `json:"peer_id"`
	Name       string         `json:"name"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	Accuracy   float64        `json:"accuracy"`
	Source     PositionSource `json:"source"`
	IsAnchor   bool           `json:"is_anchor"`
	LastUpdate time.Time      `json:"last_update"`
	Anchors    []AnchorRef    `json:"anchors,omitempty"`
}

// ChatMessage is a broadcast chat line, either received or sent locally.
type ChatMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsMe      bool      `json:"is_me"`
	Raw       bool      `json:"raw,omitempty"`
}

// PanicAlert is a participant-raised emergency broadcast.
type PanicAlert struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peer_id"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	IsMe      bool      `json:"is_me"`
}

// Incident is a journaled crowd-crush alert.
type Incident struct {
	EventName    string    `json:"event_name"`
	Severity     Severity  `json:"severity"`
	ClosestPeers int       `json:"closest_peers"`
	TotalNearby  int       `json:"total_nearby"`
	Message      string    `json:"message"`
	DetectedAt   time.Time `json:"detected_at"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	Source  string    `json:"source"`
	Payload string    `json:"payload"`
	Error   string    `json:"error"`
	At      time.Time `json:"at,omitempty"`
}
