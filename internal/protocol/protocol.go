// Package protocol encodes the application messages exchanged between peers
// over the transport's text channel. Every message is a JSON object
// discriminated by its "type" field; text that is not such an object is chat.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeJoinRequest     Type = "JOIN_REQUEST"
	TypeJoinAccepted    Type = "JOIN_ACCEPTED"
	TypeJoinRejected    Type = "JOIN_REJECTED"
	TypeRoomClosed      Type = "ROOM_CLOSED"
	TypeSignalUpdate    Type = "SIGNAL_UPDATE"
	TypeSignalBroadcast Type = "SIGNAL_BROADCAST"
	TypeGPSAnchor       Type = "GPS_ANCHOR"
	TypeProximityReport Type = "PROXIMITY_REPORT"
	TypeChat            Type = "CHAT"
	TypePanic           Type = "PANIC"
)

var (
	// ErrNotProtocol marks text that carries no known type tag. Callers treat it as raw chat.
	ErrNotProtocol = errors.New("not a protocol message")
	// ErrMalformed marks a tagged message whose body is invalid.
	ErrMalformed = errors.New("malformed protocol message")
)

// Message is implemented by every application message.
type Message interface {
	Type() Type
}

type JoinRequest struct {
	EventCode string `json:"eventCode"`
}

type JoinAccepted struct{}

type JoinRejected struct {
	Reason string `json:"reason"`
}

type RoomClosed struct{}

// SignalUpdate reports the strength observed for PeerID, which is not necessarily the sender.
type SignalUpdate struct {
	PeerID   string `json:"peerId"`
	Strength int    `json:"strength"`
}

// SignalBroadcast carries the host's aggregated strength map.
type SignalBroadcast struct {
	Strengths map[string]int `json:"strengths"`
}

type GPSAnchor struct {
	PeerID    string    `json:"peerId"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

type Reading struct {
	TargetPeerID string  `json:"targetPeerId"`
	Distance     float64 `json:"distance"`
}

type ProximityReport struct {
	PeerID    string    `json:"peerId"`
	Name      string    `json:"name"`
	Readings  []Reading `json:"readings"`
	Timestamp time.Time `json:"timestamp"`
}

type Chat struct {
	PeerID    string    `json:"peerId"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Panic struct {
	PeerID    string    `json:"peerId"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (JoinRequest) Type() Type     { return TypeJoinRequest }
func (JoinAccepted) Type() Type    { return TypeJoinAccepted }
func (JoinRejected) Type() Type    { return TypeJoinRejected }
func (RoomClosed) Type() Type      { return TypeRoomClosed }
func (SignalUpdate) Type() Type    { return TypeSignalUpdate }
func (SignalBroadcast) Type() Type { return TypeSignalBroadcast }
func (GPSAnchor) Type() Type       { return TypeGPSAnchor }
func (ProximityReport) Type() Type { return TypeProximityReport }
func (Chat) Type() Type            { return TypeChat }
func (Panic) Type() Type           { return TypePanic }

// Encode renders msg as a JSON object with "type" as its first field.
func Encode(msg Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("encode: nil message")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return "", fmt.Errorf("encode %s: body is not an object", msg.Type())
	}

	tag, err := json.Marshal(string(msg.Type()))
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", msg.Type(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.String(), nil
}

// MustEncode is Encode for messages built from trusted values.
func MustEncode(msg Message) string {
	s, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode parses text into a typed message. It returns ErrNotProtocol when the
// text is not a tagged object and ErrMalformed when a known tag has an invalid body.
func Decode(text string) (Message, error) {
	data := bytes.TrimSpace([]byte(text))
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrNotProtocol
	}

	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, ErrNotProtocol
	}

	var msg Message
	switch envelope.Type {
	case TypeJoinRequest:
		m, err := decodeInto[JoinRequest](data)
		if err != nil {
			return nil, err
		}
		msg = m
	case TypeJoinAccepted:
		msg = JoinAccepted{}
	case TypeJoinRejected:
		m, err := decodeInto[JoinRejected](data)
		if err != nil {
			return nil, err
		}
		msg = m
	case TypeRoomClosed:
		msg = RoomClosed{}
	case TypeSignalUpdate:
		m, err := decodeInto[SignalUpdate](data)
		if err != nil {
			return nil, err
		}
		if m.PeerID == "" {
			return nil, fmt.Errorf("%w: %s missing peerId", ErrMalformed, envelope.Type)
		}
		msg = m
	case TypeSignalBroadcast:
		m, err := decodeInto[SignalBroadcast](data)
		if err != nil {
			return nil, err
		}
		if m.Strengths == nil {
			m.Strengths = map[string]int{}
		}
		msg = m
	case TypeGPSAnchor:
		m, err := decodeInto[GPSAnchor](data)
		if err != nil {
			return nil, err
		}
		if err := validateAnchor(m); err != nil {
			return nil, err
		}
		msg = m
	case TypeProximityReport:
		m, err := decodeInto[ProximityReport](data)
		if err != nil {
			return nil, err
		}
		if err := validateReport(m); err != nil {
			return nil, err
		}
		msg = m
	case TypeChat:
		m, err := decodeInto[Chat](data)
		if err != nil {
			return nil, err
		}
		msg = m
	case TypePanic:
		m, err := decodeInto[Panic](data)
		if err != nil {
			return nil, err
		}
		if m.PeerID == "" {
			return nil, fmt.Errorf("%w: %s missing peerId", ErrMalformed, envelope.Type)
		}
		msg = m
	default:
		return nil, ErrNotProtocol
	}

	return msg, nil
}

func decodeInto[T Message](data []byte) (T, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Type(), err)
	}
	return m, nil
}

func validateAnchor(m GPSAnchor) error {
	switch {
	case m.PeerID == "":
		return fmt.Errorf("%w: GPS_ANCHOR missing peerId", ErrMalformed)
	case !finite(m.Latitude) || m.Latitude < -90 || m.Latitude > 90:
		return fmt.Errorf("%w: GPS_ANCHOR latitude %v out of range", ErrMalformed, m.Latitude)
	case !finite(m.Longitude) || m.Longitude < -180 || m.Longitude > 180:
		return fmt.Errorf("%w: GPS_ANCHOR longitude %v out of range", ErrMalformed, m.Longitude)
	case !finite(m.Accuracy) || m.Accuracy < 0:
		return fmt.Errorf("%w: GPS_ANCHOR accuracy %v invalid", ErrMalformed, m.Accuracy)
	}
	return nil
}

func validateReport(m ProximityReport) error {
	if m.PeerID == "" {
		return fmt.Errorf("%w: PROXIMITY_REPORT missing peerId", ErrMalformed)
	}
	for _, r := range m.Readings {
		if r.TargetPeerID == "" {
			return fmt.Errorf("%w: PROXIMITY_REPORT reading missing targetPeerId", ErrMalformed)
		}
		if !finite(r.Distance) || r.Distance < 0 {
			return fmt.Errorf("%w: PROXIMITY_REPORT distance %v invalid", ErrMalformed, r.Distance)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
