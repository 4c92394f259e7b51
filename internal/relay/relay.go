// Package relay embeds an MQTT broker on the host. It publishes derived room
// state for dashboards and ingests fixed-infrastructure GPS anchors.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"crowdlink/go-mesh-node/internal/model"
	"crowdlink/go-mesh-node/internal/protocol"
)

const maxJournaledPayload = 4096

// ErrNotAnchor is returned for an anchor-topic payload that is not a GPS_ANCHOR.
var ErrNotAnchor = errors.New("payload is not a GPS_ANCHOR message")

// AnchorSink receives decoded fixed anchors.
type AnchorSink interface {
	InjectAnchor(model.AnchorRecord) error
}

// ErrorJournal records payloads that could not be ingested.
type ErrorJournal interface {
	InsertIngestionError(context.Context, model.IngestionError) error
}

// Relay publishes snapshots for one event and feeds anchors into a sink.
type Relay struct {
	logger  *slog.Logger
	broker  *Broker
	event   string
	topics  Topics
	anchors AnchorSink
	journal ErrorJournal
	now     func() time.Time
}

// New builds a relay for event. journal may be nil.
func New(event string, anchors AnchorSink, journal ErrorJournal, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Relay{
		logger:  logger,
		broker:  NewBroker(logger),
		event:   event,
		topics:  EventTopics(event),
		anchors: anchors,
		journal: journal,
		now:     time.Now,
	}
	r.broker.SetPublishHandler(r.handlePublish)
	return r
}

// Start opens the broker listener on bind.
func (r *Relay) Start(bind string) (<-chan error, error) {
	return r.broker.Start(bind)
}

// Stop shuts the broker down.
func (r *Relay) Stop() error {
	return r.broker.Stop()
}

// Addr returns the broker's listening address.
func (r *Relay) Addr() net.Addr {
	return r.broker.Addr()
}

// Topics returns the snapshot topics for this relay's event.
func (r *Relay) Topics() Topics {
	return r.topics
}

// Snapshot is the JSON envelope of every published topic.
type Snapshot[T any] struct {
	Event       string    `json:"event"`
	PublishedAt time.Time `json:"published_at"`
	Data        T         `json:"data"`
}

// PublishAlert publishes the current crowd-crush evaluation.
func (r *Relay) PublishAlert(a model.CrowdCrushAlert) error {
	return publishSnapshot(r, r.topics.Alert, a)
}

// PublishPositions publishes the estimator's position list.
func (r *Relay) PublishPositions(p []model.UserPosition) error {
	if p == nil {
		p = []model.UserPosition{}
	}
	return publishSnapshot(r, r.topics.Positions, p)
}

// PublishRoster publishes the verified peer ids.
func (r *Relay) PublishRoster(peers []string) error {
	if peers == nil {
		peers = []string{}
	}
	return publishSnapshot(r, r.topics.Roster, peers)
}

func publishSnapshot[T any](r *Relay, topic string, data T) error {
	payload, err := json.Marshal(Snapshot[T]{Event: r.event, PublishedAt: r.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if err := r.broker.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (r *Relay) handlePublish(ctx context.Context, msg PublishMessage) {
	if !matchTopic(AnchorFilter, msg.Topic) {
		return
	}
	topicID, _ := anchorIDFromTopic(msg.Topic)

	anchor, err := DecodeAnchor(msg.Payload)
	if err != nil {
		r.logger.Warn("anchor payload rejected", "topic", msg.Topic, "client", msg.ClientID, "error", err)
		r.recordIngestionError(ctx, topicID, msg.Payload, err)
		return
	}
	if err := r.anchors.InjectAnchor(anchor); err != nil {
		r.logger.Warn("anchor not applied", "anchor", anchor.PeerID, "error", err)
		r.recordIngestionError(ctx, anchor.PeerID, msg.Payload, err)
		return
	}
	r.logger.Debug("ingested fixed anchor", "anchor", anchor.PeerID, "lat", anchor.Latitude, "lng", anchor.Longitude)
}

// DecodeAnchor parses a GPS_ANCHOR wire message into an anchor record.
func DecodeAnchor(payload []byte) (model.AnchorRecord, error) {
	msg, err := protocol.Decode(string(payload))
	if err != nil {
		return model.AnchorRecord{}, fmt.Errorf("decode anchor: %w", err)
	}
	a, ok := msg.(protocol.GPSAnchor)
	if !ok {
		return model.AnchorRecord{}, fmt.Errorf("%w: got %s", ErrNotAnchor, msg.Type())
	}
	return model.AnchorRecord{
		PeerID:    a.PeerID,
		Name:      a.Name,
		Latitude:  a.Latitude,
		Longitude: a.Longitude,
		Accuracy:  a.Accuracy,
		Timestamp: a.Timestamp,
	}, nil
}

func (r *Relay) recordIngestionError(ctx context.Context, anchorID string, payload []byte, cause error) {
	if r.journal == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		Source:  "anchor:" + anchorID,
		Payload: truncate(string(payload), maxJournaledPayload),
		Error:   cause.Error(),
		At:      r.now().UTC(),
	}
	if err := r.journal.InsertIngestionError(recCtx, entry); err != nil {
		r.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
