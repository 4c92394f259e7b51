// Package node owns every piece of per-session state on a device: the host or
// join state machine, the signal tracker, the crowd detector, the position
// estimator and the chat log. Transport events and timer ticks are applied
// under one mutex from short, non-blocking handlers.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"crowdlink/go-mesh-node/internal/chat"
	"crowdlink/go-mesh-node/internal/model"
	"crowdlink/go-mesh-node/internal/position"
	"crowdlink/go-mesh-node/internal/proximity"
	"crowdlink/go-mesh-node/internal/session"
	"crowdlink/go-mesh-node/internal/transport"
)

// Role selects which state machine a node runs.
type Role string

const (
	RoleHost Role = "host"
	RoleJoin Role = "join"
)

var (
	ErrNotStarted    = errors.New("node not started")
	ErrStarted       = errors.New("node already started")
	ErrWrongRole     = errors.New("operation not available in this role")
	ErrNotInSession  = errors.New("not in a session")
	ErrEmptyMessage  = errors.New("empty message")
	ErrNoFix         = errors.New("no GPS fix available")
	ErrConnectFailed = errors.New("transport connection failed")
	ErrInvalidAnchor = errors.New("invalid anchor")
	ErrUnknownRole   = errors.New("unknown role")
)

// Config tunes a node. Zero durations use the defaults below.
type Config struct {
	Role       Role
	DeviceName string
	EventName  string
	EventCode  string

	Tracker  proximity.TrackerConfig
	Detector proximity.DetectorConfig
	Position position.Config

	SignalSampleInterval    time.Duration
	SignalBroadcastInterval time.Duration
	CrowdTick               time.Duration
	AnchorInterval          time.Duration
	ReportInterval          time.Duration

	TxPower          int
	PathLossExponent float64
	ChatLimit        int
}

const (
	DefaultSignalSampleInterval    = time.Second
	DefaultSignalBroadcastInterval = 2 * time.Second
	DefaultAnchorInterval          = 5 * time.Second
	DefaultReportInterval          = 3 * time.Second
)

func (c Config) withDefaults() Config {
	if c.SignalSampleInterval <= 0 {
		c.SignalSampleInterval = DefaultSignalSampleInterval
	}
	if c.SignalBroadcastInterval <= 0 {
		c.SignalBroadcastInterval = DefaultSignalBroadcastInterval
	}
	if c.CrowdTick <= 0 {
		c.CrowdTick = proximity.DefaultEvaluateInterval
	}
	if c.AnchorInterval <= 0 {
		c.AnchorInterval = DefaultAnchorInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.TxPower == 0 {
		c.TxPower = proximity.DefaultTxPower
	}
	if c.PathLossExponent <= 0 {
		c.PathLossExponent = proximity.DefaultPathLossExponent
	}
	return c
}

// Hooks observe derived state. They run after the node lock is released, in
// the order the changes happened, and may call back into the node.
type Hooks struct {
	Alert     func(model.CrowdCrushAlert)
	Panic     func(model.PanicAlert)
	Positions func([]model.UserPosition)
	Roster    func([]string)
	Session   func(session.Notice)
}

// Fix is a GPS reading from the device's location service.
type Fix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// Status summarizes the node for status endpoints.
type Status struct {
	PeerID        string            `json:"peer_id"`
	Role          Role              `json:"role"`
	DeviceName    string            `json:"device_name"`
	EventName     string            `json:"event_name,omitempty"`
	HostState     session.HostState `json:"host_state,omitempty"`
	JoinState     session.JoinState `json:"join_state,omitempty"`
	HostID        string            `json:"host_id,omitempty"`
	InSession     bool              `json:"in_session"`
	Participating bool              `json:"participating"`
	SharingGPS    bool              `json:"sharing_gps"`
}

// Node is the single owner of a device's session state.
type Node struct {
	cfg    Config
	logger *slog.Logger
	tr     transport.PeerTransport
	hooks  Hooks
	now    func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	baseCtx context.Context
	selfID  string

	host      *session.Host
	join      *session.Join
	directory *session.Directory
	tracker   *proximity.Tracker
	detector  *proximity.Detector
	estimator *position.Estimator
	chat      *chat.Log

	peerStrengths map[string]int
	// linkStrengths holds readings this device measured itself, keyed by linked peer.
	linkStrengths map[string]int
	participating bool
	sharingGPS    bool
	fix           *Fix

	generation  uint64
	cancelTasks context.CancelFunc
	wg          sync.WaitGroup

	roster         []string
	positionsDirty bool
	pending        []func()
}

// New builds a node over tr. Call Start, then Run.
func New(cfg Config, tr transport.PeerTransport, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	return &Node{
		cfg:           cfg,
		logger:        logger,
		tr:            tr,
		now:           time.Now,
		directory:     session.NewDirectory(),
		tracker:       proximity.NewTracker(cfg.Tracker),
		detector:      proximity.NewDetector(cfg.Detector),
		estimator:     position.NewEstimator(cfg.Position),
		chat:          chat.New(cfg.ChatLimit),
		peerStrengths: make(map[string]int),
		linkStrengths: make(map[string]int),
	}
}

// SetHooks installs observers. It must be called before Start.
func (n *Node) SetHooks(h Hooks) {
	n.mu.Lock()
	n.hooks = h
	n.mu.Unlock()
}

// do runs fn under the lock, then flushes queued hook calls outside it.
func (n *Node) do(fn func()) {
	n.mu.Lock()
	fn()
	n.flushLocked()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, f := range pending {
		f()
	}
}

func (n *Node) doErr(fn func() error) error {
	var err error
	n.do(func() { err = fn() })
	return err
}

func (n *Node) flushLocked() {
	if n.positionsDirty {
		n.positionsDirty = false
		if h := n.hooks.Positions; h != nil {
			snapshot := n.estimator.Positions()
			n.pending = append(n.pending, func() { h(snapshot) })
		}
	}
	roster := n.verifiedLocked()
	if !slices.Equal(roster, n.roster) {
		n.roster = roster
		if h := n.hooks.Roster; h != nil {
			snapshot := slices.Clone(roster)
			n.pending = append(n.pending, func() { h(snapshot) })
		}
	}
}

func (n *Node) queue(f func()) {
	n.pending = append(n.pending, f)
}

// Start advertises (host) or begins discovery (join). A host's periodic tasks
// start immediately; a joiner's start once it is admitted to a room.
func (n *Node) Start(ctx context.Context) error {
	return n.doErr(func() error {
		if n.started {
			return ErrStarted
		}
		n.baseCtx = ctx
		switch n.cfg.Role {
		case RoleHost:
			id, err := n.tr.Advertise(ctx, n.cfg.EventName)
			if err != nil {
				return fmt.Errorf("advertise %q: %w", n.cfg.EventName, err)
			}
			n.selfID = id
			n.host = session.NewHost(n.cfg.EventCode)
			n.logger.Info("hosting event", "event", n.cfg.EventName, "peer", id)
			n.startTasksLocked()
		case RoleJoin:
			id, err := n.tr.Discover(ctx, n.cfg.DeviceName)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			n.selfID = id
			n.join = session.NewJoin()
			n.logger.Info("discovering events", "peer", id)
		default:
			return fmt.Errorf("role %q: %w", n.cfg.Role, ErrUnknownRole)
		}
		n.started = true
		return nil
	})
}

// Run applies transport events until ctx is done or the event channel closes.
func (n *Node) Run(ctx context.Context) error {
	events := n.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.handleEvent(ev)
		}
	}
}

// Close stops the periodic tasks and waits for them to exit.
func (n *Node) Close() {
	n.mu.Lock()
	n.closed = true
	n.stopTasksLocked()
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Node) inSessionLocked() bool {
	switch {
	case n.host != nil:
		return n.host.State() == session.HostAdvertising
	case n.join != nil:
		return n.join.InRoom()
	}
	return false
}

func (n *Node) verifiedLocked() []string {
	if n.host == nil {
		return nil
	}
	return n.host.VerifiedPeers()
}

// SelfID returns the local peer id, empty before Start.
func (n *Node) SelfID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selfID
}

// VerifiedPeers is the host's room roster. Joiners have none.
func (n *Node) VerifiedPeers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.verifiedLocked()
}

// Records returns the host's connection records.
func (n *Node) Records() []model.ConnectionRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.host == nil {
		return nil
	}
	return n.host.Records()
}

// JoinState returns the join state machine's state, or IDLE for a host.
func (n *Node) JoinState() session.JoinState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.join == nil {
		return session.JoinIdle
	}
	return n.join.State()
}

// DiscoveredHosts returns the hosts seen during discovery.
func (n *Node) DiscoveredHosts() []session.DiscoveredHost {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.directory.Hosts()
}

// CurrentAlert returns the last crowd-crush evaluation.
func (n *Node) CurrentAlert() model.CrowdCrushAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.detector.Current()
}

// CurrentPositions returns every known position sorted by peer id.
func (n *Node) CurrentPositions() []model.UserPosition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.estimator.Positions()
}

// Histories returns the signal histories sorted by peer id.
func (n *Node) Histories() []model.PeerSignalHistory {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tracker.Histories()
}

// PeerStrengths returns the strength map last received from the host, or the host's own map.
func (n *Node) PeerStrengths() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.host != nil {
		return n.host.Strengths()
	}
	out := make(map[string]int, len(n.peerStrengths))
	for k, v := range n.peerStrengths {
		out[k] = v
	}
	return out
}

// Messages returns the chat log.
func (n *Node) Messages() []model.ChatMessage {
	return n.chat.Messages()
}

// Panics returns the panic log.
func (n *Node) Panics() []model.PanicAlert {
	return n.chat.Panics()
}

// Status summarizes the node.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := Status{
		PeerID:        n.selfID,
		Role:          n.cfg.Role,
		DeviceName:    n.cfg.DeviceName,
		EventName:     n.cfg.EventName,
		InSession:     n.inSessionLocked(),
		Participating: n.participating,
		SharingGPS:    n.sharingGPS,
	}
	if n.host != nil {
		st.HostState = n.host.State()
	}
	if n.join != nil {
		st.JoinState = n.join.State()
		st.HostID = n.join.HostID()
	}
	return st
}
