package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"crowdlink/go-mesh-node/internal/config"
	"crowdlink/go-mesh-node/internal/model"
	"crowdlink/go-mesh-node/internal/node"
	"crowdlink/go-mesh-node/internal/position"
	"crowdlink/go-mesh-node/internal/proximity"
	"crowdlink/go-mesh-node/internal/relay"
	"crowdlink/go-mesh-node/internal/session"
	"crowdlink/go-mesh-node/internal/store"
	"crowdlink/go-mesh-node/internal/transport/lan"
)

const autoJoinInterval = time.Second

// App wires the node to its transport, relay, journal and HTTP API and
// manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	relay  *relay.Relay
	node   *node.Node

	mu           sync.Mutex
	lastSeverity model.Severity
	staticPeers  map[string]struct{}

	autoJoinDone atomic.Bool
	ready        atomic.Bool
}

// New constructs a new application instance. Log lines carry the node's role and device name.
func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("role", cfg.Node.Role, "device", cfg.Node.DeviceName)
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db
	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()
	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	tr := lan.New(lan.Config{
		ListenAddr:      a.cfg.LAN.ListenAddr,
		Logger:          a.logger.With("component", "lan"),
		SimulatedBase:   a.cfg.LAN.SimulatedBase,
		SimulatedJitter: a.cfg.LAN.SimulatedJitter,
		DisableMDNS:     a.cfg.LAN.DisableMDNS,
	})
	defer func() {
		if cerr := tr.Close(); cerr != nil {
			a.logger.Error("close transport", "error", cerr)
		}
	}()
	peers, err := a.cfg.StaticPeers()
	if err != nil {
		return err
	}
	a.staticPeers = make(map[string]struct{}, len(peers))
	for _, p := range peers {
		tr.AddPeer(p.ID, p.Addr)
		a.staticPeers[p.ID] = struct{}{}
	}

	a.attach(node.New(nodeConfig(a.cfg), tr, a.logger.With("component", "node")))
	defer a.node.Close()

	var relayErrCh <-chan error
	if a.cfg.Node.Role == string(node.RoleHost) && a.cfg.Server.MQTTBind != "" {
		a.relay = relay.New(a.cfg.Node.EventName, a.node, a.store, a.logger.With("component", "relay"))
		relayErrCh, err = a.relay.Start(a.cfg.Server.MQTTBind)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.relay.Stop(); err != nil {
				a.logger.Error("stop relay", "error", err)
			}
			a.logger.Info("mqtt relay stopped")
		}()
	}

	if err := a.node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	nodeErrCh := make(chan error, 1)
	go func() { nodeErrCh <- a.node.Run(ctx) }()

	if err := a.applyStaticFix(); err != nil {
		return err
	}
	if a.cfg.Node.Role == string(node.RoleHost) {
		a.applyLocationPrefs()
	}
	if a.cfg.Node.Role == string(node.RoleJoin) && a.cfg.Node.HostID != "" {
		go a.autoJoin(ctx, a.cfg.Node.HostID)
	}
	a.ready.Store(true)

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.ready.Store(false)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")
			return nil
		case err := <-httpErrCh:
			return err
		case err := <-nodeErrCh:
			if ctx.Err() != nil {
				continue
			}
			_ = httpServer.Shutdown(context.Background())
			if err == nil {
				err = errors.New("transport event stream closed")
			}
			return err
		case err, ok := <-relayErrCh:
			if !ok {
				relayErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				return err
			}
		}
	}
}

// attach installs n and the hooks that fan its state out to the relay and journal.
func (a *App) attach(n *node.Node) {
	a.node = n
	n.SetHooks(node.Hooks{
		Alert:     a.onAlert,
		Panic:     a.onPanic,
		Positions: a.onPositions,
		Roster:    a.onRoster,
		Session:   a.onSession,
	})
}

func nodeConfig(c config.Config) node.Config {
	threshold := c.Crowd.NearbyThreshold
	if threshold == 0 {
		threshold = proximity.DefaultNearbyThreshold
	}
	return node.Config{
		Role:       node.Role(c.Node.Role),
		DeviceName: c.Node.DeviceName,
		EventName:  c.Node.EventName,
		EventCode:  c.Node.EventCode,
		Tracker: proximity.TrackerConfig{
			Window:         c.Crowd.Window,
			ClosingInDelta: c.Crowd.ClosingInDelta,
		},
		Detector: proximity.DetectorConfig{
			NearbyThreshold:  threshold,
			HighProportion:   c.Crowd.HighProportion,
			MediumProportion: c.Crowd.MediumProportion,
		},
		Position:                position.Config{StaleAfter: c.Timing.AnchorTTL},
		SignalSampleInterval:    c.Timing.SignalSample,
		SignalBroadcastInterval: c.Timing.SignalBroadcast,
		CrowdTick:               c.Crowd.Tick,
		AnchorInterval:          c.Timing.AnchorBroadcast,
		ReportInterval:          c.Timing.ProximityReport,
	}
}

func (a *App) applyStaticFix() error {
	if !a.cfg.GPS.HasFix() {
		return nil
	}
	fix := node.Fix{
		Latitude:  *a.cfg.GPS.Latitude,
		Longitude: *a.cfg.GPS.Longitude,
		Accuracy:  a.cfg.GPS.Accuracy,
	}
	if err := a.node.UpdateFix(fix); err != nil {
		return fmt.Errorf("static gps fix: %w", err)
	}
	return nil
}

// applyLocationPrefs turns on sharing or participation once a session exists.
func (a *App) applyLocationPrefs() {
	var err error
	switch {
	case a.cfg.GPS.Share:
		err = a.node.StartSharingGPS()
	case a.cfg.GPS.Participate:
		err = a.node.StartParticipating()
	}
	if err != nil {
		a.logger.Warn("location preference not applied", "error", err)
	}
}

// autoJoin requests hostID once it has been discovered and keeps retrying
// after disconnects until a rejection or shutdown.
func (a *App) autoJoin(ctx context.Context, hostID string) {
	ticker := time.NewTicker(autoJoinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.autoJoinDone.Load() {
			return
		}
		if !a.discovered(hostID) {
			continue
		}
		if a.node.JoinState() != session.JoinIdle {
			continue
		}
		a.logger.Info("joining configured host", "host", hostID)
		if err := a.node.JoinHost(hostID, a.cfg.Node.EventCode); err != nil {
			a.logger.Warn("auto-join failed", "host", hostID, "error", err)
		}
	}
}

func (a *App) discovered(hostID string) bool {
	if _, ok := a.staticPeers[hostID]; ok {
		return true
	}
	for _, h := range a.node.DiscoveredHosts() {
		if h.PeerID == hostID {
			return true
		}
	}
	return false
}
