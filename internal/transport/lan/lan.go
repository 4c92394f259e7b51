// Package lan is a PeerTransport for devices on the same network. Hosts are
// advertised and discovered over mDNS; each peer link is a websocket carrying
// protocol text frames.
package lan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"crowdlink/go-mesh-node/internal/transport"
)

const (
	ServiceType = "_crowdlink._tcp"
	Domain      = "local."

	linkPath       = "/link"
	sendQueue      = 256
	eventBuffer    = 1024
	writeWait      = 5 * time.Second
	acceptTimeout  = 15 * time.Second
	maxFrameLength = 64 << 10
)

// Config configures a Transport.
type Config struct {
	// ListenAddr is where an advertising node accepts links. Port 0 picks a free port.
	ListenAddr string
	Logger     *slog.Logger
	// SimulatedBase and SimulatedJitter fabricate a strength reading per link when set.
	// Websocket links carry no radio measurement of their own.
	SimulatedBase   int
	SimulatedJitter int
	// DisableMDNS skips service registration and browsing. Peers must then be added with AddPeer.
	DisableMDNS bool
}

type pendingLink struct {
	name   string
	accept chan bool
}

// Transport implements transport.PeerTransport over mDNS and websockets.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	id     string
	name   string

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	events chan transport.Event

	mu       sync.Mutex
	closed   bool
	listener net.Listener
	server   *http.Server
	mdns     *zeroconf.Server
	stopBrow context.CancelFunc
	addrs    map[string]string
	pending  map[string]*pendingLink
	links    map[string]*link
	rng      *rand.Rand
}

var _ transport.PeerTransport = (*Transport)(nil)

// New returns a transport with a fresh local peer id. Nothing is started until Advertise or Discover.
func New(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	return &Transport{
		cfg:    cfg,
		logger: logger,
		id:     uuid.NewString(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer:  &websocket.Dialer{HandshakeTimeout: acceptTimeout + writeWait},
		events:  make(chan transport.Event, eventBuffer),
		addrs:   make(map[string]string),
		pending: make(map[string]*pendingLink),
		links:   make(map[string]*link),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ID returns the local peer id.
func (t *Transport) ID() string { return t.id }

// Addr returns the listening address once advertising.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) emit(ev transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("transport event dropped", "kind", ev.Kind, "peer", ev.PeerID)
	}
}

// Advertise starts the link listener and registers the mDNS service.
func (t *Transport) Advertise(_ context.Context, name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", transport.ErrClosed
	}
	t.name = name
	if t.listener == nil {
		ln, err := net.Listen("tcp", t.cfg.ListenAddr)
		if err != nil {
			return "", fmt.Errorf("listen %s: %w", t.cfg.ListenAddr, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc(linkPath, t.serveLink)
		t.listener = ln
		t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.logger.Error("link listener stopped", "error", err)
			}
		}()
	}

	if t.mdns != nil {
		t.mdns.Shutdown()
		t.mdns = nil
	}
	if t.cfg.DisableMDNS {
		return t.id, nil
	}
	port := t.listener.Addr().(*net.TCPAddr).Port
	txt := []string{"id=" + t.id, "proto=v1", "name=" + name}
	server, err := zeroconf.Register(sanitizeInstance(name), ServiceType, Domain, port, txt, nil)
	if err != nil {
		// Links still work for peers that know the address.
		t.logger.Warn("mDNS registration failed", "error", err)
	} else {
		t.mdns = server
		t.logger.Info("mDNS advertisement started", "instance", sanitizeInstance(name), "port", port)
	}
	return t.id, nil
}

func (t *Transport) StopAdvertise() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mdns != nil {
		t.mdns.Shutdown()
		t.mdns = nil
		t.logger.Info("mDNS advertisement stopped")
	}
	return nil
}

// Discover browses for advertisers until StopDiscover or Close.
func (t *Transport) Discover(ctx context.Context, name string) (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", transport.ErrClosed
	}
	if t.name == "" {
		t.name = name
	}
	if t.stopBrow != nil || t.cfg.DisableMDNS {
		t.mu.Unlock()
		return t.id, nil
	}
	browseCtx, cancel := context.WithCancel(ctx)
	t.stopBrow = cancel
	t.mu.Unlock()

	resolver, err := zeroconf.NewResolver()
	if err != nil {
		cancel()
		t.mu.Lock()
		t.stopBrow = nil
		t.mu.Unlock()
		return "", fmt.Errorf("mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go t.consumeEntries(entries)
	if err := resolver.Browse(browseCtx, ServiceType, Domain, entries); err != nil {
		cancel()
		t.mu.Lock()
		t.stopBrow = nil
		t.mu.Unlock()
		return "", fmt.Errorf("mDNS browse: %w", err)
	}
	return t.id, nil
}

func (t *Transport) consumeEntries(entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		id, name, addr, ok := parseEntry(entry)
		if !ok || id == t.id {
			continue
		}
		if entry.TTL == 0 {
			t.mu.Lock()
			delete(t.addrs, id)
			t.mu.Unlock()
			t.emit(transport.Event{Kind: transport.PeerLost, PeerID: id})
			continue
		}
		t.mu.Lock()
		t.addrs[id] = addr
		t.mu.Unlock()
		t.logger.Debug("mDNS discovered peer", "peer", id, "name", name, "addr", addr)
		t.emit(transport.Event{Kind: transport.PeerFound, PeerID: id, Name: name})
	}
}

func (t *Transport) StopDiscover() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopBrow != nil {
		t.stopBrow()
		t.stopBrow = nil
	}
	return nil
}

// AddPeer records an advertiser address learned out of band.
func (t *Transport) AddPeer(peerID, addr string) {
	t.mu.Lock()
	t.addrs[peerID] = addr
	t.mu.Unlock()
}

// RequestConnection dials the peer in the background. Failure is reported as Disconnected.
func (t *Transport) RequestConnection(peerID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	addr, ok := t.addrs[peerID]
	name := t.name
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("request connection to %s: %w", peerID, transport.ErrUnknownPeer)
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: linkPath}
	q := u.Query()
	q.Set("id", t.id)
	q.Set("name", name)
	u.RawQuery = q.Encode()

	go func() {
		conn, _, err := t.dialer.Dial(u.String(), nil)
		if err != nil {
			t.logger.Warn("link dial failed", "peer", peerID, "error", err)
			t.emit(transport.Event{Kind: transport.Disconnected, PeerID: peerID})
			return
		}
		t.attach(peerID, conn)
	}()
	return nil
}

// serveLink parks an inbound link until the node accepts or rejects the invitation.
func (t *Transport) serveLink(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("id")
	if peerID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	p := &pendingLink{name: r.URL.Query().Get("name"), accept: make(chan bool, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	}
	t.pending[peerID] = p
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.Invitation, PeerID: peerID, Name: p.name})

	var accepted bool
	select {
	case accepted = <-p.accept:
	case <-time.After(acceptTimeout):
	case <-r.Context().Done():
	}

	t.mu.Lock()
	if t.pending[peerID] == p {
		delete(t.pending, peerID)
	}
	t.mu.Unlock()

	if !accepted {
		http.Error(w, "not accepted", http.StatusForbidden)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("link upgrade failed", "peer", peerID, "error", err)
		return
	}
	t.attach(peerID, conn)
}

func (t *Transport) AcceptConnection(peerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[peerID]
	if !ok {
		return fmt.Errorf("accept %s: %w", peerID, transport.ErrUnknownPeer)
	}
	delete(t.pending, peerID)
	p.accept <- true
	return nil
}

func (t *Transport) Disconnect(peerID string) error {
	t.mu.Lock()
	if p, ok := t.pending[peerID]; ok {
		delete(t.pending, peerID)
		p.accept <- false
	}
	l := t.links[peerID]
	t.mu.Unlock()
	if l != nil {
		l.close()
	}
	return nil
}

func (t *Transport) SendText(peerID, text string) error {
	t.mu.Lock()
	l := t.links[peerID]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if l == nil {
		return fmt.Errorf("send to %s: %w", peerID, transport.ErrUnknownPeer)
	}
	return l.enqueue([]byte(text))
}

// SignalStrength returns the simulated reading for a linked peer, if simulation is configured.
func (t *Transport) SignalStrength(peerID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.links[peerID]; !ok || t.cfg.SimulatedBase == 0 {
		return 0, false
	}
	s := t.cfg.SimulatedBase
	if j := t.cfg.SimulatedJitter; j > 0 {
		s += t.rng.Intn(2*j+1) - j
	}
	return s, true
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Close stops advertising and browsing, drops all links and closes the event channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if t.mdns != nil {
		t.mdns.Shutdown()
		t.mdns = nil
	}
	if t.stopBrow != nil {
		t.stopBrow()
		t.stopBrow = nil
	}
	for id, p := range t.pending {
		delete(t.pending, id)
		p.accept <- false
	}
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	server := t.server
	t.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	var err error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err = server.Shutdown(ctx)
		cancel()
	}

	t.mu.Lock()
	t.closed = true
	close(t.events)
	t.mu.Unlock()
	return err
}

type link struct {
	t      *Transport
	peerID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

func (t *Transport) attach(peerID string, conn *websocket.Conn) {
	l := &link{t: t, peerID: peerID, conn: conn, send: make(chan []byte, sendQueue), done: make(chan struct{})}
	conn.SetReadLimit(maxFrameLength)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	old := t.links[peerID]
	t.links[peerID] = l
	t.mu.Unlock()
	if old != nil {
		old.close()
	}

	t.emit(transport.Event{Kind: transport.Connected, PeerID: peerID})
	go l.writePump()
	go l.readPump()
}

func (l *link) enqueue(frame []byte) error {
	select {
	case <-l.done:
		return fmt.Errorf("send to %s: %w", l.peerID, transport.ErrUnknownPeer)
	default:
	}
	select {
	case l.send <- frame:
		return nil
	default:
		return fmt.Errorf("send to %s: %w", l.peerID, transport.ErrBackpressure)
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *link) readPump() {
	defer func() {
		l.close()
		t := l.t
		t.mu.Lock()
		current := t.links[l.peerID] == l
		if current {
			delete(t.links, l.peerID)
		}
		t.mu.Unlock()
		if current {
			t.emit(transport.Event{Kind: transport.Disconnected, PeerID: l.peerID})
		}
	}()
	for {
		kind, frame, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		l.t.emit(transport.Event{Kind: transport.TextReceived, PeerID: l.peerID, Text: string(frame)})
	}
}

func (l *link) writePump() {
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				l.t.logger.Debug("link write failed", "peer", l.peerID, "error", err)
				l.close()
				return
			}
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (id, name, addr string, ok bool) {
	if entry == nil {
		return "", "", "", false
	}
	name = entry.Instance
	for _, kv := range entry.Text {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		switch k {
		case "id":
			id = v
		case "name":
			name = v
		}
	}
	if id == "" {
		return "", "", "", false
	}
	if entry.TTL == 0 {
		return id, name, "", true
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return "", "", "", false
	}
	return id, name, net.JoinHostPort(host, strconv.Itoa(entry.Port)), true
}

func sanitizeInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "CrowdLink Event"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}
