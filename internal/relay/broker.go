package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const writeWait = 5 * time.Second

// PublishMessage is a QoS 0 publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish.
type Handler func(context.Context, PublishMessage)

type client struct {
	conn    net.Conn
	reader  *bufio.Reader
	id      string
	writeMu sync.Mutex
	closed  atomic.Bool

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newClient(conn net.Conn) *client {
	return &client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (c *client) wants(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for f := range c.filters {
		if matchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (c *client) subscribe(filter string) {
	c.subMu.Lock()
	c.filters[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *client) unsubscribe(filter string) {
	c.subMu.Lock()
	delete(c.filters, filter)
	c.subMu.Unlock()
}

func (c *client) write(b []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := c.conn.Write(b)
	return err
}

// Broker is a small MQTT 3.1.1 broker with QoS 0 publish and wildcard subscribe.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// NewBroker constructs a broker that logs to logger.
func NewBroker(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, clients: make(map[*client]struct{})}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start listens on bind. The returned channel is closed when the accept loop
// ends; a fatal accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt relay listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			c := newClient(conn)
			if !b.addClient(c) {
				_ = conn.Close()
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(c)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every client connection, then waits for them.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for c := range b.clients {
		c.closed.Store(true)
		_ = c.conn.Close()
	}
	b.clients = make(map[*client]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each client publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish sends payload to every client with a matching subscription.
func (b *Broker) Publish(topic string, payload []byte) error {
	return b.fanOut(topic, payload, nil)
}

func (b *Broker) fanOut(topic string, payload []byte, exclude *client) error {
	pkt, err := encodePublish(topic, payload)
	if err != nil {
		return err
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	for c := range b.clients {
		if c == exclude || !c.wants(topic) {
			continue
		}
		if err := c.write(pkt); err != nil {
			b.logger.Warn("publish to subscriber failed", "client", c.id, "topic", topic, "error", err)
		}
	}
	return nil
}

func (b *Broker) addClient(c *client) bool {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	if b.shuttingDown.Load() {
		return false
	}
	b.clients[c] = struct{}{}
	return true
}

func (b *Broker) removeClient(c *client) {
	b.clientsMu.Lock()
	delete(b.clients, c)
	b.clientsMu.Unlock()
}

func (b *Broker) serve(c *client) {
	defer func() {
		c.closed.Store(true)
		b.removeClient(c)
		_ = c.conn.Close()
	}()

	ctx := context.Background()
	var keepAlive time.Duration
	connected := false

	for {
		if keepAlive > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(keepAlive * 3 / 2))
		}
		p, err := readPacket(c.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read packet failed", "client", c.id, "error", err)
			}
			return
		}

		if !connected && p.kind() != packetConnect {
			b.logger.Debug("packet before connect", "type", p.kind())
			return
		}

		switch p.kind() {
		case packetConnect:
			if connected {
				b.logger.Debug("second connect", "client", c.id)
				return
			}
			info, err := parseConnect(p.body)
			if err != nil {
				b.logger.Debug("handle connect failed", "error", err)
				return
			}
			c.id = info.clientID
			if c.id == "" {
				c.id = fmt.Sprintf("anon-%d", time.Now().UnixNano())
			}
			keepAlive = time.Duration(info.keepAlive) * time.Second
			if err := c.write([]byte{packetConnAck << 4, 0x02, 0x00, 0x00}); err != nil {
				b.logger.Debug("write connack failed", "error", err)
				return
			}
			connected = true
			b.logger.Debug("mqtt client connected", "client", c.id)
		case packetPublish:
			topic, payload, err := parsePublish(p)
			if err != nil {
				b.logger.Debug("parse publish failed", "client", c.id, "error", err)
				return
			}
			msg := PublishMessage{ClientID: c.id, Topic: topic, Payload: payload}
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, ctx, msg, b.logger)
			}
			_ = b.fanOut(topic, payload, c)
		case packetSubscribe:
			if err := b.handleSubscribe(c, p.body); err != nil {
				b.logger.Debug("handle subscribe failed", "client", c.id, "error", err)
				return
			}
		case packetUnsubscribe:
			id, filters, err := parseUnsubscribe(p.body)
			if err != nil {
				b.logger.Debug("handle unsubscribe failed", "client", c.id, "error", err)
				return
			}
			for _, f := range filters {
				c.unsubscribe(f)
			}
			if err := c.write(encodeAck(packetUnsubAck, id, nil)); err != nil {
				return
			}
		case packetPingReq:
			if err := c.write([]byte{packetPingResp << 4, 0x00}); err != nil {
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", p.kind())
			return
		}
	}
}

// handleSubscribe grants QoS 0 for every valid filter and rejects the rest.
func (b *Broker) handleSubscribe(c *client, body []byte) error {
	id, subs, err := parseSubscribe(body)
	if err != nil {
		return err
	}
	codes := make([]byte, 0, len(subs))
	for _, s := range subs {
		if err := validateFilter(s.filter); err != nil {
			b.logger.Debug("rejecting subscription", "client", c.id, "error", err)
			codes = append(codes, subAckFailure)
			continue
		}
		c.subscribe(s.filter)
		codes = append(codes, 0x00)
	}
	return c.write(encodeAck(packetSubAck, id, codes))
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}
