package bus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsFrame is the wire format between WSBus clients and a WSHub.
type wsFrame struct {
	Subject string `json:"subject"`
	Data    []byte `json:"data"`
}

// WebSocketConfig holds WebSocket hub/client configuration.
type WebSocketConfig struct {
	Config // Embed base config

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming frame size.
	MaxMessageSize int64

	// HandshakeTimeout bounds the client dial.
	HandshakeTimeout time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:           DefaultConfig(),
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1024 * 1024, // 1MB
		HandshakeTimeout: 5 * time.Second,
	}
}

// --- Hub ---

// WSHub relays every frame it receives to every connected client,
// including the sender. Frames from one connection are relayed in the
// order they were read.
type WSHub struct {
	config   WebSocketConfig
	upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[*hubPeer]struct{}
	closed bool
}

type hubPeer struct {
	conn  *websocket.Conn
	queue *msgQueue
}

// NewWSHub creates a relay hub. Mount it as an http.Handler.
func NewWSHub(cfg WebSocketConfig) *WSHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultWebSocketConfig().MaxMessageSize
	}

	return &WSHub{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
		},
		peers: make(map[*hubPeer]struct{}),
	}
}

// ServeHTTP upgrades the connection and relays frames until it drops.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(h.config.MaxMessageSize)

	peer := &hubPeer{conn: conn, queue: newMsgQueue(h.config.BufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.peers[peer] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(peer)
	h.readLoop(peer)
}

// readLoop relays inbound frames to all peers.
func (h *WSHub) readLoop(peer *hubPeer) {
	defer h.drop(peer)

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}

		h.mu.Lock()
		for p := range h.peers {
			p.queue.push(&Message{Data: data})
		}
		h.mu.Unlock()
	}
}

// writeLoop forwards queued frames to a peer.
func (h *WSHub) writeLoop(peer *hubPeer) {
	for msg := range peer.queue.out {
		if h.config.WriteTimeout > 0 {
			peer.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
		}
		if err := peer.conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
			h.drop(peer)
			return
		}
	}
}

func (h *WSHub) drop(peer *hubPeer) {
	h.mu.Lock()
	_, ok := h.peers[peer]
	delete(h.peers, peer)
	h.mu.Unlock()

	if ok {
		peer.queue.close()
		peer.conn.Close()
	}
}

// Peers returns the number of connected clients.
func (h *WSHub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close disconnects every client.
func (h *WSHub) Close() error {
	h.mu.Lock()
	h.closed = true
	peers := make([]*hubPeer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		h.drop(p)
	}
	return nil
}

// --- Client ---

// WSBus implements MessageBus as a client of a WSHub.
// Subject filtering happens client-side.
type WSBus struct {
	conn   *websocket.Conn
	config WebSocketConfig

	writeMu sync.Mutex
	mu      sync.RWMutex
	subs    map[string][]*wsSub
	closed  atomic.Bool
	done    chan struct{}
}

type wsSub struct {
	subject string
	queue   *msgQueue
	closed  atomic.Bool
	bus     *WSBus
}

// DialWSBus connects to a hub at url (ws:// or wss://).
func DialWSBus(url string, cfg WebSocketConfig) (*WSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultWebSocketConfig().MaxMessageSize
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(cfg.MaxMessageSize)

	b := &WSBus{
		conn:   conn,
		config: cfg,
		subs:   make(map[string][]*wsSub),
		done:   make(chan struct{}),
	}
	go b.readLoop()

	return b, nil
}

// Publish sends a frame to the hub, which relays it to every client.
func (b *WSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	frame, err := json.Marshal(wsFrame{Subject: subject, Data: data})
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if b.config.WriteTimeout > 0 {
		b.conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if b.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("websocket publish: %w", err)
	}
	return nil
}

// Subscribe creates a subscription to a subject.
func (b *WSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &wsSub{
		subject: subject,
		queue:   newMsgQueue(b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// readLoop dispatches relayed frames to matching subscriptions.
func (b *WSBus) readLoop() {
	defer close(b.done)
	defer b.closeSubs()

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // Skip malformed frames
		}

		b.mu.RLock()
		subs := b.subs[frame.Subject]
		b.mu.RUnlock()

		for _, sub := range subs {
			if !sub.closed.Load() {
				sub.queue.push(&Message{Subject: frame.Subject, Data: frame.Data})
			}
		}
	}
}

func (b *WSBus) closeSubs() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.closed.Swap(true) {
				sub.queue.close()
			}
		}
	}
	b.subs = make(map[string][]*wsSub)
}

// Close disconnects from the hub.
func (b *WSBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.writeMu.Lock()
	b.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	b.writeMu.Unlock()

	err := b.conn.Close()
	<-b.done
	return err
}

// Messages returns the message channel.
func (s *wsSub) Messages() <-chan *Message {
	return s.queue.out
}

// Unsubscribe cancels the subscription.
func (s *wsSub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.mu.Lock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.queue.close()
	return nil
}
