package stream

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SocketConfig tunes client sockets.
type SocketConfig struct {
	SendQueue      int           // frames buffered per client before it counts as slow
	WriteTimeout   time.Duration // per-frame write deadline
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	AllowedOrigins []string // empty allows any origin
}

// DefaultSocketConfig is used for zero fields.
var DefaultSocketConfig = SocketConfig{
	SendQueue:      256,
	WriteTimeout:   10 * time.Second,
	PingInterval:   30 * time.Second,
	PongTimeout:    10 * time.Second,
	MaxMessageSize: 64 << 10,
}

func (c SocketConfig) withDefaults() SocketConfig {
	d := DefaultSocketConfig
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// SocketHandler upgrades HTTP requests to websockets and registers each
// socket as a client. Rooms lists rooms the client joins on connect; Ack is
// the event type confirming them.
type SocketHandler struct {
	d        *Dispatcher
	cfg      SocketConfig
	rooms    []string
	ack      string
	upgrader websocket.Upgrader
}

// NewSocketHandler creates a websocket endpoint.
func NewSocketHandler(d *Dispatcher, cfg SocketConfig, rooms []string, ack string) *SocketHandler {
	cfg = cfg.withDefaults()
	return &SocketHandler{
		d:     d,
		cfg:   cfg,
		rooms: slices.Clone(rooms),
		ack:   ack,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// clientID returns the requested client_id or a fresh one.
func clientID(r *http.Request) string {
	if id := r.URL.Query().Get("client_id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if _, ok := h.d.reg.Get(id); ok {
		http.Error(w, "client id in use", http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	c := newSocketClient(conn, h.cfg)
	if _, err := h.d.reg.Connect(id, c); err != nil {
		log.Warnf("register %s: %v", id, err)
		c.Close()
		conn.Close()
		return
	}
	go c.writePump(func() { h.d.reg.Disconnect(id) })
	defer h.d.reg.Disconnect(id)

	if !h.d.Welcome(id) {
		return
	}
	if len(h.rooms) > 0 {
		if err := h.d.AutoJoin(id, h.rooms, h.ack); err != nil {
			log.Infof("auto-join %s: %v", id, err)
			return
		}
	}
	c.readPump(func(msg []byte) { h.d.HandleMessage(id, msg) })
}

// socketClient is a Sender over a websocket. Frames are queued and written
// by a single writer goroutine.
type socketClient struct {
	conn *websocket.Conn
	cfg  SocketConfig

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSocketClient(conn *websocket.Conn, cfg SocketConfig) *socketClient {
	return &socketClient{
		conn: conn,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendQueue),
		done: make(chan struct{}),
	}
}

var errSocketClosed = errors.New("socket closed")

func (c *socketClient) Send(frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, errSocketClosed)
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", ErrDeliveryFailure)
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
func (c *socketClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *socketClient) writePump(onFail func()) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debugf("websocket write: %v", err)
				onFail()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debugf("websocket ping: %v", err)
				onFail()
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

func (c *socketClient) readPump(handle func([]byte)) {
	wait := c.cfg.PingInterval + c.cfg.PongTimeout
	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("websocket read: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wait))
		handle(msg)
	}
}
