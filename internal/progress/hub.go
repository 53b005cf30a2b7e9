package progress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type string `json:"type"`
	Data Event  `json:"data"`
}

type outbound struct {
	videoID string
	payload []byte
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	videoID string
	send    chan []byte
}

// Hub pushes progress events to websocket subscribers. A subscriber may filter
// to a single video with the videoId query parameter.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	count      atomic.Int64
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewHub builds a hub whose websocket upgrades are admitted by checkOrigin.
// A nil checkOrigin only accepts requests without an Origin header or from the
// same host.
func NewHub(logger *slog.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan outbound, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Run processes registrations and broadcasts until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				_ = c.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second),
				)
				close(c.send)
				delete(h.clients, c)
			}
			h.count.Store(0)
			return
		case c := <-h.register:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("progress subscriber connected", "video_id", c.videoID, "total", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.count.Store(int64(len(h.clients)))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				if c.videoID != "" && c.videoID != msg.videoID {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					close(c.send)
					delete(h.clients, c)
					h.count.Store(int64(len(h.clients)))
				}
			}
		}
	}
}

// Close disconnects every subscriber and stops Run.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Subscribers reports the number of connected websocket clients.
func (h *Hub) Subscribers() int {
	return int(h.count.Load())
}

// Publish implements Sink. It drops the event when nobody listens or the
// broadcast buffer is full.
func (h *Hub) Publish(e Event) {
	if h.count.Load() == 0 {
		return
	}
	payload, err := json.Marshal(wsMessage{Type: "progress", Data: e})
	if err != nil {
		h.logger.Error("marshal progress event", "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{videoID: e.VideoID, payload: payload}:
	default:
	}
}

// ServeHTTP upgrades the request to a websocket subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("progress websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		hub:     h,
		conn:    conn,
		videoID: strings.TrimSpace(r.URL.Query().Get("videoId")),
		send:    make(chan []byte, 32),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
