package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/phisync/internal/diagnostics"
)

const (
	// DefaultMaxClients caps concurrent diagnostics websocket clients.
	DefaultMaxClients = 5

	writeWait  = 2 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub streams diagnostics frames as JSON text messages to websocket clients.
// It is a diagnostics.Sink.
type Hub struct {
	frames   *Broadcaster[[]byte]
	upgrader websocket.Upgrader
	latest   func() (diagnostics.Frame, bool)
	log      *logrus.Entry

	mu      sync.Mutex
	max     int
	clients int
}

// NewHub returns a hub admitting at most maxClients connections. latest, if
// non-nil, supplies the frame sent to a client on connect.
func NewHub(maxClients int, latest func() (diagnostics.Frame, bool), log *logrus.Entry) *Hub {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Hub{
		frames: NewBroadcaster[[]byte](4),
		latest: latest,
		log:    log.WithField("component", "websocket"),
		max:    maxClients,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Send encodes f once and offers it to every client.
func (h *Hub) Send(f diagnostics.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.frames.Publish(data)
}

// Frames exposes the encoded frame fan-out for other transports.
func (h *Hub) Frames() *Broadcaster[[]byte] { return h.frames }

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients
}

func (h *Hub) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients >= h.max {
		return false
	}
	h.clients++
	return true
}

func (h *Hub) release() {
	h.mu.Lock()
	h.clients--
	h.mu.Unlock()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.acquire() {
		http.Error(w, "too many diagnostics clients", http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("upgrade failed")
		return
	}
	defer conn.Close()

	listener := h.frames.Subscribe()
	defer h.frames.Unsubscribe(listener)

	log := h.log.WithField("remote", r.RemoteAddr)
	log.WithField("clients", h.Clients()).Info("diagnostics client connected")
	defer log.Info("diagnostics client disconnected")

	if h.latest != nil {
		if f, ok := h.latest(); ok {
			data, err := json.Marshal(f)
			if err == nil && h.write(conn, websocket.TextMessage, data) != nil {
				return
			}
		}
	}

	// Clients only listen; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-listener.done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case data := <-listener.C:
			if err := h.write(conn, websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, kind int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, data)
}
