// Package monitor serves a live view of the traffic between the editor, the
// bridge and the engine over HTTP and WebSocket.
package monitor

import (
	"embed"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("vrjls.monitor")

// Event is one observed occurrence.
type Event struct {
	Seq        uint64    `json:"seq"`
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	Generation string    `json:"generation,omitempty"`
	Detail     any       `json:"detail,omitempty"`
}

// Message is sent over WebSocket to update clients.
type Message struct {
	Op     string  `json:"op"`               // "init" or "event"
	Events []Event `json:"events,omitempty"` // used for "init"
	Event  *Event  `json:"event,omitempty"`  // used for "event"
}

//go:embed static/*
var staticFiles embed.FS

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

const (
	// clientBuffer is how many messages a client may fall behind before it
	// is dropped.
	clientBuffer = 256
	writeTimeout = 5 * time.Second
)

// client is one websocket connection. Only its writer goroutine writes to
// conn; Trace only ever queues on send and never blocks.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writeLoop() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warningf("monitor client write error: %v", err)
			c.conn.Close()
			// drain so removal never blocks
			for range c.send {
			}
			return
		}
	}
	c.conn.Close()
}

// Hub keeps a bounded history of events and fans them out to connected
// clients. The zero value is not usable; call NewHub.
type Hub struct {
	mu         sync.Mutex
	clients    map[*client]bool
	history    []Event
	limit      int
	seq        uint64
	generation string

	serverMu sync.Mutex
	server   *http.Server
	url      string
}

// NewHub keeps up to limit events for clients that connect late.
func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = 512
	}
	return &Hub{
		clients: make(map[*client]bool),
		limit:   limit,
	}
}

// SetGeneration tags subsequent events with the engine generation.
func (h *Hub) SetGeneration(generation string) {
	h.mu.Lock()
	h.generation = generation
	h.mu.Unlock()
}

// Trace records an event and broadcasts it.
func (h *Hub) Trace(kind string, detail any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	event := Event{
		Seq:        h.seq,
		Time:       time.Now(),
		Kind:       kind,
		Generation: h.generation,
		Detail:     detail,
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]Event(nil), h.history[len(h.history)-h.limit:]...)
	}

	if len(h.clients) == 0 {
		return
	}
	data, err := json.Marshal(Message{Op: "event", Event: &event})
	if err != nil {
		log.Errorf("failed to encode event %s: %v", kind, err)
		return
	}
	h.broadcastLocked(data)
}

// Snapshot returns the retained history.
func (h *Hub) Snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.history...)
}

// broadcastLocked queues data for all clients. A client whose queue is full
// has stopped reading and is dropped. Must hold mu.
func (h *Hub) broadcastLocked(data []byte) {
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warningf("dropping monitor client that fell behind")
			h.removeLocked(c)
		}
	}
}

// removeLocked unregisters c and lets its writer finish. Must hold mu.
func (h *Hub) removeLocked(c *client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Handler serves the static page at /, the event stream at /ws and the
// retained history as JSON at /events.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFiles)))
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/events", h.handleEvents)
	return mux
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Snapshot()); err != nil {
		log.Warningf("events encode error: %v", err)
	}
}

// Start serves the monitor on addr (":0" picks a free port) and returns the
// URL of the page. Later calls return the same URL.
func (h *Hub) Start(addr string) (string, error) {
	h.serverMu.Lock()
	defer h.serverMu.Unlock()
	if h.server != nil {
		return h.url, nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	h.server = &http.Server{Handler: h.Handler()}
	h.url = pageURL(l.Addr())

	go func(server *http.Server) {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("monitor server error: %v", err)
		}
	}(h.server)

	log.Infof("monitor listening on %s", h.url)
	return h.url, nil
}

// pageURL turns a listener address into something a browser can open.
func pageURL(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "http://" + addr.String() + "/static/"
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/static/"
}

// Close stops the HTTP server and disconnects all clients.
func (h *Hub) Close() error {
	h.serverMu.Lock()
	server := h.server
	h.server = nil
	h.serverMu.Unlock()

	h.mu.Lock()
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Close()
}

// handleWS upgrades HTTP connections and sends the retained history first.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("ws upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	data, err := json.Marshal(Message{Op: "init", Events: h.history})
	if err != nil {
		log.Errorf("init marshal error: %v", err)
	} else {
		c.send <- data
	}
	h.clients[c] = true
	h.mu.Unlock()

	go c.writeLoop()

	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
	}()

	// keep connection open
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
}
