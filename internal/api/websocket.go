package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/chordsim/pkg"
)

// Observer connection limits. Pings go out well inside the pong deadline.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 256
	hubBufferSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // observers are read-only
	},
}

// observer is one WebSocket connection watching the ring.
type observer struct {
	hub    *WebSocketHub
	conn   *websocket.Conn
	outbox chan []byte
}

// WebSocketHub fans ring updates out to every connected observer. All
// membership changes go through the run loop.
type WebSocketHub struct {
	observers map[*observer]struct{}
	updates   chan []byte
	join      chan *observer
	leave     chan *observer

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.RWMutex

	logger *pkg.Logger
}

// NewWebSocketHub creates a hub. Call Start before serving connections.
func NewWebSocketHub(logger *pkg.Logger) *WebSocketHub {
	return &WebSocketHub{
		observers: make(map[*observer]struct{}),
		updates:   make(chan []byte, hubBufferSize),
		join:      make(chan *observer),
		leave:     make(chan *observer),
		shutdown:  make(chan struct{}),
		logger:    logger.WithFields(pkg.Fields{"component": "ws_hub"}),
	}
}

// Start runs the hub loop in the background until Stop.
func (h *WebSocketHub) Start() {
	h.wg.Add(1)
	go h.run()
}

func (h *WebSocketHub) run() {
	defer h.wg.Done()

	for {
		select {
		case o := <-h.join:
			h.mu.Lock()
			h.observers[o] = struct{}{}
			total := len(h.observers)
			h.mu.Unlock()
			h.logger.Info().Int("observers", total).Msg("Observer connected")

		case o := <-h.leave:
			if total, ok := h.drop(o); ok {
				h.logger.Info().Int("observers", total).Msg("Observer disconnected")
			}

		case data := <-h.updates:
			if lagging := h.fanOut(data); lagging > 0 {
				h.logger.Warn().Int("observers", lagging).Msg("Dropped observers that fell behind")
			}

		case <-h.shutdown:
			h.mu.Lock()
			for o := range h.observers {
				close(o.outbox)
				o.conn.Close()
				delete(h.observers, o)
			}
			h.mu.Unlock()
			h.logger.Info().Msg("WebSocket hub stopped")
			return
		}
	}
}

// drop unregisters o and closes its outbox. It reports the remaining count
// and whether o was still registered.
func (h *WebSocketHub) drop(o *observer) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[o]; !ok {
		return len(h.observers), false
	}
	delete(h.observers, o)
	close(o.outbox)
	return len(h.observers), true
}

// fanOut queues data for every observer. An observer whose outbox is full
// is disconnected so a slow browser never stalls the simulation.
func (h *WebSocketHub) fanOut(data []byte) int {
	var lagging []*observer
	h.mu.RLock()
	for o := range h.observers {
		select {
		case o.outbox <- data:
		default:
			lagging = append(lagging, o)
		}
	}
	h.mu.RUnlock()

	for _, o := range lagging {
		h.drop(o)
	}
	return len(lagging)
}

// Stop closes every connection and waits for the loop to exit. It is safe
// to call more than once.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.shutdown)
	})
	h.wg.Wait()
}

// ClientCount returns the number of connected observers.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// readLoop discards inbound frames. Reading is still needed to see pongs
// and the close handshake.
func (o *observer) readLoop() {
	defer func() {
		select {
		case o.hub.leave <- o:
		case <-o.hub.shutdown:
		}
		o.conn.Close()
	}()

	o.conn.SetReadLimit(maxMessageSize)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				o.hub.logger.Error().Err(err).Msg("Observer connection closed unexpectedly")
			}
			return
		}
	}
}

// writeLoop is the only goroutine that writes to the connection. Updates
// that queued up while a frame was being written go out in the same frame,
// one JSON document per line.
func (o *observer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case data, ok := <-o.outbox:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.writeFrame(data); err != nil {
				return
			}

		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (o *observer) writeFrame(first []byte) error {
	w, err := o.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(first)
	for queued := len(o.outbox); queued > 0; queued-- {
		w.Write([]byte{'\n'})
		w.Write(<-o.outbox)
	}
	return w.Close()
}

// HandleWebSocket upgrades the request and registers a new observer.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	o := &observer{
		hub:    h,
		conn:   conn,
		outbox: make(chan []byte, sendBufferSize),
	}

	select {
	case h.join <- o:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go o.writeLoop()
	go o.readLoop()
}

// BroadcastRingUpdate encodes update and queues it for every observer. It
// never blocks: when the hub is backed up the update is dropped.
func (h *WebSocketHub) BroadcastRingUpdate(update any) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	select {
	case h.updates <- data:
	default:
		h.logger.Warn().Msg("Update queue full, dropping ring update")
	}
	return nil
}
