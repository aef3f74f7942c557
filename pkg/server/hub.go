package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/braccio-robotics/arm-dispatch/internal/log"
)

const (
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	outboxDepth = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// hub fans out events to websocket subscribers. Only the hub goroutine writes to connections.
type hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once

	mutex sync.RWMutex
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, outboxDepth),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
	}
}

func (h *hub) run() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			log.Info("Websocket client connected. Total: %d", h.count())

		case client := <-h.unregister:
			h.drop(client)
			log.Info("Websocket client disconnected. Total: %d", h.count())

		case message := <-h.broadcast:
			h.send(websocket.TextMessage, message)

		case <-ticker.C:
			h.send(websocket.PingMessage, nil)

		case <-h.stop:
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return
		}
	}
}

func (h *hub) send(messageType int, message []byte) {
	for _, client := range h.subscribers() {
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(messageType, message); err != nil {
			log.Warning("Error sending websocket message: %s", err)
			h.drop(client)
		}
	}
}

func (h *hub) subscribers() []*websocket.Conn {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *hub) drop(client *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.Close()
	}
}

func (h *hub) count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *hub) close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// publish queues an event for subscribers. Events are dropped if subscribers fall behind.
func (h *hub) publish(eventType string, data any) {
	message, err := json.Marshal(&event{Type: eventType, Data: data})
	if err != nil {
		log.Error("Error serializing %s event: %s", eventType, err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		log.Warning("Websocket feed backlogged; dropping %s event", eventType)
	}
}

func (h *hub) add(client *websocket.Conn) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stop:
		return false
	}
}

func (h *hub) remove(client *websocket.Conn) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	connection, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warning("Websocket upgrade error: %s", err)
		return
	}
	defer connection.Close()
	connection.SetReadLimit(512)
	connection.SetReadDeadline(time.Now().Add(pongWait))
	connection.SetPongHandler(func(string) error {
		return connection.SetReadDeadline(time.Now().Add(pongWait))
	})

	if !s.hub.add(connection) {
		return
	}
	defer s.hub.remove(connection)

	// Subscribers only listen; reading processes control frames and detects disconnects.
	for {
		if _, _, err := connection.ReadMessage(); err != nil {
			log.Debug("Websocket subscriber left: %s", err)
			return
		}
	}
}
