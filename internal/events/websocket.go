package events

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
)

// upgrader allows any origin. Unlike a multi-tenant HTTP server, the event
// monitor socket is expected to be reached only from localhost or a trusted
// sidecar, so there is no SaaS-style origin check to mirror here.
var upgrader = websocket.Upgrader{
	CheckOrigin:       func(_ *http.Request) bool { return true },
	EnableCompression: true,
}

// clientRegistry tracks connected WebSocket monitors and serializes writes
// to each, mirroring RepoSession's clients map in the teacher's session.go.
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[*websocket.Conn]*sync.Mutex)}
}

func (r *clientRegistry) register(conn *websocket.Conn) *sync.Mutex {
	writeMu := &sync.Mutex{}
	r.mu.Lock()
	r.clients[conn] = writeMu
	r.mu.Unlock()
	return writeMu
}

func (r *clientRegistry) remove(conn *websocket.Conn, logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[conn]; ok {
		delete(r.clients, conn)
		if err := conn.Close(); err != nil {
			logger.Error("failed to close event monitor connection", "err", err)
		}
	}
}

// broadcast writes e to every connected client, dropping (and removing) any
// client that fails to receive it — the same failed-client sweep as the
// teacher's sendToAllClients.
func (r *clientRegistry) broadcast(e Event, logger *slog.Logger) {
	r.mu.RLock()
	snapshot := make(map[*websocket.Conn]*sync.Mutex, len(r.clients))
	for conn, mu := range r.clients {
		snapshot[conn] = mu
	}
	r.mu.RUnlock()

	var failed []*websocket.Conn
	for conn, mu := range snapshot {
		mu.Lock()
		err := conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err == nil {
			err = conn.WriteJSON(e)
		}
		mu.Unlock()
		if err != nil {
			logger.Warn("event broadcast failed, dropping client", "addr", conn.RemoteAddr(), "err", err)
			failed = append(failed, conn)
		}
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, conn := range failed {
			delete(r.clients, conn)
			_ = conn.Close()
		}
		r.mu.Unlock()
	}
}

func (r *clientRegistry) closeAll(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) == 0 {
		return
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "run complete")
	deadline := time.Now().Add(1 * time.Second)
	for conn := range r.clients {
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
	}
	for conn := range r.clients {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close event monitor connection", "err", err)
		}
	}
	r.clients = make(map[*websocket.Conn]*sync.Mutex)
}

// ServeHTTP upgrades the request to a WebSocket and streams every
// subsequently published Event to it as JSON, until the client disconnects
// or the Bus is closed. Mount at whatever path the caller chooses (kilnd
// does not itself expose an HTTP server by default; this is for callers
// that embed one).
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("event monitor upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		b.logger.Error("failed to set read deadline", "err", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := b.clients.register(conn)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go b.clientReadPump(conn, done, &wg)
	go b.clientWritePump(conn, done, writeMu, &wg)
	wg.Wait()
}

// clientReadPump blocks on reads purely to detect client disconnect; the
// monitor protocol is server-to-client only, so any received payload is
// discarded unread past decoding.
func (b *Bus) clientReadPump(conn *websocket.Conn, done chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Debug("event monitor read error", "addr", conn.RemoteAddr(), "err", err)
			}
			return
		}
	}
}

// clientWritePump sends keepalive pings until done is closed by the read
// pump, then removes the client.
func (b *Bus) clientWritePump(conn *websocket.Conn, done chan struct{}, writeMu *sync.Mutex, wg *sync.WaitGroup) {
	defer wg.Done()
	defer b.clients.remove(conn, b.logger)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-b.done:
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err == nil {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			writeMu.Unlock()
			if err != nil {
				b.logger.Warn("event monitor ping failed", "addr", conn.RemoteAddr(), "err", err)
				return
			}
		}
	}
}
