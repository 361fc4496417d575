package hub

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rostersync/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients live on the local network; no origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is one registered connection: a websocket plus its outbound queue
// and device metadata.
type Conn struct {
	hub        *Hub
	sock       *websocket.Conn
	sendCh     chan protocol.Message
	done       chan struct{}
	closeOnce  sync.Once
	remoteAddr string

	infoMu sync.Mutex
	info   protocol.ClientInfo
}

// ServeWS upgrades an HTTP request into a hub connection and starts its
// read and write pumps.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	now := time.Now().UTC()
	c := &Conn{
		hub:        h,
		sock:       sock,
		sendCh:     make(chan protocol.Message, h.sendBuffer),
		done:       make(chan struct{}),
		remoteAddr: sock.RemoteAddr().String(),
		info: protocol.ClientInfo{
			ID:           uuid.NewString(),
			DeviceType:   "unknown",
			ConnectedAt:  now,
			LastActivity: now,
		},
	}
	go c.writePump()
	go c.readPump()
	select {
	case h.register <- c:
	case <-h.quit:
		c.close()
	}
}

// ID returns the connection identity assigned at upgrade time.
func (c *Conn) ID() string {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.info.ID
}

// Info returns a copy of the connection's metadata.
func (c *Conn) Info() protocol.ClientInfo {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.info
}

func (c *Conn) touch() {
	c.infoMu.Lock()
	c.info.LastActivity = time.Now().UTC()
	c.infoMu.Unlock()
}

func (c *Conn) setDevice(deviceType, deviceName string) {
	c.infoMu.Lock()
	if deviceType != "" {
		c.info.DeviceType = deviceType
	}
	if deviceName != "" {
		c.info.DeviceName = deviceName
	}
	c.infoMu.Unlock()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// send queues a message without blocking. A client whose buffer is full is
// dropped instead of stalling the caller.
func (c *Conn) send(msg protocol.Message) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		log.Printf("client %s send buffer full, dropping connection", c.ID())
		c.close()
		go c.deregister()
	}
}

func (c *Conn) sendMessage(msgType, requestID string, payload any) {
	msg, err := protocol.New(msgType, requestID, payload)
	if err != nil {
		log.Printf("marshal %s for client %s: %v", msgType, c.ID(), err)
		return
	}
	c.send(msg)
}

// sendError answers a failed operation on the originating connection only.
func (c *Conn) sendError(cause protocol.Message, reason string) {
	c.sendMessage(protocol.TypeOperationError, cause.RequestID, protocol.OperationError{
		Operation: cause.Type,
		Error:     reason,
	})
}

// deregister hands the connection back to the run loop. A stopped hub no
// longer drains the channel, so the send must not hang past Stop.
func (c *Conn) deregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.quit:
		c.close()
	}
}

// readPump forwards inbound frames to the hub loop until the socket drops.
func (c *Conn) readPump() {
	defer c.deregister()
	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg protocol.Message
		if err := c.sock.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("client %s read error: %v", c.ID(), err)
			}
			return
		}
		select {
		case c.hub.inbound <- inbound{conn: c, msg: msg}:
		case <-c.done:
			return
		case <-c.hub.quit:
			return
		}
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
