package client

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rostersync/internal/protocol"
)

const writeWait = 10 * time.Second

// Conn is a live websocket transport feeding a Reconciler.
type Conn struct {
	Reconciler *Reconciler

	sock      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay, identifies the device, and starts the read
// loop and heartbeat ticker. The connect handshake primes the reconciler's
// mirror with a fresh snapshot.
func Dial(ctx context.Context, url string, device protocol.IdentifyDevice, heartbeat time.Duration) (*Conn, error) {
	sock, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		sock: sock,
		done: make(chan struct{}),
	}
	c.Reconciler = NewReconciler(c.write)

	go c.readLoop()
	if heartbeat > 0 {
		go c.heartbeatLoop(heartbeat)
	}

	if msg, err := protocol.New(protocol.TypeIdentifyDevice, "", device); err == nil {
		if err := c.write(msg); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Done is closed when the connection drops. No in-flight operation is
// retried; the caller reconnects and receives a fresh snapshot.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears the connection down.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

func (c *Conn) write(msg protocol.Message) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteJSON(msg)
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		var msg protocol.Message
		if err := c.sock.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("sync connection read error: %v", err)
			}
			return
		}
		c.Reconciler.HandleInbound(msg)
	}
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			msg, err := protocol.New(protocol.TypeHeartbeat, "", nil)
			if err != nil {
				continue
			}
			if err := c.write(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
