// Package hub keeps the registry of connected clients and fans server state
// out to them.
//
// All inbound messages funnel into one run loop and are handled to
// completion before the next is taken, so no two connections can interleave
// partial mutations of the shared dataset. The roster store carries its own
// mutex as well; the loop is the ordering point, the mutex the safety net
// for the HTTP surface, which mutates the store without passing through the
// loop.
package hub

import (
	"log"
	"sync"
	"time"

	"rostersync/internal/metrics"
	"rostersync/internal/model"
	"rostersync/internal/protocol"
	"rostersync/internal/roster"
)

// Hub owns the connected-client registry and delivery of broadcasts.
type Hub struct {
	store      *roster.Store
	sendBuffer int

	register   chan *Conn
	unregister chan *Conn
	inbound    chan inbound
	quit       chan struct{}

	mu      sync.RWMutex
	clients map[*Conn]struct{}
}

type inbound struct {
	conn *Conn
	msg  protocol.Message
}

// New creates a hub over the given store. sendBuffer bounds each
// connection's outbound queue; a client that cannot drain it is dropped
// rather than allowed to stall the loop.
func New(store *roster.Store, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &Hub{
		store:      store,
		sendBuffer: sendBuffer,
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		inbound:    make(chan inbound),
		quit:       make(chan struct{}),
	}
}

// Run processes registrations and inbound messages until Stop is called.
func (h *Hub) Run() {
	h.mu.Lock()
	if h.clients == nil {
		h.clients = make(map[*Conn]struct{})
	}
	h.mu.Unlock()

	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case in := <-h.inbound:
			h.handle(in.conn, in.msg)
		case <-h.quit:
			return
		}
	}
}

// Stop terminates the run loop. In-flight operations already applied to the
// store are not revoked.
func (h *Hub) Stop() {
	close(h.quit)
}

func (h *Hub) addClient(c *Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.ConnectedClients.Inc()

	snap := h.store.Snapshot()
	c.sendMessage(protocol.TypeInitialSnapshot, "", snap)
	h.broadcastRoster()
	log.Printf("client %s connected from %s", c.ID(), c.remoteAddr)
}

func (h *Hub) removeClient(c *Conn) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !known {
		return
	}
	c.close()
	metrics.ConnectedClients.Dec()
	h.broadcastRoster()
	log.Printf("client %s disconnected", c.ID())
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Clients returns a copy of the connected-client roster.
func (h *Hub) Clients() []protocol.ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.ClientInfo, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c.Info())
	}
	return out
}

// BroadcastDataset pushes the current snapshot to every connected client.
// The HTTP replace endpoint uses it so stateless writes reach live
// connections too.
func (h *Hub) BroadcastDataset() {
	h.broadcast(protocol.TypeDatasetSync, h.store.Snapshot(), nil)
}

// broadcast sends a message to every client except skip (nil means no one
// is skipped).
func (h *Hub) broadcast(msgType string, payload any, skip *Conn) {
	msg, err := protocol.New(msgType, "", payload)
	if err != nil {
		log.Printf("marshal %s broadcast: %v", msgType, err)
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(msgType).Inc()

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.clients))
	for c := range h.clients {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.send(msg)
	}
}

func (h *Hub) broadcastRoster() {
	clients := h.Clients()
	h.broadcast(protocol.TypeClientRosterUpdate, protocol.ClientRosterUpdate{
		Count:   len(clients),
		Clients: clients,
	}, nil)
}

// handle dispatches one inbound message. Payload errors are answered with a
// unicast operation-error and must never take the hub down.
func (h *Hub) handle(c *Conn, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic handling %s from %s: %v", msg.Type, c.ID(), r)
			c.sendError(msg, "internal error")
		}
	}()

	c.touch()
	metrics.OperationsTotal.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case protocol.TypeHeartbeat:
		// LastActivity already updated; no broadcast.

	case protocol.TypeIdentifyDevice:
		var info protocol.IdentifyDevice
		if err := msg.DecodePayload(&info); err != nil {
			c.sendError(msg, err.Error())
			return
		}
		c.setDevice(info.DeviceType, info.DeviceName)
		h.broadcastRoster()

	case protocol.TypePushDataset:
		var ds model.Dataset
		if err := msg.DecodePayload(&ds); err != nil {
			c.sendError(msg, err.Error())
			return
		}
		committed, dropped := h.store.ReplaceDataset(ds)
		if dropped > 0 {
			log.Printf("client %s pushed %d uninterpretable tombstone entries, dropped", c.ID(), dropped)
		}
		// Ack-shaped confirmation to the sender, sync to everyone else.
		c.sendMessage(protocol.TypeDatasetSync, msg.RequestID, committed)
		h.broadcast(protocol.TypeDatasetSync, committed, c)

	case protocol.TypeAddStudent:
		var st model.Student
		if err := msg.DecodePayload(&st); err != nil {
			c.sendError(msg, err.Error())
			return
		}
		added, err := h.store.AddStudent(st)
		if err != nil {
			c.sendError(msg, err.Error())
			return
		}
		c.sendMessage(protocol.TypeOperationSuccess, msg.RequestID, protocol.OperationSuccess{
			Operation: msg.Type,
			Student:   &added,
		})
		h.broadcast(protocol.TypeDatasetSync, h.store.Snapshot(), c)

	case protocol.TypeMarkAttendance:
		var req protocol.MarkAttendance
		if err := msg.DecodePayload(&req); err != nil {
			c.sendError(msg, err.Error())
			return
		}
		entry, err := h.store.MarkAttendance(roster.MarkAttendanceRequest{
			StudentID:   req.StudentID,
			StudentName: req.StudentName,
			Session:     req.Session,
			Attendance:  req.Attendance,
			Homework:    req.Homework,
			Quiz:        req.Quiz,
			Date:        req.Date,
			Time:        req.Time,
		})
		if err != nil {
			c.sendError(msg, err.Error())
			return
		}
		c.sendMessage(protocol.TypeOperationSuccess, msg.RequestID, protocol.OperationSuccess{
			Operation: msg.Type,
			LogEntry:  &entry,
		})
		h.broadcast(protocol.TypeDatasetSync, h.store.Snapshot(), c)

	case protocol.TypeQRScan:
		var scan protocol.QRScan
		if err := msg.DecodePayload(&scan); err != nil {
			c.sendError(msg, err.Error())
			return
		}
		st, adopted, err := h.store.ResolveScan(scan.StudentID, scan.Student)
		if err != nil {
			c.sendMessage(protocol.TypeQRScanResult, msg.RequestID, protocol.QRScanResult{
				Success: false,
				Error:   err.Error(),
			})
			return
		}
		c.sendMessage(protocol.TypeQRScanResult, msg.RequestID, protocol.QRScanResult{
			Success: true,
			Student: &st,
		})
		h.broadcast(protocol.TypeStudentScanned, protocol.StudentScanned{
			StudentID:   st.ID,
			StudentName: st.FullName,
			Timestamp:   time.Now().UTC(),
		}, nil)
		if adopted {
			h.broadcast(protocol.TypeDatasetSync, h.store.Snapshot(), c)
		}

	default:
		c.sendError(msg, "unknown message type "+msg.Type)
	}
}
