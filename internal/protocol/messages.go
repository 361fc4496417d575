// Package protocol defines the wire vocabulary exchanged between the relay
// server and its clients over the persistent connection.
//
// Every frame is a JSON envelope {type, requestId?, payload}. The request id
// is generated by the caller of a targeted operation and echoed verbatim on
// the success, error, or scan-result answer, so each outstanding operation
// matches only its own response.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"rostersync/internal/model"
)

// Client-to-server message types.
const (
	TypeIdentifyDevice = "identify-device"
	TypePushDataset    = "push-whole-dataset"
	TypeAddStudent     = "add-student"
	TypeMarkAttendance = "mark-attendance"
	TypeQRScan         = "qr-scan"
	TypeHeartbeat      = "heartbeat"
)

// Server-to-client message types.
const (
	TypeInitialSnapshot    = "initial-snapshot"
	TypeDatasetSync        = "whole-dataset-sync"
	TypeOperationSuccess   = "operation-success"
	TypeOperationError     = "operation-error"
	TypeQRScanResult       = "qr-scan-result"
	TypeStudentScanned     = "student-scanned"
	TypeClientRosterUpdate = "client-roster-update"
)

// Message is the envelope every frame travels in.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope around a marshalable payload.
func New(msgType, requestID string, payload any) (Message, error) {
	msg := Message{Type: msgType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (m Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// IdentifyDevice carries device metadata for the client roster.
type IdentifyDevice struct {
	DeviceType string `json:"deviceType"`
	DeviceName string `json:"deviceName"`
}

// MarkAttendance is the targeted attendance-marking operation. Empty fields
// are treated as not supplied.
type MarkAttendance struct {
	StudentID   model.ID `json:"studentId"`
	StudentName string   `json:"studentName,omitempty"`
	Session     int      `json:"session"`
	Attendance  string   `json:"attendance,omitempty"`
	Homework    string   `json:"homework,omitempty"`
	Quiz        *int     `json:"quiz,omitempty"`
	Date        string   `json:"date,omitempty"`
	Time        string   `json:"time,omitempty"`
}

// QRScan asks the server to resolve a scanned id. Student optionally carries
// the scanning client's locally-cached copy, which the server adopts when
// the id is unknown to it.
type QRScan struct {
	StudentID model.ID       `json:"studentId"`
	Student   *model.Student `json:"student,omitempty"`
}

// OperationSuccess echoes the mutated entity back to the submitting client.
type OperationSuccess struct {
	Operation string               `json:"operation"`
	Student   *model.Student       `json:"student,omitempty"`
	LogEntry  *model.AttendanceLog `json:"logEntry,omitempty"`
}

// OperationError carries a human-readable reason back to the submitting
// client only; errors are never broadcast.
type OperationError struct {
	Operation string `json:"operation"`
	Error     string `json:"error"`
}

// QRScanResult answers a qr-scan.
type QRScanResult struct {
	Success bool           `json:"success"`
	Student *model.Student `json:"student,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// StudentScanned is the informational broadcast emitted after a successful
// scan, for multi-operator coordination.
type StudentScanned struct {
	StudentID   model.ID  `json:"studentId"`
	StudentName string    `json:"studentName"`
	Timestamp   time.Time `json:"timestamp"`
}

// ClientInfo describes one connected device in roster broadcasts.
type ClientInfo struct {
	ID           string    `json:"id"`
	DeviceType   string    `json:"deviceType"`
	DeviceName   string    `json:"deviceName,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// ClientRosterUpdate is broadcast on connect, disconnect, and identify.
type ClientRosterUpdate struct {
	Count   int          `json:"count"`
	Clients []ClientInfo `json:"clients"`
}
