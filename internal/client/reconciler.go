// Package client implements the device-side mirror of the authoritative
// dataset and the outbound sync traffic.
//
// Inbound snapshots replace the local mirror wholesale; there is no merge
// with unsynced local edits, mirroring the server's last-writer-wins
// behavior. Targeted operations are correlated by a per-request id generated
// here and echoed by the server, so two in-flight operations of the same
// type cannot consume each other's response.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"rostersync/internal/model"
	"rostersync/internal/protocol"
)

// ErrNotConnected is returned when an operation requires a live connection.
var ErrNotConnected = errors.New("not connected")

// OperationError is a server-side rejection of a targeted operation.
type OperationError struct {
	Operation string
	Reason    string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Operation, e.Reason)
}

// Reconciler mirrors the authoritative dataset and decides when to emit
// outbound sync traffic.
type Reconciler struct {
	mu      sync.Mutex
	mirror  model.Dataset
	primed  bool
	pending map[string]chan protocol.Message
	sendFn  func(protocol.Message) error

	// OnScanned, if set, observes student-scanned broadcasts.
	OnScanned func(protocol.StudentScanned)
	// OnRoster, if set, observes client-roster-update broadcasts.
	OnRoster func(protocol.ClientRosterUpdate)
}

// NewReconciler builds a reconciler over a transport send function. A nil
// sendFn leaves the reconciler offline; targeted operations then fail with
// ErrNotConnected while local state stays usable.
func NewReconciler(sendFn func(protocol.Message) error) *Reconciler {
	return &Reconciler{
		pending: make(map[string]chan protocol.Message),
		sendFn:  sendFn,
	}
}

// Primed reports whether the connect handshake has delivered the initial
// snapshot.
func (r *Reconciler) Primed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primed
}

// Dataset returns a copy of the local mirror.
func (r *Reconciler) Dataset() model.Dataset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mirror.Clone()
}

// ReplaceLocal overwrites the local mirror, e.g. after an import. It does
// not emit traffic; call PushDataset to publish.
func (r *Reconciler) ReplaceLocal(ds model.Dataset) {
	r.mu.Lock()
	r.mirror = ds.Clone()
	r.mu.Unlock()
}

// HandleInbound applies one server message to local state.
func (r *Reconciler) HandleInbound(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeInitialSnapshot:
		var ds model.Dataset
		if err := msg.DecodePayload(&ds); err != nil {
			return
		}
		// Wholesale replace: any unsynced local edit is lost here.
		r.mu.Lock()
		r.mirror = ds
		r.primed = true
		r.mu.Unlock()

	case protocol.TypeDatasetSync:
		var ds model.Dataset
		if err := msg.DecodePayload(&ds); err != nil {
			return
		}
		r.mu.Lock()
		r.mirror = ds
		r.mu.Unlock()
		if msg.RequestID != "" {
			r.resolve(msg)
		}

	case protocol.TypeOperationSuccess, protocol.TypeOperationError, protocol.TypeQRScanResult:
		r.resolve(msg)

	case protocol.TypeStudentScanned:
		if r.OnScanned != nil {
			var ev protocol.StudentScanned
			if msg.DecodePayload(&ev) == nil {
				r.OnScanned(ev)
			}
		}

	case protocol.TypeClientRosterUpdate:
		if r.OnRoster != nil {
			var ev protocol.ClientRosterUpdate
			if msg.DecodePayload(&ev) == nil {
				r.OnRoster(ev)
			}
		}
	}
}

func (r *Reconciler) resolve(msg protocol.Message) {
	r.mu.Lock()
	ch, ok := r.pending[msg.RequestID]
	if ok {
		delete(r.pending, msg.RequestID)
	}
	r.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// call sends a request envelope and waits for its correlated response.
func (r *Reconciler) call(ctx context.Context, msgType string, payload any) (protocol.Message, error) {
	if r.sendFn == nil {
		return protocol.Message{}, ErrNotConnected
	}
	requestID := uuid.NewString()
	msg, err := protocol.New(msgType, requestID, payload)
	if err != nil {
		return protocol.Message{}, err
	}

	ch := make(chan protocol.Message, 1)
	r.mu.Lock()
	r.pending[requestID] = ch
	r.mu.Unlock()

	if err := r.sendFn(msg); err != nil {
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
		return protocol.Message{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
		return protocol.Message{}, ctx.Err()
	}
}

// AddStudent submits a targeted add-student operation and applies the
// committed entity locally on success.
func (r *Reconciler) AddStudent(ctx context.Context, st model.Student) (model.Student, error) {
	resp, err := r.call(ctx, protocol.TypeAddStudent, st)
	if err != nil {
		return model.Student{}, err
	}
	if resp.Type == protocol.TypeOperationError {
		return model.Student{}, decodeOperationError(resp)
	}
	var ok protocol.OperationSuccess
	if err := resp.DecodePayload(&ok); err != nil {
		return model.Student{}, err
	}
	if ok.Student == nil {
		return model.Student{}, fmt.Errorf("add-student: response missing student")
	}

	sessions := 0
	r.mu.Lock()
	r.mirror.Students = append(r.mirror.Students, *ok.Student)
	for _, rec := range r.mirror.StudentRecords {
		if n := len(rec.Sessions); n > sessions {
			sessions = n
		}
	}
	if sessions == 0 {
		sessions = 8
	}
	r.mirror.StudentRecords = append(r.mirror.StudentRecords, model.NewStudentRecord(ok.Student.ID, sessions))
	r.mu.Unlock()
	return *ok.Student, nil
}

// MarkAttendance submits a targeted mark-attendance operation.
func (r *Reconciler) MarkAttendance(ctx context.Context, req protocol.MarkAttendance) (model.AttendanceLog, error) {
	resp, err := r.call(ctx, protocol.TypeMarkAttendance, req)
	if err != nil {
		return model.AttendanceLog{}, err
	}
	if resp.Type == protocol.TypeOperationError {
		return model.AttendanceLog{}, decodeOperationError(resp)
	}
	var ok protocol.OperationSuccess
	if err := resp.DecodePayload(&ok); err != nil {
		return model.AttendanceLog{}, err
	}
	if ok.LogEntry == nil {
		return model.AttendanceLog{}, fmt.Errorf("mark-attendance: response missing log entry")
	}
	return *ok.LogEntry, nil
}

// Scan resolves a scanned id against the server, attaching the local cached
// copy of the student when one exists so a record added while offline can be
// adopted by the server.
func (r *Reconciler) Scan(ctx context.Context, studentID model.ID) (model.Student, error) {
	studentID = model.NormalizeID(string(studentID))
	scan := protocol.QRScan{StudentID: studentID}
	r.mu.Lock()
	for i := range r.mirror.Students {
		if r.mirror.Students[i].ID == studentID {
			cached := r.mirror.Students[i]
			scan.Student = &cached
			break
		}
	}
	r.mu.Unlock()

	resp, err := r.call(ctx, protocol.TypeQRScan, scan)
	if err != nil {
		return model.Student{}, err
	}
	var result protocol.QRScanResult
	if err := resp.DecodePayload(&result); err != nil {
		return model.Student{}, err
	}
	if !result.Success {
		return model.Student{}, &OperationError{Operation: protocol.TypeQRScan, Reason: result.Error}
	}
	if result.Student == nil {
		return model.Student{}, fmt.Errorf("qr-scan: response missing student")
	}
	return *result.Student, nil
}

// PushDataset publishes the whole local mirror (the legacy bulk path) and
// waits for the server's ack-shaped sync, which becomes the new mirror.
func (r *Reconciler) PushDataset(ctx context.Context) (model.Dataset, error) {
	r.mu.Lock()
	local := r.mirror.Clone()
	r.mu.Unlock()

	resp, err := r.call(ctx, protocol.TypePushDataset, local)
	if err != nil {
		return model.Dataset{}, err
	}
	if resp.Type == protocol.TypeOperationError {
		return model.Dataset{}, decodeOperationError(resp)
	}
	var committed model.Dataset
	if err := resp.DecodePayload(&committed); err != nil {
		return model.Dataset{}, err
	}
	return committed, nil
}

func decodeOperationError(msg protocol.Message) error {
	var e protocol.OperationError
	if err := msg.DecodePayload(&e); err != nil {
		return fmt.Errorf("operation failed: %s", msg.Type)
	}
	return &OperationError{Operation: e.Operation, Reason: e.Error}
}
