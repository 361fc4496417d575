// Package roster holds the authoritative in-memory dataset and the merge
// rules applied to incoming client state.
//
// Two reconciliation strategies coexist: whole-dataset replace, which is
// last-writer-wins at snapshot granularity, and targeted per-entity upserts.
// Every mutation goes through one mutex so concurrent connections can never
// interleave partial writes, and every dataset handed out is a deep copy.
package roster

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rostersync/internal/model"
)

// Store owns the one true dataset.
type Store struct {
	mu           sync.Mutex
	sessionCount int
	ds           model.Dataset
}

// NewStore creates an empty store tracking sessionCount session slots per
// student record.
func NewStore(sessionCount int) *Store {
	if sessionCount <= 0 {
		sessionCount = 8
	}
	return &Store{
		sessionCount: sessionCount,
		ds: model.Dataset{
			Students:        []model.Student{},
			StudentRecords:  []model.StudentRecord{},
			AttendanceLogs:  []model.AttendanceLog{},
			DeletedStudents: []model.Tombstone{},
			LastUpdated:     time.Now().UTC(),
		},
	}
}

// SessionCount returns the configured number of session slots.
func (s *Store) SessionCount() int { return s.sessionCount }

// Snapshot returns a deep copy of the current dataset.
func (s *Store) Snapshot() model.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ds.Clone()
}

// ReplaceDataset unconditionally replaces the authoritative dataset with the
// incoming one. This is last-writer-wins at maximum granularity: edits made
// by other clients since their last snapshot pull are discarded. Tombstones
// are repaired on the way in; the returned count is how many were dropped as
// uninterpretable.
func (s *Store) ReplaceDataset(ds model.Dataset) (model.Dataset, int) {
	dropped := ds.Normalize(s.sessionCount)
	ds.LastUpdated = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ds = ds.Clone()
	return s.ds.Clone(), dropped
}

// AddStudent appends a new student and its companion record. Ids are
// client-supplied; an id already in use among active students is rejected
// with a DuplicateIDError carrying a suggested alternative.
func (s *Store) AddStudent(st model.Student) (model.Student, error) {
	st.ID = model.NormalizeID(string(st.ID))
	if st.ID == "" {
		return model.Student{}, validationError("id is required")
	}
	if strings.TrimSpace(st.FullName) == "" {
		return model.Student{}, validationError("fullName is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.ds.Students {
		if existing.ID == st.ID {
			return model.Student{}, &DuplicateIDError{ID: st.ID, Suggested: suggestID(s.activeIDs())}
		}
	}

	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	s.ds.Students = append(s.ds.Students, st)
	s.ds.StudentRecords = append(s.ds.StudentRecords, model.NewStudentRecord(st.ID, s.sessionCount))
	s.ds.LastUpdated = now
	return st, nil
}

// MarkAttendanceRequest carries one attendance-marking operation. Empty
// string fields and a nil Quiz mean "not supplied" and leave the previously
// recorded value in place.
type MarkAttendanceRequest struct {
	StudentID   model.ID
	StudentName string
	Session     int
	Attendance  string
	Homework    string
	Quiz        *int
	Date        string
	Time        string
}

// MarkAttendance writes a session slot at field granularity and upserts the
// matching attendance log entry keyed by (studentId, date, session). A
// missing student record is created on the fly; the date defaults to today.
func (s *Store) MarkAttendance(req MarkAttendanceRequest) (model.AttendanceLog, error) {
	req.StudentID = model.NormalizeID(string(req.StudentID))
	if req.StudentID == "" {
		return model.AttendanceLog{}, validationError("studentId is required")
	}
	if req.Session < 1 || req.Session > s.sessionCount {
		return model.AttendanceLog{}, validationError("session %d out of range 1..%d", req.Session, s.sessionCount)
	}
	if req.Attendance != "" && req.Attendance != model.AttendancePresent && req.Attendance != model.AttendanceAbsent {
		return model.AttendanceLog{}, validationError("unknown attendance value %q", req.Attendance)
	}
	if req.Homework != "" && req.Homework != model.HomeworkComplete && req.Homework != model.HomeworkPartial && req.Homework != model.HomeworkNotDone {
		return model.AttendanceLog{}, validationError("unknown homework value %q", req.Homework)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.recordFor(req.StudentID)
	slot := rec.Sessions[req.Session]
	if req.Date == "" {
		// An omitted date keeps the slot's recorded date; today only when
		// the slot has never carried one.
		if slot.Date != "" {
			req.Date = slot.Date
		} else {
			req.Date = model.Today()
		}
	}
	if req.Attendance != "" {
		slot.Attendance = req.Attendance
	}
	if req.Homework != "" {
		slot.Homework = req.Homework
	}
	if req.Quiz != nil {
		q := *req.Quiz
		slot.Quiz = &q
	}
	slot.Date = req.Date
	rec.Sessions[req.Session] = slot

	now := time.Now().UTC()
	entry := s.upsertLog(req, now)
	s.ds.LastUpdated = now
	return entry, nil
}

// upsertLog overwrites the mutable fields of an existing (studentId, date,
// session) entry in place, preserving its id and creation timestamp, or
// prepends a new entry so the ledger stays most-recent-first.
func (s *Store) upsertLog(req MarkAttendanceRequest, now time.Time) model.AttendanceLog {
	for i := range s.ds.AttendanceLogs {
		l := &s.ds.AttendanceLogs[i]
		if l.StudentID == req.StudentID && l.Date == req.Date && l.Session == req.Session {
			if req.StudentName != "" {
				l.StudentName = req.StudentName
			}
			if req.Attendance != "" {
				l.Attendance = req.Attendance
			}
			if req.Homework != "" {
				l.Homework = req.Homework
			}
			if req.Quiz != nil {
				q := *req.Quiz
				l.Quiz = &q
			}
			if req.Time != "" {
				l.Time = req.Time
			}
			l.UpdatedAt = now
			return *l
		}
	}

	entry := model.AttendanceLog{
		ID:          uuid.NewString(),
		Date:        req.Date,
		Time:        req.Time,
		StudentID:   req.StudentID,
		StudentName: req.StudentName,
		Session:     req.Session,
		Attendance:  req.Attendance,
		Homework:    req.Homework,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Quiz != nil {
		q := *req.Quiz
		entry.Quiz = &q
	}
	s.ds.AttendanceLogs = append([]model.AttendanceLog{entry}, s.ds.AttendanceLogs...)
	return entry
}

// recordFor returns a pointer to the student's record, creating one when
// absent. Caller must hold the mutex.
func (s *Store) recordFor(id model.ID) *model.StudentRecord {
	for i := range s.ds.StudentRecords {
		if s.ds.StudentRecords[i].StudentID == id {
			s.ds.StudentRecords[i].EnsureSlots(s.sessionCount)
			return &s.ds.StudentRecords[i]
		}
	}
	s.ds.StudentRecords = append(s.ds.StudentRecords, model.NewStudentRecord(id, s.sessionCount))
	return &s.ds.StudentRecords[len(s.ds.StudentRecords)-1]
}

// ResolveScan answers a QR scan. A server-side hit returns the active
// student. On a miss the scanning client's own cached copy, if supplied, is
// adopted as authoritative; this is the one concession to offline-first
// operation. Returns adopted=true when the client copy was taken.
func (s *Store) ResolveScan(id model.ID, clientCopy *model.Student) (model.Student, bool, error) {
	id = model.NormalizeID(string(id))
	if id == "" {
		return model.Student{}, false, validationError("studentId is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.ds.Students {
		if st.ID == id {
			return st, false, nil
		}
	}

	if clientCopy == nil {
		return model.Student{}, false, ErrNotFound
	}
	adopted := *clientCopy
	adopted.ID = id
	adopted.SyncedFromClient = true
	now := time.Now().UTC()
	if adopted.CreatedAt.IsZero() {
		adopted.CreatedAt = now
	}
	adopted.UpdatedAt = now
	s.ds.Students = append(s.ds.Students, adopted)
	s.recordFor(id)
	s.ds.LastUpdated = now
	return adopted, true, nil
}

// SoftDeleteStudent moves a student, its record, and the log entries that
// reference it into the tombstone list.
func (s *Store) SoftDeleteStudent(id model.ID, actor string) error {
	id = model.NormalizeID(string(id))

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, st := range s.ds.Students {
		if st.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	tomb := model.Tombstone{
		Student:   s.ds.Students[idx],
		Record:    model.NewStudentRecord(id, s.sessionCount),
		DeletedAt: time.Now().UTC(),
		DeletedBy: actor,
	}
	s.ds.Students = append(s.ds.Students[:idx], s.ds.Students[idx+1:]...)

	for i, rec := range s.ds.StudentRecords {
		if rec.StudentID == id {
			tomb.Record = rec
			s.ds.StudentRecords = append(s.ds.StudentRecords[:i], s.ds.StudentRecords[i+1:]...)
			break
		}
	}

	kept := s.ds.AttendanceLogs[:0]
	for _, l := range s.ds.AttendanceLogs {
		if l.StudentID == id {
			tomb.Logs = append(tomb.Logs, l)
			continue
		}
		kept = append(kept, l)
	}
	s.ds.AttendanceLogs = kept

	s.ds.DeletedStudents = append(s.ds.DeletedStudents, tomb)
	s.ds.LastUpdated = tomb.DeletedAt
	return nil
}

// RestoreStudent moves a tombstoned student back to the active roster,
// reinstating its record and attendance logs. Restoring is defensive: log
// entries already present are not duplicated and an already-active id is
// not re-added.
func (s *Store) RestoreStudent(id model.ID) (model.Student, error) {
	id = model.NormalizeID(string(id))

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, t := range s.ds.DeletedStudents {
		if t.Student.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Student{}, ErrNotFound
	}
	tomb := s.ds.DeletedStudents[idx]
	s.ds.DeletedStudents = append(s.ds.DeletedStudents[:idx], s.ds.DeletedStudents[idx+1:]...)

	active := false
	for _, st := range s.ds.Students {
		if st.ID == id {
			active = true
			break
		}
	}
	if !active {
		s.ds.Students = append(s.ds.Students, tomb.Student)
		tomb.Record.StudentID = id
		tomb.Record.EnsureSlots(s.sessionCount)
		rec := s.recordFor(id)
		*rec = tomb.Record
	}

	present := make(map[string]bool, len(s.ds.AttendanceLogs))
	for _, l := range s.ds.AttendanceLogs {
		present[l.ID] = true
	}
	for _, l := range tomb.Logs {
		if present[l.ID] {
			continue
		}
		s.ds.AttendanceLogs = append([]model.AttendanceLog{l}, s.ds.AttendanceLogs...)
	}

	s.ds.LastUpdated = time.Now().UTC()
	return tomb.Student, nil
}

// HardDeleteStudent erases a student entirely, whether active or
// tombstoned, together with its record and logs.
func (s *Store) HardDeleteStudent(id model.ID) error {
	id = model.NormalizeID(string(id))

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for i, st := range s.ds.Students {
		if st.ID == id {
			s.ds.Students = append(s.ds.Students[:i], s.ds.Students[i+1:]...)
			found = true
			break
		}
	}
	for i, rec := range s.ds.StudentRecords {
		if rec.StudentID == id {
			s.ds.StudentRecords = append(s.ds.StudentRecords[:i], s.ds.StudentRecords[i+1:]...)
			break
		}
	}
	for i, t := range s.ds.DeletedStudents {
		if t.Student.ID == id {
			s.ds.DeletedStudents = append(s.ds.DeletedStudents[:i], s.ds.DeletedStudents[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	kept := s.ds.AttendanceLogs[:0]
	for _, l := range s.ds.AttendanceLogs {
		if l.StudentID != id {
			kept = append(kept, l)
		}
	}
	s.ds.AttendanceLogs = kept
	s.ds.LastUpdated = time.Now().UTC()
	return nil
}

func (s *Store) activeIDs() []model.ID {
	ids := make([]model.ID, len(s.ds.Students))
	for i, st := range s.ds.Students {
		ids[i] = st.ID
	}
	return ids
}
