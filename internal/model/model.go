package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Attendance states for a session slot or log entry.
const (
	AttendancePresent = "present"
	AttendanceAbsent  = "absent"
)

// Homework states for a session slot or log entry.
const (
	HomeworkComplete = "complete"
	HomeworkPartial  = "partial"
	HomeworkNotDone  = "not-done"
)

// ID is a student identifier. Ids are client-supplied and arrive over the
// wire as either JSON strings or numbers; both decode to the canonical
// trimmed string form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*id = ID(n.String())
		return nil
	}
	return fmt.Errorf("id: expected string or number, got %s", string(b))
}

// NormalizeID canonicalizes an id taken from a non-JSON boundary
// (query params, spreadsheet cells).
func NormalizeID(s string) ID {
	return ID(strings.TrimSpace(s))
}

// Student is a roster entry.
type Student struct {
	ID               ID         `json:"id"`
	FullName         string     `json:"fullName"`
	PhoneNumber      string     `json:"phoneNumber,omitempty"`
	GuardianPhone    string     `json:"guardianPhone,omitempty"`
	Grade            string     `json:"grade,omitempty"`
	Classroom        string     `json:"classroom,omitempty"`
	QRCode           string     `json:"qrCode,omitempty"`
	QRGeneratedAt    *time.Time `json:"qrGeneratedAt,omitempty"`
	SyncedFromClient bool       `json:"syncedFromClient,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Session holds the per-meeting marks for one numbered session slot.
// The zero value is an unwritten slot.
type Session struct {
	Attendance string `json:"attendance,omitempty"`
	Homework   string `json:"homework,omitempty"`
	Quiz       *int   `json:"quiz,omitempty"`
	Date       string `json:"date,omitempty"`
}

// IsZero reports whether the slot has never been written.
func (s Session) IsZero() bool {
	return s.Attendance == "" && s.Homework == "" && s.Quiz == nil && s.Date == ""
}

// StudentRecord is the one-to-one companion of a Student, holding its
// numbered session slots (1..N).
type StudentRecord struct {
	StudentID ID              `json:"studentId"`
	Sessions  map[int]Session `json:"sessions"`
}

// NewStudentRecord creates a record with all n session slots initialized empty.
func NewStudentRecord(studentID ID, n int) StudentRecord {
	rec := StudentRecord{StudentID: studentID, Sessions: make(map[int]Session, n)}
	rec.EnsureSlots(n)
	return rec
}

// EnsureSlots guarantees slots 1..n exist, leaving written slots untouched.
func (r *StudentRecord) EnsureSlots(n int) {
	if r.Sessions == nil {
		r.Sessions = make(map[int]Session, n)
	}
	for i := 1; i <= n; i++ {
		if _, ok := r.Sessions[i]; !ok {
			r.Sessions[i] = Session{}
		}
	}
}

// AttendanceLog is one ledger entry. At most one entry exists per
// (StudentID, Date, Session) triple; later writes for the same triple
// overwrite the mutable fields in place.
type AttendanceLog struct {
	ID          string    `json:"id"`
	Date        string    `json:"date"`
	Time        string    `json:"time,omitempty"`
	StudentID   ID        `json:"studentId"`
	StudentName string    `json:"studentName"`
	Session     int       `json:"session"`
	Attendance  string    `json:"attendance,omitempty"`
	Homework    string    `json:"homework,omitempty"`
	Quiz        *int      `json:"quiz,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Tombstone wraps a soft-deleted student together with its record and the
// log entries that referenced it.
type Tombstone struct {
	Student   Student         `json:"student"`
	Record    StudentRecord   `json:"record"`
	Logs      []AttendanceLog `json:"logs"`
	DeletedAt time.Time       `json:"deletedAt"`
	DeletedBy string          `json:"deletedBy,omitempty"`
}

// UnmarshalJSON repairs the legacy tombstone shapes that imports can carry:
// the canonical {student, record, logs, ...} wrapper, a bare student object,
// or an unrecognizable blob. Unrecognizable entries decode to the zero value
// (empty student id) and are dropped by Dataset.Normalize.
func (t *Tombstone) UnmarshalJSON(b []byte) error {
	type canonical Tombstone
	var c canonical
	if err := json.Unmarshal(b, &c); err == nil && c.Student.ID != "" {
		*t = Tombstone(c)
		return nil
	}

	var bare Student
	if err := json.Unmarshal(b, &bare); err == nil && bare.ID != "" {
		*t = Tombstone{Student: bare}
		return nil
	}

	// Ambiguous blob: salvage a nested student-shaped object if one exists.
	var probe struct {
		Student   json.RawMessage `json:"student"`
		DeletedAt time.Time       `json:"deletedAt"`
		DeletedBy string          `json:"deletedBy"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	if len(probe.Student) > 0 {
		var st Student
		if err := json.Unmarshal(probe.Student, &st); err == nil && st.ID != "" {
			*t = Tombstone{Student: st, DeletedAt: probe.DeletedAt, DeletedBy: probe.DeletedBy}
			return nil
		}
	}
	*t = Tombstone{}
	return nil
}

// Dataset is the unit of wire transfer: a point-in-time serialization of the
// four collections. Whole-snapshot replacement is the primary reconciliation
// mechanism, so everything handed out of the store must be a deep copy.
type Dataset struct {
	Students        []Student       `json:"students"`
	StudentRecords  []StudentRecord `json:"studentRecords"`
	AttendanceLogs  []AttendanceLog `json:"attendanceLogs"`
	DeletedStudents []Tombstone     `json:"deletedStudents"`
	LastUpdated     time.Time       `json:"lastUpdated"`
	Version         string          `json:"version,omitempty"`
}

// Normalize repairs a dataset taken from an ingestion boundary: drops
// tombstones that could not be interpreted, guarantees every active student
// has exactly one record, and pads every record to sessionCount slots.
// It returns the number of tombstone entries dropped.
func (ds *Dataset) Normalize(sessionCount int) int {
	dropped := 0
	kept := ds.DeletedStudents[:0]
	for _, t := range ds.DeletedStudents {
		if t.Student.ID == "" {
			dropped++
			continue
		}
		t.Record.StudentID = t.Student.ID
		t.Record.EnsureSlots(sessionCount)
		kept = append(kept, t)
	}
	ds.DeletedStudents = kept

	byID := make(map[ID]int, len(ds.StudentRecords))
	for i := range ds.StudentRecords {
		ds.StudentRecords[i].EnsureSlots(sessionCount)
		byID[ds.StudentRecords[i].StudentID] = i
	}
	for _, s := range ds.Students {
		if _, ok := byID[s.ID]; !ok {
			ds.StudentRecords = append(ds.StudentRecords, NewStudentRecord(s.ID, sessionCount))
			byID[s.ID] = len(ds.StudentRecords) - 1
		}
	}
	return dropped
}

// Clone returns a deep copy of the dataset.
func (ds Dataset) Clone() Dataset {
	out := Dataset{
		Students:    make([]Student, len(ds.Students)),
		LastUpdated: ds.LastUpdated,
		Version:     ds.Version,
	}
	copy(out.Students, ds.Students)
	out.StudentRecords = make([]StudentRecord, len(ds.StudentRecords))
	for i, r := range ds.StudentRecords {
		out.StudentRecords[i] = r.clone()
	}
	out.AttendanceLogs = cloneLogs(ds.AttendanceLogs)
	out.DeletedStudents = make([]Tombstone, len(ds.DeletedStudents))
	for i, t := range ds.DeletedStudents {
		out.DeletedStudents[i] = Tombstone{
			Student:   t.Student,
			Record:    t.Record.clone(),
			Logs:      cloneLogs(t.Logs),
			DeletedAt: t.DeletedAt,
			DeletedBy: t.DeletedBy,
		}
	}
	return out
}

func (r StudentRecord) clone() StudentRecord {
	out := StudentRecord{StudentID: r.StudentID, Sessions: make(map[int]Session, len(r.Sessions))}
	for k, v := range r.Sessions {
		if v.Quiz != nil {
			q := *v.Quiz
			v.Quiz = &q
		}
		out.Sessions[k] = v
	}
	return out
}

func cloneLogs(logs []AttendanceLog) []AttendanceLog {
	out := make([]AttendanceLog, len(logs))
	for i, l := range logs {
		if l.Quiz != nil {
			q := *l.Quiz
			l.Quiz = &q
		}
		out[i] = l
	}
	return out
}

// DateLayout is the calendar-date form used in session slots and log
// entries, e.g. "1/15/2024".
const DateLayout = "1/2/2006"

// Today returns the current date in DateLayout form.
func Today() string {
	return time.Now().Format(DateLayout)
}
