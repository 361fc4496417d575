package roster

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rostersync/internal/model"
)

func intp(v int) *int { return &v }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(8)
}

func TestAddStudent(t *testing.T) {
	t.Run("creates companion record with all slots empty", func(t *testing.T) {
		s := newTestStore(t)
		st, err := s.AddStudent(model.Student{ID: "2024001", FullName: "Ahmed Ali", PhoneNumber: "0100000000"})
		require.NoError(t, err)
		assert.False(t, st.CreatedAt.IsZero())
		assert.False(t, st.UpdatedAt.IsZero())

		snap := s.Snapshot()
		require.Len(t, snap.StudentRecords, 1)
		rec := snap.StudentRecords[0]
		assert.Equal(t, model.ID("2024001"), rec.StudentID)
		require.Len(t, rec.Sessions, 8)
		for n := 1; n <= 8; n++ {
			assert.True(t, rec.Sessions[n].IsZero(), "session %d should be empty", n)
		}
	})

	t.Run("requires id and fullName", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.AddStudent(model.Student{FullName: "No ID"})
		assert.ErrorIs(t, err, ErrValidation)
		_, err = s.AddStudent(model.Student{ID: "1"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("normalizes whitespace-padded ids", func(t *testing.T) {
		s := newTestStore(t)
		st, err := s.AddStudent(model.Student{ID: "  42 ", FullName: "Padded"})
		require.NoError(t, err)
		assert.Equal(t, model.ID("42"), st.ID)
	})

	t.Run("rejects duplicate id without altering the first record", func(t *testing.T) {
		s := newTestStore(t)
		first, err := s.AddStudent(model.Student{ID: "2024001", FullName: "Ahmed Ali"})
		require.NoError(t, err)

		_, err = s.AddStudent(model.Student{ID: "2024001", FullName: "Impostor"})
		var dup *DuplicateIDError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, model.ID("2024001"), dup.ID)
		assert.Equal(t, model.ID("2024002"), dup.Suggested)

		snap := s.Snapshot()
		require.Len(t, snap.Students, 1)
		assert.Equal(t, first.FullName, snap.Students[0].FullName)
		require.Len(t, snap.StudentRecords, 1)
	})

	t.Run("suggestion keeps non-numeric prefix and zero padding", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.AddStudent(model.Student{ID: "STU007", FullName: "Bond"})
		require.NoError(t, err)
		_, err = s.AddStudent(model.Student{ID: "STU007", FullName: "Other Bond"})
		var dup *DuplicateIDError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, model.ID("STU008"), dup.Suggested)
	})

	t.Run("concurrent adds of the same id commit exactly one", func(t *testing.T) {
		s := newTestStore(t)
		const workers = 16
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.AddStudent(model.Student{ID: "X", FullName: "Racer"})
			}(i)
		}
		wg.Wait()

		okCount := 0
		for _, err := range errs {
			if err == nil {
				okCount++
			} else {
				var dup *DuplicateIDError
				assert.ErrorAs(t, err, &dup)
			}
		}
		assert.Equal(t, 1, okCount)
		assert.Len(t, s.Snapshot().Students, 1)
	})
}

func TestMarkAttendance(t *testing.T) {
	t.Run("writes slot and log for the concrete scenario", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.AddStudent(model.Student{ID: "2024001", FullName: "Ahmed Ali", PhoneNumber: "0100000000"})
		require.NoError(t, err)

		entry, err := s.MarkAttendance(MarkAttendanceRequest{
			StudentID:   "2024001",
			StudentName: "Ahmed Ali",
			Session:     1,
			Attendance:  model.AttendancePresent,
			Homework:    model.HomeworkComplete,
			Quiz:        intp(8),
			Date:        "1/15/2024",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, entry.ID)

		snap := s.Snapshot()
		slot := snap.StudentRecords[0].Sessions[1]
		assert.Equal(t, model.AttendancePresent, slot.Attendance)
		assert.Equal(t, model.HomeworkComplete, slot.Homework)
		require.NotNil(t, slot.Quiz)
		assert.Equal(t, 8, *slot.Quiz)
		assert.Equal(t, "1/15/2024", slot.Date)

		require.Len(t, snap.AttendanceLogs, 1)
		l := snap.AttendanceLogs[0]
		assert.Equal(t, model.ID("2024001"), l.StudentID)
		assert.Equal(t, 1, l.Session)
		assert.Equal(t, "1/15/2024", l.Date)
	})

	t.Run("upsert key preserves id and creation timestamp", func(t *testing.T) {
		s := newTestStore(t)
		first, err := s.MarkAttendance(MarkAttendanceRequest{
			StudentID:  "7",
			Session:    2,
			Attendance: model.AttendancePresent,
			Quiz:       intp(5),
			Date:       "1/15/2024",
		})
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		second, err := s.MarkAttendance(MarkAttendanceRequest{
			StudentID:  "7",
			Session:    2,
			Attendance: model.AttendanceAbsent,
			Quiz:       intp(9),
			Date:       "1/15/2024",
		})
		require.NoError(t, err)

		snap := s.Snapshot()
		require.Len(t, snap.AttendanceLogs, 1)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)
		assert.Equal(t, model.AttendanceAbsent, second.Attendance)
		assert.Equal(t, 9, *second.Quiz)
		assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	})

	t.Run("different date or session creates separate entries most-recent-first", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.MarkAttendance(MarkAttendanceRequest{StudentID: "7", Session: 1, Attendance: model.AttendancePresent, Date: "1/15/2024"})
		require.NoError(t, err)
		_, err = s.MarkAttendance(MarkAttendanceRequest{StudentID: "7", Session: 2, Attendance: model.AttendancePresent, Date: "1/15/2024"})
		require.NoError(t, err)

		snap := s.Snapshot()
		require.Len(t, snap.AttendanceLogs, 2)
		assert.Equal(t, 2, snap.AttendanceLogs[0].Session, "newest entry first")
	})

	t.Run("field merge does not clear other session fields", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.MarkAttendance(MarkAttendanceRequest{
			StudentID: "7",
			Session:   3,
			Homework:  model.HomeworkPartial,
			Quiz:      intp(6),
			Date:      "1/15/2024",
		})
		require.NoError(t, err)

		_, err = s.MarkAttendance(MarkAttendanceRequest{
			StudentID:  "7",
			Session:    3,
			Attendance: model.AttendancePresent,
		})
		require.NoError(t, err)

		slot := s.Snapshot().StudentRecords[0].Sessions[3]
		assert.Equal(t, model.AttendancePresent, slot.Attendance)
		assert.Equal(t, model.HomeworkPartial, slot.Homework)
		require.NotNil(t, slot.Quiz)
		assert.Equal(t, 6, *slot.Quiz)
		assert.Equal(t, "1/15/2024", slot.Date)
	})

	t.Run("creates record on the fly for unknown student", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.MarkAttendance(MarkAttendanceRequest{StudentID: "ghost", Session: 1, Attendance: model.AttendancePresent})
		require.NoError(t, err)

		snap := s.Snapshot()
		require.Len(t, snap.StudentRecords, 1)
		assert.Equal(t, model.ID("ghost"), snap.StudentRecords[0].StudentID)
		assert.Len(t, snap.StudentRecords[0].Sessions, 8)
	})

	t.Run("defaults date to today", func(t *testing.T) {
		s := newTestStore(t)
		entry, err := s.MarkAttendance(MarkAttendanceRequest{StudentID: "7", Session: 1, Attendance: model.AttendancePresent})
		require.NoError(t, err)
		assert.Equal(t, model.Today(), entry.Date)
	})

	t.Run("rejects out-of-range session", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.MarkAttendance(MarkAttendanceRequest{StudentID: "7", Session: 0, Attendance: model.AttendancePresent})
		assert.ErrorIs(t, err, ErrValidation)
		_, err = s.MarkAttendance(MarkAttendanceRequest{StudentID: "7", Session: 9, Attendance: model.AttendancePresent})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Empty(t, s.Snapshot().AttendanceLogs)
	})

	t.Run("rejects unknown enum values", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.MarkAttendance(MarkAttendanceRequest{StudentID: "7", Session: 1, Attendance: "late"})
		assert.ErrorIs(t, err, ErrValidation)
		_, err = s.MarkAttendance(MarkAttendanceRequest{StudentID: "7", Session: 1, Homework: "meh"})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestReplaceDataset(t *testing.T) {
	t.Run("is idempotent apart from lastUpdated", func(t *testing.T) {
		s := newTestStore(t)
		ds := model.Dataset{
			Students: []model.Student{{ID: "1", FullName: "One"}, {ID: "2", FullName: "Two"}},
			AttendanceLogs: []model.AttendanceLog{
				{ID: "log-1", StudentID: "1", Date: "1/15/2024", Session: 1, Attendance: model.AttendancePresent},
			},
		}

		first, _ := s.ReplaceDataset(ds)
		second, _ := s.ReplaceDataset(ds)

		assert.Equal(t, first.Students, second.Students)
		assert.Equal(t, first.StudentRecords, second.StudentRecords)
		assert.Equal(t, first.AttendanceLogs, second.AttendanceLogs)
		assert.Equal(t, first.DeletedStudents, second.DeletedStudents)
		assert.False(t, second.LastUpdated.Before(first.LastUpdated))
	})

	t.Run("last writer wins over a targeted add", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.AddStudent(model.Student{ID: "X", FullName: "From Client One"})
		require.NoError(t, err)

		// A second client pushes its own whole dataset carrying a different
		// student under the same id; the first client's edit is discarded.
		committed, _ := s.ReplaceDataset(model.Dataset{
			Students: []model.Student{{ID: "X", FullName: "From Client Two"}},
		})

		require.Len(t, committed.Students, 1)
		assert.Equal(t, "From Client Two", committed.Students[0].FullName)
		snap := s.Snapshot()
		assert.Equal(t, "From Client Two", snap.Students[0].FullName)
	})

	t.Run("pads records for students missing one", func(t *testing.T) {
		s := newTestStore(t)
		committed, _ := s.ReplaceDataset(model.Dataset{
			Students: []model.Student{{ID: "1", FullName: "One"}},
		})
		require.Len(t, committed.StudentRecords, 1)
		assert.Len(t, committed.StudentRecords[0].Sessions, 8)
	})

	t.Run("empty snapshot exports every collection as an array", func(t *testing.T) {
		s := newTestStore(t)

		// A fresh export must be accepted back by the wholesale-replace
		// endpoint, which requires array-shaped collections.
		raw, err := json.Marshal(s.Snapshot())
		require.NoError(t, err)

		var shape map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(raw, &shape))
		for _, key := range []string{"students", "studentRecords", "attendanceLogs", "deletedStudents"} {
			require.Contains(t, shape, key)
			assert.Equal(t, byte('['), shape[key][0], "%s must marshal as an array, got %s", key, shape[key])
		}
	})

	t.Run("snapshot is a defensive copy", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.AddStudent(model.Student{ID: "1", FullName: "One"})
		require.NoError(t, err)

		snap := s.Snapshot()
		snap.Students[0].FullName = "Mutated"
		snap.StudentRecords[0].Sessions[1] = model.Session{Attendance: model.AttendancePresent}

		fresh := s.Snapshot()
		assert.Equal(t, "One", fresh.Students[0].FullName)
		assert.True(t, fresh.StudentRecords[0].Sessions[1].IsZero())
	})
}

func TestResolveScan(t *testing.T) {
	t.Run("server hit returns the active student", func(t *testing.T) {
		s := newTestStore(t)
		added, err := s.AddStudent(model.Student{ID: "2024001", FullName: "Ahmed Ali"})
		require.NoError(t, err)

		st, adopted, err := s.ResolveScan("2024001", nil)
		require.NoError(t, err)
		assert.False(t, adopted)
		assert.Equal(t, added.FullName, st.FullName)
	})

	t.Run("adopts the client copy on miss", func(t *testing.T) {
		s := newTestStore(t)
		local := model.Student{ID: "offline-1", FullName: "Added Offline"}

		st, adopted, err := s.ResolveScan("offline-1", &local)
		require.NoError(t, err)
		assert.True(t, adopted)
		assert.True(t, st.SyncedFromClient)

		snap := s.Snapshot()
		require.Len(t, snap.Students, 1)
		assert.Equal(t, model.ID("offline-1"), snap.Students[0].ID)
		require.Len(t, snap.StudentRecords, 1)
		assert.Equal(t, model.ID("offline-1"), snap.StudentRecords[0].StudentID)
	})

	t.Run("not found without a client copy", func(t *testing.T) {
		s := newTestStore(t)
		_, _, err := s.ResolveScan("nobody", nil)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, s.Snapshot().Students)
	})
}

func TestTombstoneRoundTrip(t *testing.T) {
	seed := func(t *testing.T) *Store {
		s := newTestStore(t)
		_, err := s.AddStudent(model.Student{ID: "2024001", FullName: "Ahmed Ali"})
		require.NoError(t, err)
		_, err = s.MarkAttendance(MarkAttendanceRequest{
			StudentID:  "2024001",
			Session:    1,
			Attendance: model.AttendancePresent,
			Quiz:       intp(8),
			Date:       "1/15/2024",
		})
		require.NoError(t, err)
		return s
	}

	t.Run("soft delete moves student, record, and logs into the tombstone", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, s.SoftDeleteStudent("2024001", "teacher-1"))

		snap := s.Snapshot()
		assert.Empty(t, snap.Students)
		assert.Empty(t, snap.StudentRecords)
		assert.Empty(t, snap.AttendanceLogs)
		require.Len(t, snap.DeletedStudents, 1)
		tomb := snap.DeletedStudents[0]
		assert.Equal(t, "teacher-1", tomb.DeletedBy)
		assert.False(t, tomb.DeletedAt.IsZero())
		require.Len(t, tomb.Logs, 1)
	})

	t.Run("restore reproduces student, record, and logs", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, s.SoftDeleteStudent("2024001", "teacher-1"))

		st, err := s.RestoreStudent("2024001")
		require.NoError(t, err)
		assert.Equal(t, "Ahmed Ali", st.FullName)

		snap := s.Snapshot()
		require.Len(t, snap.Students, 1)
		require.Len(t, snap.StudentRecords, 1)
		slot := snap.StudentRecords[0].Sessions[1]
		assert.Equal(t, model.AttendancePresent, slot.Attendance)
		require.NotNil(t, slot.Quiz)
		assert.Equal(t, 8, *slot.Quiz)
		require.Len(t, snap.AttendanceLogs, 1)
		assert.Empty(t, snap.DeletedStudents)
	})

	t.Run("double restore does not duplicate log rows", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, s.SoftDeleteStudent("2024001", ""))
		_, err := s.RestoreStudent("2024001")
		require.NoError(t, err)
		_, err = s.RestoreStudent("2024001")
		assert.ErrorIs(t, err, ErrNotFound)

		snap := s.Snapshot()
		assert.Len(t, snap.Students, 1)
		assert.Len(t, snap.AttendanceLogs, 1)
	})

	t.Run("soft delete of unknown id", func(t *testing.T) {
		s := newTestStore(t)
		assert.ErrorIs(t, s.SoftDeleteStudent("nobody", ""), ErrNotFound)
	})

	t.Run("hard delete erases active student entirely", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, s.HardDeleteStudent("2024001"))
		snap := s.Snapshot()
		assert.Empty(t, snap.Students)
		assert.Empty(t, snap.AttendanceLogs)
		assert.Empty(t, snap.DeletedStudents)
		assert.ErrorIs(t, s.HardDeleteStudent("2024001"), ErrNotFound)
	})

	t.Run("hard delete erases tombstoned student", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, s.SoftDeleteStudent("2024001", ""))
		require.NoError(t, s.HardDeleteStudent("2024001"))
		assert.Empty(t, s.Snapshot().DeletedStudents)
	})
}

func TestSuggestID(t *testing.T) {
	cases := []struct {
		name string
		ids  []model.ID
		want model.ID
	}{
		{"empty roster", nil, "1"},
		{"plain numeric", []model.ID{"2024001", "2024007"}, "2024008"},
		{"prefixed", []model.ID{"STU001", "STU019"}, "STU020"},
		{"no digits anywhere", []model.ID{"abc", "def"}, "1"},
		{"mixed widths", []model.ID{"9", "0012"}, "0013"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, suggestID(tc.ids))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddStudent(model.Student{ID: "1", FullName: "One"})
	require.NoError(t, err)
	_, err = s.AddStudent(model.Student{ID: "1", FullName: "Two"})

	var dup *DuplicateIDError
	require.ErrorAs(t, err, &dup)
	assert.Contains(t, err.Error(), "duplicate-id:")
	assert.False(t, errors.Is(err, ErrValidation))
}
