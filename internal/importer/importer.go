// Package importer turns tabular rows (spreadsheet exports) into a dataset
// suitable for a whole-dataset replace.
//
// Headers are matched against ordered alias lists, first match wins, so the
// same importer accepts "ID", "id" and "Student ID" exports. Per-session
// columns are located with {n}-templated patterns. Attendance and homework
// cells are accepted in short-code or long form, case-insensitively.
package importer

import (
	"log"
	"strconv"
	"strings"

	"rostersync/internal/model"
)

var headerAliases = map[string][]string{
	"id":            {"ID", "id", "Student ID", "studentId", "student_id"},
	"fullName":      {"Full Name", "fullName", "Name", "Student Name", "name"},
	"phoneNumber":   {"Phone", "Phone Number", "phoneNumber", "phone"},
	"guardianPhone": {"Guardian Phone", "guardianPhone", "Parent Phone"},
	"grade":         {"Grade", "grade", "Year"},
	"classroom":     {"Classroom", "classroom", "Class", "Group"},
}

var sessionPatterns = map[string][]string{
	"attendance": {"Session {n} Attendance", "Attendance {n}", "S{n} Attendance"},
	"homework":   {"Session {n} Homework", "Homework {n}", "S{n} Homework"},
	"quiz":       {"Session {n} Quiz", "Quiz {n}", "S{n} Quiz"},
	"date":       {"Session {n} Date", "Date {n}", "S{n} Date"},
}

// columnIndex maps normalized header text to its position.
type columnIndex map[string]int

func indexHeaders(headers []string) columnIndex {
	idx := make(columnIndex, len(headers))
	for i, h := range headers {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, taken := idx[key]; !taken {
			idx[key] = i
		}
	}
	return idx
}

// resolve returns the column for a logical field, walking the alias list in
// order; the first alias present in the sheet wins.
func (idx columnIndex) resolve(aliases []string) (int, bool) {
	for _, alias := range aliases {
		if i, ok := idx[strings.ToLower(alias)]; ok {
			return i, true
		}
	}
	return 0, false
}

func (idx columnIndex) resolveSession(field string, session int) (int, bool) {
	n := strconv.Itoa(session)
	for _, pattern := range sessionPatterns[field] {
		header := strings.ReplaceAll(pattern, "{n}", n)
		if i, ok := idx[strings.ToLower(header)]; ok {
			return i, true
		}
	}
	return 0, false
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ParseAttendanceCell maps a cell value to the canonical attendance enum.
// Unknown values map to empty (unset).
func ParseAttendanceCell(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "p", "present":
		return model.AttendancePresent
	case "a", "absent":
		return model.AttendanceAbsent
	default:
		return ""
	}
}

// ParseHomeworkCell maps a cell value to the canonical homework enum.
func ParseHomeworkCell(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "c", "complete", "done":
		return model.HomeworkComplete
	case "pa", "partial":
		return model.HomeworkPartial
	case "n", "not-done", "not done", "incomplete":
		return model.HomeworkNotDone
	default:
		return ""
	}
}

// Import builds a dataset from tabular data. Rows missing an id or name are
// skipped with a log line; cell-level validation is advisory only.
func Import(headers []string, rows [][]string, sessionCount int) model.Dataset {
	idx := indexHeaders(headers)
	idCol, hasID := idx.resolve(headerAliases["id"])
	nameCol, hasName := idx.resolve(headerAliases["fullName"])

	ds := model.Dataset{
		Students:        []model.Student{},
		StudentRecords:  []model.StudentRecord{},
		AttendanceLogs:  []model.AttendanceLog{},
		DeletedStudents: []model.Tombstone{},
	}
	if !hasID || !hasName {
		log.Printf("import: no id or name column among headers %v", headers)
		return ds
	}

	seen := make(map[model.ID]bool)
	for rowNum, row := range rows {
		id := model.NormalizeID(cell(row, idCol))
		name := cell(row, nameCol)
		if id == "" || name == "" {
			log.Printf("import: skipping row %d: missing id or name", rowNum+1)
			continue
		}
		if seen[id] {
			log.Printf("import: skipping row %d: duplicate id %s", rowNum+1, id)
			continue
		}
		seen[id] = true

		st := model.Student{ID: id, FullName: name}
		if i, ok := idx.resolve(headerAliases["phoneNumber"]); ok {
			st.PhoneNumber = cell(row, i)
		}
		if i, ok := idx.resolve(headerAliases["guardianPhone"]); ok {
			st.GuardianPhone = cell(row, i)
		}
		if i, ok := idx.resolve(headerAliases["grade"]); ok {
			st.Grade = cell(row, i)
		}
		if i, ok := idx.resolve(headerAliases["classroom"]); ok {
			st.Classroom = cell(row, i)
		}
		ds.Students = append(ds.Students, st)

		rec := model.NewStudentRecord(id, sessionCount)
		for n := 1; n <= sessionCount; n++ {
			slot := rec.Sessions[n]
			if i, ok := idx.resolveSession("attendance", n); ok {
				slot.Attendance = ParseAttendanceCell(cell(row, i))
			}
			if i, ok := idx.resolveSession("homework", n); ok {
				slot.Homework = ParseHomeworkCell(cell(row, i))
			}
			if i, ok := idx.resolveSession("quiz", n); ok {
				if v := cell(row, i); v != "" {
					if q, err := strconv.Atoi(v); err == nil {
						slot.Quiz = &q
					} else {
						log.Printf("import: row %d: quiz %q for session %d is not a number", rowNum+1, v, n)
					}
				}
			}
			if i, ok := idx.resolveSession("date", n); ok {
				slot.Date = cell(row, i)
			}
			rec.Sessions[n] = slot
		}
		ds.StudentRecords = append(ds.StudentRecords, rec)
	}
	return ds
}
