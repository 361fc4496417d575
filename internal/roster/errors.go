package roster

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"rostersync/internal/model"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound   = errors.New("student not found")
	ErrValidation = errors.New("validation failed")
)

// DuplicateIDError is returned when adding a student whose id is already in
// use among active students. Suggested carries an alternative id computed
// from the highest numeric suffix currently in use, so the caller can retry
// without another round trip.
type DuplicateIDError struct {
	ID        model.ID
	Suggested model.ID
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate-id: student %q already exists (suggested: %s)", e.ID, e.Suggested)
}

// validationError wraps ErrValidation with a human-readable reason.
func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// suggestID picks the next free id by incrementing the largest numeric
// suffix found among the given ids. Ids with no digits at all contribute
// nothing; with an empty roster the suggestion falls back to "1".
func suggestID(ids []model.ID) model.ID {
	maxNum := int64(0)
	width := 0
	prefix := ""
	for _, id := range ids {
		s := string(id)
		i := len(s)
		for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
			i--
		}
		if i == len(s) {
			continue
		}
		n, err := strconv.ParseInt(s[i:], 10, 64)
		if err != nil {
			continue
		}
		if n > maxNum {
			maxNum = n
			width = len(s) - i
			prefix = s[:i]
		}
	}
	next := strconv.FormatInt(maxNum+1, 10)
	if pad := width - len(next); pad > 0 {
		next = strings.Repeat("0", pad) + next
	}
	return model.ID(prefix + next)
}
