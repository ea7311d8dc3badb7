package attendance

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrStudentNotFound    = errors.New("student not found")
	ErrDuplicateStudent   = errors.New("student already exists")
	ErrSubjectNotFound    = errors.New("subject not found")
	ErrDuplicateSubject   = errors.New("subject already exists")
	ErrDuplicateSession   = errors.New("attendance already recorded for this session")
	ErrSessionNotFound    = errors.New("attendance session not found")
	ErrIneligibleStudents = errors.New("students not eligible for subject")
)

// IneligibleStudentsError lists the ids that may not be marked for a subject.
type IneligibleStudentsError struct {
	Subject string
	IDs     []string
}

func (e *IneligibleStudentsError) Error() string {
	return fmt.Sprintf("%s: %s not eligible for %s", ErrIneligibleStudents, strings.Join(e.IDs, ", "), e.Subject)
}

func (e *IneligibleStudentsError) Is(target error) bool {
	return target == ErrIneligibleStudents
}

// FieldError reports one invalid input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *FieldError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}
