package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"campusattend/internal/store"
	"campusattend/internal/streams"
)

// Repository persists roster and attendance data across partitions.
type Repository struct {
	parts        *store.PartitionStore
	queryTimeout time.Duration
}

// NewRepository creates a repo. Reads are bounded by queryTimeout.
func NewRepository(parts *store.PartitionStore, queryTimeout time.Duration) *Repository {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &Repository{parts: parts, queryTimeout: queryTimeout}
}

func (r *Repository) handle(ctx context.Context, p streams.Partition) (*store.Handle, error) {
	return r.parts.Accessor(ctx, p.ID, p.Kind)
}

// read runs fn with the configured query timeout.
func (r *Repository) read(ctx context.Context, p streams.Partition, fn func(q *gorm.DB) error) error {
	h, err := r.handle(ctx, p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	return fn(h.Query(ctx))
}

func (r *Repository) write(ctx context.Context, p streams.Partition, fn func(q *gorm.DB) error) error {
	h, err := r.handle(ctx, p)
	if err != nil {
		return err
	}
	return fn(h.Query(ctx))
}

// InsertStudent creates a student row.
func (r *Repository) InsertStudent(ctx context.Context, p streams.Partition, s *Student) error {
	return r.write(ctx, p, func(q *gorm.DB) error {
		err := q.Create(s).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateStudent, s.StudentID)
		}
		return err
	})
}

// GetStudent returns a student by normalized id, nil when absent.
func (r *Repository) GetStudent(ctx context.Context, p streams.Partition, id string) (*Student, error) {
	var s Student
	err := r.read(ctx, p, func(q *gorm.DB) error {
		return q.Where("student_id = ?", id).Take(&s).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListStudents returns students ordered by id; active filters when non-nil.
func (r *Repository) ListStudents(ctx context.Context, p streams.Partition, active *bool) ([]Student, error) {
	var out []Student
	err := r.read(ctx, p, func(q *gorm.DB) error {
		if active != nil {
			q = q.Where("is_active = ?", *active)
		}
		return q.Order("student_id").Find(&out).Error
	})
	return out, err
}

// SaveStudent overwrites every column of an existing student.
func (r *Repository) SaveStudent(ctx context.Context, p streams.Partition, s *Student) error {
	return r.write(ctx, p, func(q *gorm.DB) error {
		return q.Where("student_id = ?", s.StudentID).Select("*").Omit("created_at").Updates(s).Error
	})
}

// DeleteStudent removes a student; ErrStudentNotFound when nothing matched.
func (r *Repository) DeleteStudent(ctx context.Context, p streams.Partition, id string) error {
	return r.write(ctx, p, func(q *gorm.DB) error {
		res := q.Where("student_id = ?", id).Delete(&Student{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrStudentNotFound, id)
		}
		return nil
	})
}

// InsertSubject creates a subject row.
func (r *Repository) InsertSubject(ctx context.Context, p streams.Partition, s *Subject) error {
	return r.write(ctx, p, func(q *gorm.DB) error {
		err := q.Create(s).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateSubject, s.Name)
		}
		return err
	})
}

// GetSubject returns a subject by normalized name, nil when absent.
func (r *Repository) GetSubject(ctx context.Context, p streams.Partition, name string) (*Subject, error) {
	var s Subject
	err := r.read(ctx, p, func(q *gorm.DB) error {
		return q.Where("name = ?", name).Take(&s).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSubjects returns subjects ordered by name; active filters when non-nil.
func (r *Repository) ListSubjects(ctx context.Context, p streams.Partition, active *bool) ([]Subject, error) {
	var out []Subject
	err := r.read(ctx, p, func(q *gorm.DB) error {
		if active != nil {
			q = q.Where("is_active = ?", *active)
		}
		return q.Order("name").Find(&out).Error
	})
	return out, err
}

// SetSubjectActive flips the active flag.
func (r *Repository) SetSubjectActive(ctx context.Context, p streams.Partition, name string, active bool) error {
	return r.write(ctx, p, func(q *gorm.DB) error {
		res := q.Where("name = ?", name).Updates(map[string]any{"is_active": active, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrSubjectNotFound, name)
		}
		return nil
	})
}

// GetSession returns the session for (date, slot), nil when absent.
func (r *Repository) GetSession(ctx context.Context, p streams.Partition, date string, slot int) (*Session, error) {
	var s Session
	err := r.read(ctx, p, func(q *gorm.DB) error {
		return q.Where("date = ? AND subject = ? AND session_slot = ?", date, p.Subject, slot).Take(&s).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertSession writes a new session; a unique-key race maps to ErrDuplicateSession.
func (r *Repository) InsertSession(ctx context.Context, p streams.Partition, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return r.write(ctx, p, func(q *gorm.DB) error {
		err := q.Create(s).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s %s slot %d", ErrDuplicateSession, s.Subject, s.Date, s.SessionSlot)
		}
		return err
	})
}

// SaveSession overwrites an existing session by id.
func (r *Repository) SaveSession(ctx context.Context, p streams.Partition, s *Session) error {
	return r.write(ctx, p, func(q *gorm.DB) error {
		return q.Where("id = ?", s.ID).Select("*").Omit("created_at").Updates(s).Error
	})
}

// ListSessions returns sessions between from and to inclusive; empty bounds are open.
func (r *Repository) ListSessions(ctx context.Context, p streams.Partition, from, to string) ([]Session, error) {
	var out []Session
	err := r.read(ctx, p, func(q *gorm.DB) error {
		if from != "" {
			q = q.Where("date >= ?", from)
		}
		if to != "" {
			q = q.Where("date <= ?", to)
		}
		return q.Order("date").Order("session_slot").Find(&out).Error
	})
	return out, err
}
