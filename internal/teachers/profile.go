package teachers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrProfileNotFound         = errors.New("teacher profile not found")
	ErrLibrarySubjectNotFound  = errors.New("subject not in teacher library")
	ErrDuplicateLibrarySubject = errors.New("subject already in teacher library")
	ErrInvalidInput            = errors.New("invalid input")
	ErrAvatarUnavailable       = errors.New("avatar storage not configured")
)

// LibrarySubject is a class a teacher keeps in their personal list.
type LibrarySubject struct {
	ID       string    `json:"id"`
	Subject  string    `json:"subject"`
	Stream   string    `json:"stream"`
	Semester int       `json:"semester"`
	AddedAt  time.Time `json:"added_at"`
}

// HistoryEntry records one session a teacher took.
type HistoryEntry struct {
	ID            string    `json:"id"`
	Stream        string    `json:"stream"`
	Semester      int       `json:"semester"`
	Subject       string    `json:"subject"`
	Date          string    `json:"date"`
	SessionSlot   int       `json:"session_slot"`
	PresentCount  int       `json:"present_count"`
	TotalStudents int       `json:"total_students"`
	TakenAt       time.Time `json:"taken_at"`
}

// Profile is a teacher's account data. One shared table holds all profiles.
type Profile struct {
	ID        string                              `gorm:"primaryKey;size:36" json:"id"`
	AuthID    string                              `gorm:"size:128;not null;uniqueIndex" json:"auth_id"`
	Email     string                              `json:"email"`
	Name      string                              `json:"name"`
	PhotoURL  string                              `json:"photo_url,omitempty"`
	Subjects  datatypes.JSONSlice[LibrarySubject] `json:"subjects"`
	Queue     datatypes.JSON                      `json:"queue"`
	History   datatypes.JSONSlice[HistoryEntry]   `json:"-"`
	CreatedAt time.Time                           `json:"created_at"`
	UpdatedAt time.Time                           `json:"updated_at"`
}

// TableName pins the shared profile table.
func (Profile) TableName() string { return "teacher_profiles" }

// Repository persists profiles.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repo.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the profile table.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Profile{})
}

func byAuthID(q *gorm.DB, authID string) (*Profile, error) {
	var p Profile
	err := q.Where("auth_id = ?", authID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, authID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ByAuthID loads the profile of an identity.
func (r *Repository) ByAuthID(ctx context.Context, authID string) (*Profile, error) {
	return byAuthID(r.db.WithContext(ctx), authID)
}

// Create inserts a new profile.
func (r *Repository) Create(ctx context.Context, p *Profile) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// Mutate loads, changes and saves a profile inside one transaction.
// The row stays locked until commit so concurrent read-modify-writes serialize.
func (r *Repository) Mutate(ctx context.Context, authID string, fn func(p *Profile) error) (*Profile, error) {
	var out *Profile
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := byAuthID(tx.Clauses(clause.Locking{Strength: "UPDATE"}), authID)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if err := tx.Model(p).Select("*").Omit("created_at").Updates(p).Error; err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}
