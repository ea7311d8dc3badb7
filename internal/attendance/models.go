package attendance

import (
	"crypto/sha1"
	"encoding/hex"
	"time"

	"gorm.io/datatypes"

	"campusattend/internal/store"
	"campusattend/internal/streams"
)

// Student is one enrolled student. Each (stream, semester) has its own table.
type Student struct {
	StudentID        string                               `gorm:"primaryKey;size:32" json:"student_id"`
	Name             string                               `gorm:"not null" json:"name"`
	Stream           string                               `gorm:"not null" json:"stream"`
	Semester         int                                  `gorm:"not null" json:"semester"`
	ParentPhone      string                               `json:"parent_phone"`
	LanguageChoice   streams.Language                     `json:"language_choice"`
	IsActive         bool                                 `gorm:"not null" json:"is_active"`
	Generation       int                                  `gorm:"not null" json:"generation"`
	OriginalSemester int                                  `gorm:"not null" json:"original_semester"`
	MigrationHistory datatypes.JSONSlice[MigrationRecord] `json:"migration_history"`
	CreatedAt        time.Time                            `json:"created_at"`
	UpdatedAt        time.Time                            `json:"updated_at"`
}

// MigrationRecord is appended to a student on every promotion.
type MigrationRecord struct {
	FromSemester int       `json:"from_semester"`
	ToSemester   int       `json:"to_semester"`
	Date         time.Time `json:"date"`
	BatchID      string    `json:"batch_id"`
}

// Subject is a taught subject of one (stream, semester).
type Subject struct {
	Name              string              `gorm:"primaryKey;size:128" json:"name"`
	Stream            string              `gorm:"not null" json:"stream"`
	Semester          int                 `gorm:"not null" json:"semester"`
	Type              streams.SubjectType `gorm:"not null" json:"type"`
	IsLanguageSubject bool                `gorm:"not null" json:"is_language_subject"`
	LanguageType      streams.Language    `json:"language_type"`
	Credits           int                 `json:"credits"`
	IsActive          bool                `gorm:"not null" json:"is_active"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Session is one taken-attendance event, identified by (date, subject, slot).
type Session struct {
	ID               string                      `gorm:"primaryKey;size:36" json:"id"`
	Date             string                      `gorm:"size:10;not null" json:"date"`
	Subject          string                      `gorm:"size:128;not null" json:"subject"`
	SessionSlot      int                         `gorm:"not null" json:"session_slot"`
	SessionTime      string                      `json:"session_time,omitempty"`
	StudentsPresent  datatypes.JSONSlice[string] `json:"students_present"`
	EligibleStudents datatypes.JSONSlice[string] `json:"eligible_students"`
	TotalStudents    int                         `gorm:"not null" json:"total_students"`
	PresentCount     int                         `gorm:"not null" json:"present_count"`
	Percentage       float64                     `gorm:"not null" json:"percentage"`
	TakenBy          string                      `json:"taken_by,omitempty"`
	Stream           string                      `gorm:"not null" json:"stream"`
	Semester         int                         `gorm:"not null" json:"semester"`
	CreatedAt        time.Time                   `json:"created_at"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

// Schemas binds each partition kind to its record shape.
func Schemas() map[streams.Kind]store.Schema {
	return map[streams.Kind]store.Schema{
		streams.KindStudents: {Model: &Student{}},
		streams.KindSubjects: {Model: &Subject{}},
		streams.KindAttendance: {
			Model: &Session{},
			Indexes: func(table string) []string {
				return []string{
					"CREATE UNIQUE INDEX IF NOT EXISTS " + indexName("ux", table) +
						" ON " + table + " (date, subject, session_slot)",
				}
			},
		},
	}
}

// indexName stays unique per table and inside the identifier limit.
func indexName(prefix, table string) string {
	sum := sha1.Sum([]byte(table))
	return prefix + "_" + hex.EncodeToString(sum[:10])
}

// Percentage is present/total*100, and 0 when nobody is eligible.
func Percentage(present, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(present) / float64(total) * 100
}
