package notify

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Send outcomes recorded per student.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Log states. A log is claimed in the sending state before any message goes out.
const (
	LogSending = "sending"
	LogDone    = "done"
)

// SendResult is the outcome of one parent message.
type SendResult struct {
	StudentID      string   `json:"student_id"`
	Name           string   `json:"name"`
	Phone          string   `json:"phone"`
	Status         string   `json:"status"`
	MessageID      string   `json:"message_id,omitempty"`
	ErrorCode      int      `json:"error_code,omitempty"`
	Error          string   `json:"error,omitempty"`
	FullDay        bool     `json:"full_day"`
	AbsentSubjects []string `json:"absent_subjects"`
}

// NotificationLog is the idempotency record of one (date, stream, semester) dispatch.
type NotificationLog struct {
	ID              string                          `gorm:"primaryKey;size:36" json:"id"`
	Date            string                          `gorm:"size:10;not null;uniqueIndex:ux_notification_logs_key" json:"date"`
	Stream          string                          `gorm:"size:64;not null;uniqueIndex:ux_notification_logs_key" json:"stream"`
	Semester        int                             `gorm:"not null;uniqueIndex:ux_notification_logs_key" json:"semester"`
	MessagesSent    int                             `gorm:"not null" json:"messages_sent"`
	MessagesFailed  int                             `gorm:"not null" json:"messages_failed"`
	MessagesSkipped int                             `gorm:"not null" json:"messages_skipped"`
	TotalAbsent     int                             `gorm:"not null" json:"total_absent"`
	SubjectsCovered datatypes.JSONSlice[string]     `json:"subjects_covered"`
	Results         datatypes.JSONSlice[SendResult] `json:"results"`
	ForceResend     bool                            `gorm:"not null" json:"force_resend"`
	Status          string                          `gorm:"size:16;not null" json:"status"`
	ClaimedAt       time.Time                       `json:"claimed_at"`
	ClaimToken      string                          `gorm:"size:36" json:"-"`
	CreatedAt       time.Time                       `json:"created_at"`
	UpdatedAt       time.Time                       `json:"updated_at"`
}

// TableName pins the shared log table.
func (NotificationLog) TableName() string { return "notification_logs" }

// LogRepository stores notification logs in their shared table.
type LogRepository struct {
	db           *gorm.DB
	queryTimeout time.Duration
}

// NewLogRepository creates a repo. Reads are bounded by queryTimeout.
func NewLogRepository(db *gorm.DB, queryTimeout time.Duration) *LogRepository {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &LogRepository{db: db, queryTimeout: queryTimeout}
}

// Migrate creates the table and its unique key.
func (r *LogRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&NotificationLog{})
}

// Find returns the log of one dispatch key, nil when absent.
func (r *LogRepository) Find(ctx context.Context, date, stream string, semester int) (*NotificationLog, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	var entry NotificationLog
	err := r.db.WithContext(ctx).
		Where("date = ? AND stream = ? AND semester = ?", date, stream, semester).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Claim takes the (date, stream, semester) key for one dispatch run before anything is sent.
// A missing row is inserted; an existing row is taken over only when nobody holds a live claim
// and, without force, nothing was sent yet. ok is false when the key stays with someone else.
func (r *LogRepository) Claim(ctx context.Context, entry *NotificationLog, force bool, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	entry.Status = LogSending
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}, {Name: "stream"}, {Name: "semester"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	q := r.db.WithContext(ctx).Model(&NotificationLog{}).
		Where("date = ? AND stream = ? AND semester = ?", entry.Date, entry.Stream, entry.Semester).
		Where("(status <> ? OR claimed_at < ?)", LogSending, entry.ClaimedAt.Add(-ttl))
	if !force {
		q = q.Where("messages_sent = 0")
	}
	res = q.Updates(map[string]any{
		"status":       LogSending,
		"claimed_at":   entry.ClaimedAt,
		"claim_token":  entry.ClaimToken,
		"force_resend": entry.ForceResend,
		"updated_at":   entry.ClaimedAt,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Touch renews a live claim so a long run is not taken over.
func (r *LogRepository) Touch(ctx context.Context, entry *NotificationLog, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	return r.db.WithContext(ctx).Model(&NotificationLog{}).
		Where("date = ? AND stream = ? AND semester = ? AND claim_token = ?", entry.Date, entry.Stream, entry.Semester, entry.ClaimToken).
		Update("claimed_at", at).Error
}

// ErrClaimLost is returned by Finalize when another run took the key over.
var ErrClaimLost = errors.New("notification log claimed by another dispatch")

// Finalize records the run's outcome on the claimed row and reads the stored row back into entry.
func (r *LogRepository) Finalize(ctx context.Context, entry *NotificationLog, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	res := r.db.WithContext(ctx).Model(&NotificationLog{}).
		Where("date = ? AND stream = ? AND semester = ? AND claim_token = ?", entry.Date, entry.Stream, entry.Semester, entry.ClaimToken).
		Updates(map[string]any{
			"messages_sent":    entry.MessagesSent,
			"messages_failed":  entry.MessagesFailed,
			"messages_skipped": entry.MessagesSkipped,
			"total_absent":     entry.TotalAbsent,
			"subjects_covered": entry.SubjectsCovered,
			"results":          entry.Results,
			"force_resend":     entry.ForceResend,
			"status":           LogDone,
			"updated_at":       at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	stored, err := r.Find(ctx, entry.Date, entry.Stream, entry.Semester)
	if err != nil {
		return err
	}
	if stored != nil {
		*entry = *stored
	}
	return nil
}

// List returns a partition's logs, newest date first. date filters when set.
func (r *LogRepository) List(ctx context.Context, stream string, semester int, date string) ([]NotificationLog, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	q := r.db.WithContext(ctx).Where("stream = ? AND semester = ?", stream, semester)
	if date != "" {
		q = q.Where("date = ?", date)
	}
	var out []NotificationLog
	if err := q.Order("date DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
