package teachers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"campusattend/internal/cloudinary"
	"campusattend/internal/streams"
)

// MaxHistory bounds the stored session history of one teacher.
const MaxHistory = 500

// Identity is the authenticated caller.
type Identity struct {
	AuthID string
	Email  string
	Name   string
}

// Uploader stores avatar images.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error)
}

// Service manages teacher profiles.
type Service struct {
	repo     *Repository
	registry *streams.Registry
	avatars  Uploader
	now      func() time.Time
}

// NewService creates a service. avatars may be nil when uploads are not configured.
func NewService(repo *Repository, registry *streams.Registry, avatars Uploader) *Service {
	return &Service{repo: repo, registry: registry, avatars: avatars, now: func() time.Time { return time.Now().UTC() }}
}

// Sync creates the caller's profile on first sight and refreshes name and email afterwards.
func (s *Service) Sync(ctx context.Context, id Identity) (*Profile, bool, error) {
	if strings.TrimSpace(id.AuthID) == "" {
		return nil, false, fmt.Errorf("%w: auth id required", ErrInvalidInput)
	}
	p, err := s.repo.Mutate(ctx, id.AuthID, func(p *Profile) error {
		if id.Email != "" {
			p.Email = id.Email
		}
		if id.Name != "" {
			p.Name = id.Name
		}
		return nil
	})
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return nil, false, err
	}
	p = &Profile{
		ID:       uuid.NewString(),
		AuthID:   id.AuthID,
		Email:    id.Email,
		Name:     id.Name,
		Subjects: []LibrarySubject{},
		History:  []HistoryEntry{},
	}
	if err := s.repo.Create(ctx, p); err != nil {
		// lost a race with another first sync
		if existing, gerr := s.repo.ByAuthID(ctx, id.AuthID); gerr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	log.Printf("[teachers] created profile %s for %s", p.ID, p.Email)
	return p, true, nil
}

// Get returns the caller's profile.
func (s *Service) Get(ctx context.Context, authID string) (*Profile, error) {
	return s.repo.ByAuthID(ctx, authID)
}

// AddSubject appends a class to the library. Stream and semester must be offered.
func (s *Service) AddSubject(ctx context.Context, authID, stream string, semester int, subject string) (*LibrarySubject, error) {
	d, err := s.registry.Check(stream, semester)
	if err != nil {
		return nil, err
	}
	name := streams.NormalizeName(subject)
	if name == "" {
		return nil, fmt.Errorf("%w: subject required", ErrInvalidInput)
	}
	entry := LibrarySubject{ID: uuid.NewString(), Subject: name, Stream: d.Name, Semester: semester, AddedAt: s.now()}
	_, err = s.repo.Mutate(ctx, authID, func(p *Profile) error {
		for _, have := range p.Subjects {
			if have.Subject == name && have.Stream == d.Name && have.Semester == semester {
				return fmt.Errorf("%w: %s %s semester %d", ErrDuplicateLibrarySubject, name, d.Name, semester)
			}
		}
		p.Subjects = append(p.Subjects, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// RemoveSubject drops a library entry by id.
func (s *Service) RemoveSubject(ctx context.Context, authID, id string) error {
	_, err := s.repo.Mutate(ctx, authID, func(p *Profile) error {
		for i, have := range p.Subjects {
			if have.ID == id {
				p.Subjects = append(p.Subjects[:i], p.Subjects[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrLibrarySubjectNotFound, id)
	})
	return err
}

// Subjects lists the library.
func (s *Service) Subjects(ctx context.Context, authID string) ([]LibrarySubject, error) {
	p, err := s.repo.ByAuthID(ctx, authID)
	if err != nil {
		return nil, err
	}
	if p.Subjects == nil {
		return []LibrarySubject{}, nil
	}
	return p.Subjects, nil
}

// SaveQueue replaces the client's pending attendance queue. The payload is stored as given.
func (s *Service) SaveQueue(ctx context.Context, authID string, raw json.RawMessage) error {
	if !json.Valid(raw) {
		return fmt.Errorf("%w: queue must be JSON", ErrInvalidInput)
	}
	_, err := s.repo.Mutate(ctx, authID, func(p *Profile) error {
		p.Queue = datatypes.JSON(raw)
		return nil
	})
	return err
}

// Queue returns the stored queue, JSON null when none was saved.
func (s *Service) Queue(ctx context.Context, authID string) (json.RawMessage, error) {
	p, err := s.repo.ByAuthID(ctx, authID)
	if err != nil {
		return nil, err
	}
	if len(p.Queue) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(p.Queue), nil
}

// AppendHistory records a taken session, keeping the newest MaxHistory entries.
func (s *Service) AppendHistory(ctx context.Context, authID string, e HistoryEntry) (*HistoryEntry, error) {
	d, err := s.registry.Check(e.Stream, e.Semester)
	if err != nil {
		return nil, err
	}
	e.Stream = d.Name
	e.Subject = streams.NormalizeName(e.Subject)
	if e.Subject == "" || e.Date == "" {
		return nil, fmt.Errorf("%w: subject and date required", ErrInvalidInput)
	}
	e.ID = uuid.NewString()
	if e.TakenAt.IsZero() {
		e.TakenAt = s.now()
	}
	_, err = s.repo.Mutate(ctx, authID, func(p *Profile) error {
		p.History = append(p.History, e)
		if n := len(p.History); n > MaxHistory {
			p.History = p.History[n-MaxHistory:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// History returns up to limit entries, newest first. limit <= 0 means all.
func (s *Service) History(ctx context.Context, authID string, limit int) ([]HistoryEntry, error) {
	p, err := s.repo.ByAuthID(ctx, authID)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(p.History))
	for i := len(p.History) - 1; i >= 0; i-- {
		out = append(out, p.History[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// UploadAvatar stores a new photo and records its URL on the profile.
func (s *Service) UploadAvatar(ctx context.Context, authID string, data []byte, filename string) (*Profile, error) {
	if s.avatars == nil {
		return nil, ErrAvatarUnavailable
	}
	p, err := s.repo.ByAuthID(ctx, authID)
	if err != nil {
		return nil, err
	}
	res, err := s.avatars.Upload(ctx, data, filename, "teacher_"+p.ID)
	if err != nil {
		return nil, err
	}
	return s.repo.Mutate(ctx, authID, func(p *Profile) error {
		p.PhotoURL = res.SecureURL
		return nil
	})
}
