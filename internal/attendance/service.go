package attendance

import (
	"time"

	"campusattend/internal/streams"
)

// Service coordinates roster management, attendance marking and promotion.
type Service struct {
	repo     *Repository
	registry *streams.Registry
	now      func() time.Time
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, registry *streams.Registry) *Service {
	return &Service{repo: repo, registry: registry, now: func() time.Time { return time.Now().UTC() }}
}

// Registry exposes the stream registry the service resolves against.
func (s *Service) Registry() *streams.Registry {
	return s.registry
}

const dateLayout = "2006-01-02"

// ParseDate validates a YYYY-MM-DD date.
func ParseDate(v string) (string, error) {
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return "", invalid("date", "expected YYYY-MM-DD, got %q", v)
	}
	return t.Format(dateLayout), nil
}

func boolPtr(b bool) *bool { return &b }
