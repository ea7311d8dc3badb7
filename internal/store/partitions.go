package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"campusattend/internal/streams"
)

// ErrPartitionBinding is returned when a partition cannot be bound to its schema.
var ErrPartitionBinding = errors.New("partition binding failed")

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Schema is the record shape bound to every partition of one kind.
type Schema struct {
	Model any
	// Indexes returns the DDL statements run after the table exists.
	Indexes func(table string) []string
}

// Handle is a data-access handle bound to one partition table.
type Handle struct {
	Table string
	Kind  streams.Kind
	db    *gorm.DB
}

// Query starts a gorm session scoped to the partition table.
func (h *Handle) Query(ctx context.Context) *gorm.DB {
	return h.db.WithContext(ctx).Table(h.Table)
}

// In scopes the partition table to an open transaction.
func (h *Handle) In(tx *gorm.DB) *gorm.DB {
	return tx.Table(h.Table)
}

// PartitionStore lazily binds partition tables and caches their handles.
// Entries are never evicted.
type PartitionStore struct {
	db      *gorm.DB
	schemas map[streams.Kind]Schema

	mu      sync.RWMutex
	handles map[string]*Handle
	group   singleflight.Group

	// OnBind is called once per partition after a successful bind.
	OnBind func(id string, kind streams.Kind)
}

// NewPartitionStore creates the cache. Construct it once per process.
func NewPartitionStore(db *gorm.DB, schemas map[streams.Kind]Schema) *PartitionStore {
	return &PartitionStore{
		db:      db,
		schemas: schemas,
		handles: make(map[string]*Handle),
	}
}

// DB exposes the underlying session for transactions spanning partitions.
func (s *PartitionStore) DB() *gorm.DB {
	return s.db
}

// Accessor returns the handle for a partition, binding it on first use.
func (s *PartitionStore) Accessor(ctx context.Context, id string, kind streams.Kind) (*Handle, error) {
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	if ok {
		return checkKind(h, id, kind)
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		s.mu.RLock()
		existing, ok := s.handles[id]
		s.mu.RUnlock()
		if ok {
			return existing, nil
		}
		bound, err := s.bind(ctx, id, kind)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.handles[id] = bound
		s.mu.Unlock()
		if s.OnBind != nil {
			s.OnBind(id, kind)
		}
		return bound, nil
	})
	if err != nil {
		return nil, err
	}
	return checkKind(v.(*Handle), id, kind)
}

func checkKind(h *Handle, id string, kind streams.Kind) (*Handle, error) {
	if h.Kind != kind {
		return nil, fmt.Errorf("%w: %s is bound as %s, not %s", ErrPartitionBinding, id, h.Kind, kind)
	}
	return h, nil
}

func (s *PartitionStore) bind(ctx context.Context, id string, kind streams.Kind) (*Handle, error) {
	if !identPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: malformed identifier %q", ErrPartitionBinding, id)
	}
	schema, ok := s.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no schema for kind %q", ErrPartitionBinding, kind)
	}
	db := s.db.WithContext(ctx)
	if err := db.Table(id).AutoMigrate(schema.Model); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPartitionBinding, id, err)
	}
	if schema.Indexes != nil {
		for _, ddl := range schema.Indexes(id) {
			if err := db.Exec(ddl).Error; err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrPartitionBinding, id, err)
			}
		}
	}
	log.Printf("[partition] bound %s as %s", id, kind)
	return &Handle{Table: id, Kind: kind, db: s.db}, nil
}

// Bound lists the partitions bound so far, sorted.
func (s *PartitionStore) Bound() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handles))
	for id := range s.handles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
