package streams

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrUnknownStream is returned when a stream name has no registry entry.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrSemesterOutOfRange is returned when a semester is not offered by a stream.
	ErrSemesterOutOfRange = errors.New("semester out of range")
	// ErrEmptySubject is returned when a subject name is blank after normalization.
	ErrEmptySubject = errors.New("subject name is empty")
)

var prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

// Descriptor describes one degree program and the partitions it owns.
type Descriptor struct {
	Name      string   `mapstructure:"name" json:"name"`
	Prefix    string   `mapstructure:"prefix" json:"prefix"`
	Semesters []int    `mapstructure:"semesters" json:"semesters"`
	Aliases   []string `mapstructure:"aliases" json:"aliases,omitempty"`
}

// Allows reports whether the semester is offered by the stream.
func (d Descriptor) Allows(semester int) bool {
	for _, s := range d.Semesters {
		if s == semester {
			return true
		}
	}
	return false
}

// Terminal returns the highest semester of the stream.
func (d Descriptor) Terminal() int {
	return d.Semesters[len(d.Semesters)-1]
}

// Registry is an immutable lookup table of streams.
type Registry struct {
	streams []Descriptor
	byKey   map[string]int
}

// NewRegistry validates descriptors and builds the lookup table.
func NewRegistry(descs []Descriptor) (*Registry, error) {
	if len(descs) == 0 {
		return nil, errors.New("streams: registry is empty")
	}
	r := &Registry{byKey: make(map[string]int)}
	prefixes := make(map[string]string)
	for _, d := range descs {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, errors.New("streams: descriptor without name")
		}
		if !prefixPattern.MatchString(d.Prefix) {
			return nil, fmt.Errorf("streams: invalid prefix %q for %s", d.Prefix, d.Name)
		}
		if other, dup := prefixes[d.Prefix]; dup {
			return nil, fmt.Errorf("streams: prefix %q shared by %s and %s", d.Prefix, other, d.Name)
		}
		prefixes[d.Prefix] = d.Name

		sems, err := normalizeSemesters(d.Semesters)
		if err != nil {
			return nil, fmt.Errorf("streams: %s: %w", d.Name, err)
		}
		d.Semesters = sems
		d.Aliases = append([]string(nil), d.Aliases...)

		idx := len(r.streams)
		r.streams = append(r.streams, d)
		for _, key := range append([]string{d.Name, d.Prefix}, d.Aliases...) {
			k := lookupKey(key)
			if k == "" {
				continue
			}
			if prev, ok := r.byKey[k]; ok && prev != idx {
				return nil, fmt.Errorf("streams: name or alias %q is ambiguous", key)
			}
			r.byKey[k] = idx
		}
	}
	return r, nil
}

func normalizeSemesters(in []int) ([]int, error) {
	if len(in) == 0 {
		return nil, errors.New("no semesters")
	}
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, s := range in {
		if s <= 0 {
			return nil, fmt.Errorf("invalid semester %d", s)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Ints(out)
	return out, nil
}

func lookupKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Default returns the built-in registry of the college's programs.
func Default() *Registry {
	r, err := NewRegistry(DefaultDescriptors())
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultDescriptors lists the programs served when no registry file is configured.
func DefaultDescriptors() []Descriptor {
	all := []int{1, 2, 3, 4, 5, 6}
	return []Descriptor{
		{Name: "BCA", Prefix: "bca", Semesters: all},
		{Name: "BBA", Prefix: "bba", Semesters: all},
		{Name: "BCom", Prefix: "bcom", Semesters: all, Aliases: []string{"b.com"}},
		{Name: "BCom Section B", Prefix: "bcomsecb", Semesters: []int{5, 6},
			Aliases: []string{"bcom_section_b", "bcom-section-b", "bcom-sec-b", "bcom b", "bcom sec b"}},
		{Name: "BCom-BDA", Prefix: "bcombda", Semesters: all,
			Aliases: []string{"bcom bda", "bcom_bda", "bda"}},
		{Name: "BCom A and F", Prefix: "bcomaf", Semesters: all,
			Aliases: []string{"bcom a&f", "bcom_a_and_f", "bcom-a-and-f", "bcom af"}},
	}
}

// LoadRegistry reads the registry from a YAML or JSON file. An empty path yields Default.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("streams: read %s: %w", path, err)
	}
	var descs []Descriptor
	if err := v.UnmarshalKey("streams", &descs); err != nil {
		return nil, fmt.Errorf("streams: decode %s: %w", path, err)
	}
	return NewRegistry(descs)
}

// All returns a copy of every descriptor in registration order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(r.streams))
	copy(out, r.streams)
	return out
}

// Lookup resolves a display name, prefix or alias to its descriptor.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	idx, ok := r.byKey[lookupKey(name)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	return r.streams[idx], nil
}

// Check resolves the stream and verifies the semester is offered.
func (r *Registry) Check(name string, semester int) (Descriptor, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return Descriptor{}, err
	}
	if !d.Allows(semester) {
		return Descriptor{}, fmt.Errorf("%w: %s offers semesters %s, got %d",
			ErrSemesterOutOfRange, d.Name, formatSemesters(d.Semesters), semester)
	}
	return d, nil
}

func formatSemesters(sems []int) string {
	parts := make([]string, len(sems))
	for i, s := range sems {
		parts[i] = strconv.Itoa(s)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ParseSemester accepts path segments of the form "sem3" or "3".
func ParseSemester(seg string) (int, error) {
	s := strings.TrimSpace(strings.ToLower(seg))
	s = strings.TrimPrefix(s, "sem")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid semester %q", seg)
	}
	return n, nil
}
