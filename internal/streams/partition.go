package streams

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Kind names the entity stored in a partition.
type Kind string

const (
	KindStudents   Kind = "students"
	KindSubjects   Kind = "subjects"
	KindAttendance Kind = "attendance"
)

// maxIdentifier is the Postgres identifier limit.
const maxIdentifier = 63

// Partition identifies one physical storage area.
type Partition struct {
	ID       string
	Stream   string
	Semester int
	Kind     Kind
	Subject  string
}

// Resolve maps (stream, semester, kind) to a student or subject partition.
func (r *Registry) Resolve(stream string, semester int, kind Kind) (Partition, error) {
	if kind != KindStudents && kind != KindSubjects {
		return Partition{}, fmt.Errorf("streams: kind %q needs a subject, use ResolveAttendance", kind)
	}
	d, err := r.Check(stream, semester)
	if err != nil {
		return Partition{}, err
	}
	return Partition{
		ID:       partitionID(d.Prefix, semester, string(kind)),
		Stream:   d.Name,
		Semester: semester,
		Kind:     kind,
	}, nil
}

// ResolveAttendance maps (stream, semester, subject) to the subject's attendance partition.
func (r *Registry) ResolveAttendance(stream string, semester int, subject string) (Partition, error) {
	d, err := r.Check(stream, semester)
	if err != nil {
		return Partition{}, err
	}
	name := NormalizeName(subject)
	if name == "" {
		return Partition{}, fmt.Errorf("%w: %q", ErrEmptySubject, subject)
	}
	return Partition{
		ID:       partitionID(d.Prefix, semester, "att_"+encodeSubject(name)),
		Stream:   d.Name,
		Semester: semester,
		Kind:     KindAttendance,
		Subject:  name,
	}, nil
}

func partitionID(prefix string, semester int, suffix string) string {
	id := prefix + "_sem" + strconv.Itoa(semester) + "_" + suffix
	if len(id) <= maxIdentifier {
		return id
	}
	sum := sha1.Sum([]byte(id))
	return id[:54] + "_" + hex.EncodeToString(sum[:4])
}

// encodeSubject keeps [a-z0-9] and escapes every other byte as _XX.
func encodeSubject(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

// NormalizeName upper-cases and collapses whitespace; used for subject names and student ids.
func NormalizeName(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
