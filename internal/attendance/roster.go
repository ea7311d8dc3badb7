package attendance

import (
	"context"
	"fmt"
	"strings"

	"campusattend/internal/streams"
)

// ParsePhone accepts Indian mobile numbers in the usual spellings and returns +91XXXXXXXXXX.
func ParsePhone(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	digits = strings.TrimPrefix(digits, "+")
	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "91"):
		digits = digits[2:]
	case len(digits) == 11 && strings.HasPrefix(digits, "0"):
		digits = digits[1:]
	}
	if len(digits) != 10 || digits[0] < '6' || digits[0] > '9' {
		return "", invalid("parent_phone", "invalid mobile number %q", raw)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", invalid("parent_phone", "invalid mobile number %q", raw)
		}
	}
	return "+91" + digits, nil
}

// NormalizeID upper-cases a student id and strips whitespace.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.Join(strings.Fields(id), ""))
}

// StudentInput is the payload for enrolling a student. LanguageChoice may be any
// spelling ParseLanguage accepts.
type StudentInput struct {
	StudentID      string
	Name           string
	ParentPhone    string
	LanguageChoice streams.Language
	IsActive       *bool
}

// StudentUpdate carries the mutable student fields; nil fields are left as is.
type StudentUpdate struct {
	Name           *string
	ParentPhone    *string
	LanguageChoice *streams.Language
	IsActive       *bool
}

// ItemResult is the outcome of one entry of a batch request.
type ItemResult struct {
	Index   int    `json:"index"`
	Key     string `json:"key"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Service) newStudent(p streams.Partition, in StudentInput) (*Student, error) {
	id := NormalizeID(in.StudentID)
	if id == "" {
		return nil, invalid("student_id", "required")
	}
	if len(id) > 32 {
		return nil, invalid("student_id", "at most 32 characters")
	}
	name := strings.Join(strings.Fields(in.Name), " ")
	if name == "" {
		return nil, invalid("name", "required")
	}
	phone := ""
	if strings.TrimSpace(in.ParentPhone) != "" {
		var err error
		if phone, err = ParsePhone(in.ParentPhone); err != nil {
			return nil, err
		}
	}
	lang, err := streams.ParseLanguage(string(in.LanguageChoice))
	if err != nil {
		return nil, invalid("language_choice", "%v", err)
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return &Student{
		StudentID:        id,
		Name:             name,
		Stream:           p.Stream,
		Semester:         p.Semester,
		ParentPhone:      phone,
		LanguageChoice:   lang,
		IsActive:         active,
		OriginalSemester: p.Semester,
	}, nil
}

// CreateStudent enrolls a student into the (stream, semester) partition.
func (s *Service) CreateStudent(ctx context.Context, stream string, semester int, in StudentInput) (*Student, error) {
	p, err := s.registry.Resolve(stream, semester, streams.KindStudents)
	if err != nil {
		return nil, err
	}
	st, err := s.newStudent(p, in)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.GetStudent(ctx, p, st.StudentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateStudent, st.StudentID)
	}
	if err := s.repo.InsertStudent(ctx, p, st); err != nil {
		return nil, err
	}
	return st, nil
}

// BulkCreateStudents enrolls each entry independently and reports per-item results.
func (s *Service) BulkCreateStudents(ctx context.Context, stream string, semester int, in []StudentInput) ([]ItemResult, error) {
	if _, err := s.registry.Resolve(stream, semester, streams.KindStudents); err != nil {
		return nil, err
	}
	results := make([]ItemResult, 0, len(in))
	for i, item := range in {
		res := ItemResult{Index: i, Key: NormalizeID(item.StudentID)}
		if _, err := s.CreateStudent(ctx, stream, semester, item); err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
		}
		results = append(results, res)
	}
	return results, nil
}

// GetStudent fetches a student; the id is matched case-insensitively.
func (s *Service) GetStudent(ctx context.Context, stream string, semester int, id string) (*Student, error) {
	p, err := s.registry.Resolve(stream, semester, streams.KindStudents)
	if err != nil {
		return nil, err
	}
	st, err := s.repo.GetStudent(ctx, p, NormalizeID(id))
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s in %s semester %d", ErrStudentNotFound, NormalizeID(id), p.Stream, semester)
	}
	return st, nil
}

// ListStudents lists a partition's students.
func (s *Service) ListStudents(ctx context.Context, stream string, semester int, active *bool) ([]Student, error) {
	p, err := s.registry.Resolve(stream, semester, streams.KindStudents)
	if err != nil {
		return nil, err
	}
	return s.repo.ListStudents(ctx, p, active)
}

// UpdateStudent applies the non-nil fields of upd.
func (s *Service) UpdateStudent(ctx context.Context, stream string, semester int, id string, upd StudentUpdate) (*Student, error) {
	st, err := s.GetStudent(ctx, stream, semester, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.Join(strings.Fields(*upd.Name), " ")
		if name == "" {
			return nil, invalid("name", "must not be empty")
		}
		st.Name = name
	}
	if upd.ParentPhone != nil {
		if strings.TrimSpace(*upd.ParentPhone) == "" {
			st.ParentPhone = ""
		} else {
			phone, err := ParsePhone(*upd.ParentPhone)
			if err != nil {
				return nil, err
			}
			st.ParentPhone = phone
		}
	}
	if upd.LanguageChoice != nil {
		lang, err := streams.ParseLanguage(string(*upd.LanguageChoice))
		if err != nil {
			return nil, invalid("language_choice", "%v", err)
		}
		st.LanguageChoice = lang
	}
	if upd.IsActive != nil {
		st.IsActive = *upd.IsActive
	}
	st.UpdatedAt = s.now()

	p, _ := s.registry.Resolve(stream, semester, streams.KindStudents)
	if err := s.repo.SaveStudent(ctx, p, st); err != nil {
		return nil, err
	}
	return st, nil
}

// DeleteStudent removes a student from its partition.
func (s *Service) DeleteStudent(ctx context.Context, stream string, semester int, id string) error {
	p, err := s.registry.Resolve(stream, semester, streams.KindStudents)
	if err != nil {
		return err
	}
	return s.repo.DeleteStudent(ctx, p, NormalizeID(id))
}

// AllStudents gathers every partition's students. The whole scan shares one query deadline.
func (s *Service) AllStudents(ctx context.Context) ([]Student, error) {
	ctx, cancel := context.WithTimeout(ctx, s.repo.queryTimeout)
	defer cancel()
	var out []Student
	for _, d := range s.registry.All() {
		for _, sem := range d.Semesters {
			p, err := s.registry.Resolve(d.Name, sem, streams.KindStudents)
			if err != nil {
				return nil, err
			}
			list, err := s.repo.ListStudents(ctx, p, nil)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", p.ID, err)
			}
			out = append(out, list...)
		}
	}
	return out, nil
}

// SubjectInput is the payload for creating a subject.
type SubjectInput struct {
	Name         string
	Type         string
	LanguageType streams.Language
	Credits      int
}

func newSubject(p streams.Partition, in SubjectInput) (*Subject, error) {
	name := streams.NormalizeName(in.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}
	if len(name) > 128 {
		return nil, invalid("name", "at most 128 characters")
	}
	typ, err := streams.ParseSubjectType(in.Type)
	if err != nil {
		return nil, invalid("type", "%v", err)
	}
	lang, err := streams.ParseLanguage(string(in.LanguageType))
	if err != nil {
		return nil, invalid("language_type", "%v", err)
	}
	if strings.TrimSpace(in.Type) == "" && lang != streams.LanguageNone {
		typ = streams.SubjectLanguage
	}
	switch {
	case typ == streams.SubjectLanguage && lang == streams.LanguageNone:
		return nil, invalid("language_type", "required for language subjects")
	case typ != streams.SubjectLanguage && lang != streams.LanguageNone:
		return nil, invalid("language_type", "only language subjects carry a language")
	}
	if in.Credits < 0 {
		return nil, invalid("credits", "must not be negative")
	}
	return &Subject{
		Name:              name,
		Stream:            p.Stream,
		Semester:          p.Semester,
		Type:              typ,
		IsLanguageSubject: typ == streams.SubjectLanguage,
		LanguageType:      lang,
		Credits:           in.Credits,
		IsActive:          true,
	}, nil
}

// CreateSubject adds a subject to the (stream, semester) catalog.
func (s *Service) CreateSubject(ctx context.Context, stream string, semester int, in SubjectInput) (*Subject, error) {
	p, err := s.registry.Resolve(stream, semester, streams.KindSubjects)
	if err != nil {
		return nil, err
	}
	sub, err := newSubject(p, in)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.GetSubject(ctx, p, sub.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubject, sub.Name)
	}
	if err := s.repo.InsertSubject(ctx, p, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubjects lists a catalog.
func (s *Service) ListSubjects(ctx context.Context, stream string, semester int, active *bool) ([]Subject, error) {
	p, err := s.registry.Resolve(stream, semester, streams.KindSubjects)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSubjects(ctx, p, active)
}

// DeactivateSubject hides a subject from marking without deleting its history.
func (s *Service) DeactivateSubject(ctx context.Context, stream string, semester int, name string) error {
	p, err := s.registry.Resolve(stream, semester, streams.KindSubjects)
	if err != nil {
		return err
	}
	return s.repo.SetSubjectActive(ctx, p, streams.NormalizeName(name), false)
}

// catalogSubject resolves a subject of the catalog, active or not.
// It only reads the subjects partition, so an unknown name never binds an attendance table.
func (s *Service) catalogSubject(ctx context.Context, stream string, semester int, name string) (*Subject, error) {
	p, err := s.registry.Resolve(stream, semester, streams.KindSubjects)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.GetSubject(ctx, p, streams.NormalizeName(name))
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: %s in %s semester %d", ErrSubjectNotFound, streams.NormalizeName(name), p.Stream, semester)
	}
	return sub, nil
}

// activeSubject resolves a subject that may be marked.
func (s *Service) activeSubject(ctx context.Context, stream string, semester int, name string) (*Subject, error) {
	sub, err := s.catalogSubject(ctx, stream, semester, name)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive {
		return nil, fmt.Errorf("%w: %s in %s semester %d is inactive", ErrSubjectNotFound, sub.Name, sub.Stream, semester)
	}
	return sub, nil
}

// Eligible reports whether a student may be marked for the subject.
func (sub *Subject) Eligible(st Student) bool {
	if !st.IsActive {
		return false
	}
	if sub.IsLanguageSubject {
		return st.LanguageChoice == sub.LanguageType
	}
	return true
}

// eligibleStudents returns the active students eligible for sub, ordered by id.
func (s *Service) eligibleStudents(ctx context.Context, stream string, semester int, sub *Subject) ([]Student, error) {
	p, err := s.registry.Resolve(stream, semester, streams.KindStudents)
	if err != nil {
		return nil, err
	}
	all, err := s.repo.ListStudents(ctx, p, boolPtr(true))
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, st := range all {
		if sub.Eligible(st) {
			out = append(out, st)
		}
	}
	return out, nil
}
