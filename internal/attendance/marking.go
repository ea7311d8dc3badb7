package attendance

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gorm.io/datatypes"

	"campusattend/internal/streams"
)

// MarkRequest records one attendance session.
type MarkRequest struct {
	Stream          string
	Semester        int
	Subject         string
	Date            string
	SessionSlot     int
	SessionTime     string
	StudentsPresent []string
	ForceOverwrite  bool
	TakenBy         string
}

// MarkResult describes the written session.
type MarkResult struct {
	Session     Session `json:"session"`
	Overwritten bool    `json:"overwritten"`
}

// normalizeIDs upper-cases, de-duplicates and sorts ids.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n := NormalizeID(id)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func studentIDs(list []Student) []string {
	out := make([]string, len(list))
	for i, st := range list {
		out[i] = st.StudentID
	}
	return out
}

// checkEligible returns the ids in present that are not in eligible.
func checkEligible(subject string, present, eligible []string) error {
	allowed := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		allowed[id] = true
	}
	var bad []string
	for _, id := range present {
		if !allowed[id] {
			bad = append(bad, id)
		}
	}
	if len(bad) > 0 {
		return &IneligibleStudentsError{Subject: subject, IDs: bad}
	}
	return nil
}

// MarkAttendance validates and stores one session. Nothing is written when validation fails.
// The duplicate check is read-then-write; the unique index on (date, subject, slot) catches races.
func (s *Service) MarkAttendance(ctx context.Context, req MarkRequest) (*MarkResult, error) {
	date, err := ParseDate(req.Date)
	if err != nil {
		return nil, err
	}
	slot := req.SessionSlot
	if slot == 0 {
		slot = 1
	}
	if slot < 0 {
		return nil, invalid("session_slot", "must be positive")
	}
	part, err := s.registry.ResolveAttendance(req.Stream, req.Semester, req.Subject)
	if err != nil {
		return nil, err
	}
	sub, err := s.activeSubject(ctx, req.Stream, req.Semester, req.Subject)
	if err != nil {
		return nil, err
	}
	eligible, err := s.eligibleStudents(ctx, req.Stream, req.Semester, sub)
	if err != nil {
		return nil, err
	}
	eligibleIDs := studentIDs(eligible)
	present := normalizeIDs(req.StudentsPresent)
	if err := checkEligible(sub.Name, present, eligibleIDs); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetSession(ctx, part, date, slot)
	if err != nil {
		return nil, err
	}
	if existing != nil && !req.ForceOverwrite {
		return nil, fmt.Errorf("%w: %s on %s slot %d", ErrDuplicateSession, sub.Name, date, slot)
	}

	sess := Session{
		Date:             date,
		Subject:          sub.Name,
		SessionSlot:      slot,
		SessionTime:      strings.TrimSpace(req.SessionTime),
		StudentsPresent:  datatypes.JSONSlice[string](present),
		EligibleStudents: datatypes.JSONSlice[string](eligibleIDs),
		TotalStudents:    len(eligibleIDs),
		PresentCount:     len(present),
		Percentage:       Percentage(len(present), len(eligibleIDs)),
		TakenBy:          req.TakenBy,
		Stream:           part.Stream,
		Semester:         req.Semester,
	}
	if existing != nil {
		sess.ID = existing.ID
		sess.CreatedAt = existing.CreatedAt
		sess.UpdatedAt = s.now()
		if err := s.repo.SaveSession(ctx, part, &sess); err != nil {
			return nil, err
		}
		return &MarkResult{Session: sess, Overwritten: true}, nil
	}
	if err := s.repo.InsertSession(ctx, part, &sess); err != nil {
		return nil, err
	}
	return &MarkResult{Session: sess}, nil
}

// ListSessions lists a subject's sessions between from and to (inclusive, optional).
// Deactivated subjects keep their history readable.
func (s *Service) ListSessions(ctx context.Context, stream string, semester int, subject, from, to string) ([]Session, error) {
	part, err := s.registry.ResolveAttendance(stream, semester, subject)
	if err != nil {
		return nil, err
	}
	if _, err := s.catalogSubject(ctx, stream, semester, part.Subject); err != nil {
		return nil, err
	}
	if from, to, err = dateRange(from, to); err != nil {
		return nil, err
	}
	return s.repo.ListSessions(ctx, part, from, to)
}

func dateRange(from, to string) (string, string, error) {
	var err error
	if from != "" {
		if from, err = ParseDate(from); err != nil {
			return "", "", invalid("from", "expected YYYY-MM-DD")
		}
	}
	if to != "" {
		if to, err = ParseDate(to); err != nil {
			return "", "", invalid("to", "expected YYYY-MM-DD")
		}
	}
	if from != "" && to != "" && from > to {
		return "", "", invalid("from", "after to")
	}
	return from, to, nil
}

// SessionUpdate replaces the present list of an existing session.
type SessionUpdate struct {
	Date            string
	SessionSlot     int
	StudentsPresent []string
}

// BulkUpdateSessions applies each update independently and reports per-item results.
// Eligibility is checked against the session's stored snapshot.
func (s *Service) BulkUpdateSessions(ctx context.Context, stream string, semester int, subject string, updates []SessionUpdate) ([]ItemResult, error) {
	part, err := s.registry.ResolveAttendance(stream, semester, subject)
	if err != nil {
		return nil, err
	}
	sub, err := s.activeSubject(ctx, stream, semester, subject)
	if err != nil {
		return nil, err
	}
	var live []string
	results := make([]ItemResult, 0, len(updates))
	for i, u := range updates {
		res := ItemResult{Index: i, Key: u.Date}
		err := func() error {
			date, err := ParseDate(u.Date)
			if err != nil {
				return err
			}
			slot := u.SessionSlot
			if slot <= 0 {
				slot = 1
			}
			res.Key = fmt.Sprintf("%s#%d", date, slot)
			sess, err := s.repo.GetSession(ctx, part, date, slot)
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("%w: %s on %s slot %d", ErrSessionNotFound, sub.Name, date, slot)
			}
			eligible := []string(sess.EligibleStudents)
			if len(eligible) == 0 {
				if live == nil {
					students, err := s.eligibleStudents(ctx, stream, semester, sub)
					if err != nil {
						return err
					}
					live = studentIDs(students)
				}
				eligible = live
			}
			present := normalizeIDs(u.StudentsPresent)
			if err := checkEligible(sub.Name, present, eligible); err != nil {
				return err
			}
			sess.StudentsPresent = datatypes.JSONSlice[string](present)
			sess.EligibleStudents = datatypes.JSONSlice[string](eligible)
			sess.TotalStudents = len(eligible)
			sess.PresentCount = len(present)
			sess.Percentage = Percentage(len(present), len(eligible))
			sess.UpdatedAt = s.now()
			return s.repo.SaveSession(ctx, part, sess)
		}()
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
		}
		results = append(results, res)
	}
	return results, nil
}

// subjectPartition resolves the attendance partition of a catalog subject.
func (s *Service) subjectPartition(stream string, semester int, sub Subject) (streams.Partition, error) {
	return s.registry.ResolveAttendance(stream, semester, sub.Name)
}
