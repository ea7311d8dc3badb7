package attendance

import (
	"context"
	"fmt"

	"campusattend/internal/streams"
)

// RegisterColumn is one session column of the attendance register.
type RegisterColumn struct {
	Date          string  `json:"date"`
	SessionSlot   int     `json:"session_slot"`
	SessionTime   string  `json:"session_time,omitempty"`
	PresentCount  int     `json:"present_count"`
	TotalStudents int     `json:"total_students"`
	Percentage    float64 `json:"percentage"`
}

// RegisterRow is one student's line: P present, A absent, - not eligible.
type RegisterRow struct {
	StudentID  string   `json:"student_id"`
	Name       string   `json:"name"`
	Marks      []string `json:"marks"`
	Attended   int      `json:"attended"`
	Held       int      `json:"held"`
	Percentage float64  `json:"percentage"`
}

// Register is the student × session matrix of one subject.
type Register struct {
	Stream   string           `json:"stream"`
	Semester int              `json:"semester"`
	Subject  string           `json:"subject"`
	Columns  []RegisterColumn `json:"columns"`
	Rows     []RegisterRow    `json:"rows"`
}

const (
	markPresent     = "P"
	markAbsent      = "A"
	markNotEligible = "-"
)

// sessionEligibility answers eligibility for one stored session.
// Sessions carry a snapshot taken when marked; older rows without one use the live rule.
func sessionEligibility(sess Session, sub *Subject) func(Student) bool {
	if len(sess.EligibleStudents) == 0 {
		return sub.Eligible
	}
	set := make(map[string]bool, len(sess.EligibleStudents))
	for _, id := range sess.EligibleStudents {
		set[id] = true
	}
	return func(st Student) bool { return set[st.StudentID] }
}

func presentSet(sess Session) map[string]bool {
	set := make(map[string]bool, len(sess.StudentsPresent))
	for _, id := range sess.StudentsPresent {
		set[id] = true
	}
	return set
}

// Register builds the attendance register of a subject for an optional date range.
func (s *Service) Register(ctx context.Context, stream string, semester int, subject, from, to string) (*Register, error) {
	part, err := s.registry.ResolveAttendance(stream, semester, subject)
	if err != nil {
		return nil, err
	}
	sub, err := s.catalogSubject(ctx, stream, semester, part.Subject)
	if err != nil {
		return nil, err
	}
	if from, to, err = dateRange(from, to); err != nil {
		return nil, err
	}
	sessions, err := s.repo.ListSessions(ctx, part, from, to)
	if err != nil {
		return nil, err
	}
	studentsPart, _ := s.registry.Resolve(stream, semester, streams.KindStudents)
	students, err := s.repo.ListStudents(ctx, studentsPart, nil)
	if err != nil {
		return nil, err
	}

	reg := &Register{
		Stream:   part.Stream,
		Semester: semester,
		Subject:  sub.Name,
		Columns:  make([]RegisterColumn, 0, len(sessions)),
		Rows:     []RegisterRow{},
	}
	eligibleFns := make([]func(Student) bool, len(sessions))
	presents := make([]map[string]bool, len(sessions))
	for i, sess := range sessions {
		reg.Columns = append(reg.Columns, RegisterColumn{
			Date:          sess.Date,
			SessionSlot:   sess.SessionSlot,
			SessionTime:   sess.SessionTime,
			PresentCount:  sess.PresentCount,
			TotalStudents: sess.TotalStudents,
			Percentage:    sess.Percentage,
		})
		eligibleFns[i] = sessionEligibility(sess, sub)
		presents[i] = presentSet(sess)
	}

	for _, st := range students {
		row := RegisterRow{StudentID: st.StudentID, Name: st.Name, Marks: make([]string, len(sessions))}
		for i := range sessions {
			switch {
			case !eligibleFns[i](st):
				row.Marks[i] = markNotEligible
			case presents[i][st.StudentID]:
				row.Marks[i] = markPresent
				row.Attended++
				row.Held++
			default:
				row.Marks[i] = markAbsent
				row.Held++
			}
		}
		if row.Held == 0 && !sub.Eligible(st) {
			continue
		}
		row.Percentage = Percentage(row.Attended, row.Held)
		reg.Rows = append(reg.Rows, row)
	}
	return reg, nil
}

// StudentAbsence is one student's absence picture for a day.
type StudentAbsence struct {
	StudentID       string   `json:"student_id"`
	Name            string   `json:"name"`
	ParentPhone     string   `json:"parent_phone,omitempty"`
	AbsentSubjects  []string `json:"absent_subjects"`
	AbsentCount     int      `json:"absent_count"`
	ApplicableCount int      `json:"applicable_count"`
	IsFullDayAbsent bool     `json:"is_full_day_absent"`
}

// DailySummary aggregates every session of every subject on one date.
type DailySummary struct {
	Stream          string           `json:"stream"`
	Semester        int              `json:"semester"`
	Date            string           `json:"date"`
	SubjectsCovered []string         `json:"subjects_covered"`
	Sessions        int              `json:"sessions"`
	Students        []StudentAbsence `json:"students"`
	AbsentStudents  int              `json:"absent_students"`
	FullDayAbsent   int              `json:"full_day_absent"`
}

type daySession struct {
	label    string
	eligible func(Student) bool
	present  map[string]bool
}

// Summarize computes absences of every active student on date.
func (s *Service) Summarize(ctx context.Context, stream string, semester int, date string) (*DailySummary, error) {
	date, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	subjectsPart, err := s.registry.Resolve(stream, semester, streams.KindSubjects)
	if err != nil {
		return nil, err
	}
	subjects, err := s.repo.ListSubjects(ctx, subjectsPart, nil)
	if err != nil {
		return nil, err
	}

	sum := &DailySummary{
		Stream:          subjectsPart.Stream,
		Semester:        semester,
		Date:            date,
		SubjectsCovered: []string{},
		Students:        []StudentAbsence{},
	}
	var day []daySession
	for i := range subjects {
		sub := &subjects[i]
		part, err := s.subjectPartition(stream, semester, *sub)
		if err != nil {
			return nil, err
		}
		sessions, err := s.repo.ListSessions(ctx, part, date, date)
		if err != nil {
			return nil, err
		}
		if len(sessions) == 0 {
			continue
		}
		sum.SubjectsCovered = append(sum.SubjectsCovered, sub.Name)
		for _, sess := range sessions {
			label := sub.Name
			if len(sessions) > 1 {
				label = fmt.Sprintf("%s (session %d)", sub.Name, sess.SessionSlot)
			}
			day = append(day, daySession{
				label:    label,
				eligible: sessionEligibility(sess, sub),
				present:  presentSet(sess),
			})
		}
	}
	sum.Sessions = len(day)
	if len(day) == 0 {
		return sum, nil
	}

	studentsPart, _ := s.registry.Resolve(stream, semester, streams.KindStudents)
	students, err := s.repo.ListStudents(ctx, studentsPart, boolPtr(true))
	if err != nil {
		return nil, err
	}
	for _, st := range students {
		abs := StudentAbsence{
			StudentID:      st.StudentID,
			Name:           st.Name,
			ParentPhone:    st.ParentPhone,
			AbsentSubjects: []string{},
		}
		for _, ds := range day {
			if !ds.eligible(st) {
				continue
			}
			abs.ApplicableCount++
			if !ds.present[st.StudentID] {
				abs.AbsentCount++
				abs.AbsentSubjects = append(abs.AbsentSubjects, ds.label)
			}
		}
		abs.IsFullDayAbsent = abs.ApplicableCount > 0 && abs.AbsentCount == abs.ApplicableCount
		if abs.AbsentCount > 0 {
			sum.AbsentStudents++
		}
		if abs.IsFullDayAbsent {
			sum.FullDayAbsent++
		}
		sum.Students = append(sum.Students, abs)
	}
	return sum, nil
}
