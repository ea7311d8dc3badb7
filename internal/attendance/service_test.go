package attendance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"campusattend/internal/store"
	"campusattend/internal/store/storetest"
	"campusattend/internal/streams"
)

var testNow = time.Date(2024, 7, 15, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *Service {
	t.Helper()
	parts := store.NewPartitionStore(storetest.Open(t), Schemas())
	svc := NewService(NewRepository(parts, 5*time.Second), streams.Default())
	svc.now = func() time.Time { return testNow }
	return svc
}

func enroll(t *testing.T, svc *Service, stream string, sem int, id, name string, lang streams.Language) {
	t.Helper()
	_, err := svc.CreateStudent(context.Background(), stream, sem, StudentInput{
		StudentID:      id,
		Name:           name,
		ParentPhone:    "98450 12345",
		LanguageChoice: lang,
	})
	require.NoError(t, err)
}

func addSubject(t *testing.T, svc *Service, stream string, sem int, name string, lang streams.Language) {
	t.Helper()
	_, err := svc.CreateSubject(context.Background(), stream, sem, SubjectInput{Name: name, LanguageType: lang})
	require.NoError(t, err)
}

func TestStudentRoundTripIsCaseInsensitive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateStudent(ctx, "bca", 3, StudentInput{
		StudentID:      "u18bca001",
		Name:           "  Asha   Rao ",
		ParentPhone:    "+91 98450-12345",
		LanguageChoice: streams.LanguageKannada,
	})
	require.NoError(t, err)
	assert.Equal(t, "U18BCA001", created.StudentID)
	assert.Equal(t, "+919845012345", created.ParentPhone)
	assert.Equal(t, "BCA", created.Stream)
	assert.Equal(t, 3, created.OriginalSemester)

	got, err := svc.GetStudent(ctx, "BCA", 3, "U18bca001")
	require.NoError(t, err)
	assert.Equal(t, "Asha Rao", got.Name)
	assert.Equal(t, streams.LanguageKannada, got.LanguageChoice)
	assert.True(t, got.IsActive)

	_, err = svc.CreateStudent(ctx, "BCA", 3, StudentInput{StudentID: "U18BCA001", Name: "Dup"})
	assert.ErrorIs(t, err, ErrDuplicateStudent)
}

func TestCreateStudentValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateStudent(ctx, "BCom Section B", 3, StudentInput{StudentID: "X1", Name: "X"})
	assert.ErrorIs(t, err, streams.ErrSemesterOutOfRange)

	_, err = svc.CreateStudent(ctx, "MBA", 1, StudentInput{StudentID: "X1", Name: "X"})
	assert.ErrorIs(t, err, streams.ErrUnknownStream)

	_, err = svc.CreateStudent(ctx, "BCA", 1, StudentInput{StudentID: "X1", Name: "X", ParentPhone: "12345"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateStudent(ctx, "BCA", 1, StudentInput{StudentID: " ", Name: "X"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateStudent(ctx, "BCA", 1, StudentInput{StudentID: "X1", Name: "X", LanguageChoice: "klingon"})
	assert.ErrorIs(t, err, ErrValidation)

	st, err := svc.CreateStudent(ctx, "BCA", 1, StudentInput{StudentID: "X2", Name: "X", LanguageChoice: "additional english"})
	require.NoError(t, err)
	assert.Equal(t, streams.LanguageAdditionalEnglish, st.LanguageChoice)
}

func TestUpdateAndDeleteStudent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	enroll(t, svc, "BBA", 2, "BBA01", "Ravi", streams.LanguageHindi)

	name := "Ravi Kumar"
	lang := streams.LanguageSanskrit
	inactive := false
	upd, err := svc.UpdateStudent(ctx, "BBA", 2, "bba01", StudentUpdate{Name: &name, LanguageChoice: &lang, IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "Ravi Kumar", upd.Name)

	got, err := svc.GetStudent(ctx, "BBA", 2, "BBA01")
	require.NoError(t, err)
	assert.Equal(t, streams.LanguageSanskrit, got.LanguageChoice)
	assert.False(t, got.IsActive)

	require.NoError(t, svc.DeleteStudent(ctx, "BBA", 2, "bba01"))
	_, err = svc.GetStudent(ctx, "BBA", 2, "BBA01")
	assert.ErrorIs(t, err, ErrStudentNotFound)
	assert.ErrorIs(t, svc.DeleteStudent(ctx, "BBA", 2, "bba01"), ErrStudentNotFound)
}

func TestBulkCreateReportsPerItem(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.BulkCreateStudents(context.Background(), "BCA", 1, []StudentInput{
		{StudentID: "A1", Name: "One"},
		{StudentID: "A1", Name: "Again"},
		{StudentID: "A2", Name: "Two", ParentPhone: "bad"},
		{StudentID: "A3", Name: "Three"},
	})
	require.NoError(t, err)
	require.Len(t, res, 4)
	assert.True(t, res[0].Success)
	assert.False(t, res[1].Success)
	assert.False(t, res[2].Success)
	assert.True(t, res[3].Success)

	list, err := svc.ListStudents(context.Background(), "BCA", 1, nil)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSubjectLanguageCoherence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sub, err := svc.CreateSubject(ctx, "BCA", 1, SubjectInput{Name: "kannada", LanguageType: streams.LanguageKannada})
	require.NoError(t, err)
	assert.True(t, sub.IsLanguageSubject)
	assert.Equal(t, streams.SubjectLanguage, sub.Type)
	assert.Equal(t, "KANNADA", sub.Name)

	_, err = svc.CreateSubject(ctx, "BCA", 1, SubjectInput{Name: "Hindi", Type: "language"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateSubject(ctx, "BCA", 1, SubjectInput{Name: "DBMS", Type: "core", LanguageType: streams.LanguageHindi})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateSubject(ctx, "BCA", 1, SubjectInput{Name: "Kannada"})
	assert.ErrorIs(t, err, ErrDuplicateSubject)
}

func TestMarkAttendanceLanguageEligibility(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	enroll(t, svc, "BCA", 1, "K1", "Kavya", streams.LanguageKannada)
	enroll(t, svc, "BCA", 1, "K2", "Kiran", streams.LanguageKannada)
	enroll(t, svc, "BCA", 1, "H1", "Harsh", streams.LanguageHindi)
	addSubject(t, svc, "BCA", 1, "KANNADA", streams.LanguageKannada)

	_, err := svc.MarkAttendance(ctx, MarkRequest{
		Stream: "BCA", Semester: 1, Subject: "Kannada", Date: "2024-07-15",
		StudentsPresent: []string{"K1", "h1"},
	})
	var inel *IneligibleStudentsError
	require.ErrorAs(t, err, &inel)
	assert.Equal(t, []string{"H1"}, inel.IDs)
	assert.ErrorIs(t, err, ErrIneligibleStudents)

	sessions, err := svc.ListSessions(ctx, "BCA", 1, "KANNADA", "", "")
	require.NoError(t, err)
	assert.Empty(t, sessions, "rejected mark must not write")

	res, err := svc.MarkAttendance(ctx, MarkRequest{
		Stream: "BCA", Semester: 1, Subject: "kannada", Date: "2024-07-15",
		StudentsPresent: []string{"k1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Session.TotalStudents)
	assert.Equal(t, 1, res.Session.PresentCount)
	assert.InDelta(t, 50.0, res.Session.Percentage, 0.001)
	assert.Equal(t, []string{"K1", "K2"}, []string(res.Session.EligibleStudents))
}

func TestMarkAttendanceDuplicateSession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	enroll(t, svc, "BCA", 2, "S1", "One", streams.LanguageNone)
	enroll(t, svc, "BCA", 2, "S2", "Two", streams.LanguageNone)
	addSubject(t, svc, "BCA", 2, "DBMS", streams.LanguageNone)

	req := MarkRequest{Stream: "BCA", Semester: 2, Subject: "DBMS", Date: "2024-07-15", StudentsPresent: []string{"S1"}}
	_, err := svc.MarkAttendance(ctx, req)
	require.NoError(t, err)

	_, err = svc.MarkAttendance(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateSession)

	second := req
	second.SessionSlot = 2
	second.SessionTime = "14:00"
	_, err = svc.MarkAttendance(ctx, second)
	require.NoError(t, err, "another slot on the same day is a distinct session")

	req.ForceOverwrite = true
	req.StudentsPresent = []string{"S1", "S2"}
	res, err := svc.MarkAttendance(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Overwritten)

	sessions, err := svc.ListSessions(ctx, "BCA", 2, "DBMS", "2024-07-15", "2024-07-15")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, 1, sessions[0].SessionSlot)
	assert.Equal(t, 2, sessions[0].PresentCount)
	assert.Equal(t, 2, sessions[1].SessionSlot)
}

func TestMarkAttendanceSubjectMustBeActive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	addSubject(t, svc, "BCA", 2, "Maths", streams.LanguageNone)
	require.NoError(t, svc.DeactivateSubject(ctx, "BCA", 2, "maths"))

	_, err := svc.MarkAttendance(ctx, MarkRequest{Stream: "BCA", Semester: 2, Subject: "Maths", Date: "2024-07-15"})
	assert.ErrorIs(t, err, ErrSubjectNotFound)

	_, err = svc.MarkAttendance(ctx, MarkRequest{Stream: "BCA", Semester: 2, Subject: "Physics", Date: "2024-07-15"})
	assert.ErrorIs(t, err, ErrSubjectNotFound)

	_, err = svc.MarkAttendance(ctx, MarkRequest{Stream: "BCA", Semester: 2, Subject: "Maths", Date: "15/07/2024"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestListSessionsUnknownSubject(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ListSessions(ctx, "BCA", 1, "No Such Subject", "", "")
	assert.ErrorIs(t, err, ErrSubjectNotFound)
	for _, id := range svc.repo.parts.Bound() {
		assert.NotContains(t, id, "_att_", "reading an unknown subject must not create its table")
	}

	addSubject(t, svc, "BCA", 1, "Maths", streams.LanguageNone)
	require.NoError(t, svc.DeactivateSubject(ctx, "BCA", 1, "maths"))
	sessions, err := svc.ListSessions(ctx, "BCA", 1, "Maths", "", "")
	require.NoError(t, err, "history of a deactivated subject stays readable")
	assert.Empty(t, sessions)
}

func TestMarkAttendanceWithNoEligibleStudents(t *testing.T) {
	svc := newTestService(t)
	addSubject(t, svc, "BCA", 1, "URDU", streams.LanguageUrdu)

	res, err := svc.MarkAttendance(context.Background(), MarkRequest{Stream: "BCA", Semester: 1, Subject: "URDU", Date: "2024-07-15"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Session.TotalStudents)
	assert.Equal(t, 0.0, res.Session.Percentage)
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0.0, Percentage(0, 0))
	assert.Equal(t, 0.0, Percentage(3, 0))
	assert.InDelta(t, 66.666, Percentage(2, 3), 0.01)
}

func TestBulkUpdateSessions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	enroll(t, svc, "BCA", 4, "S1", "One", streams.LanguageNone)
	enroll(t, svc, "BCA", 4, "S2", "Two", streams.LanguageNone)
	addSubject(t, svc, "BCA", 4, "Java", streams.LanguageNone)
	_, err := svc.MarkAttendance(ctx, MarkRequest{Stream: "BCA", Semester: 4, Subject: "Java", Date: "2024-07-15"})
	require.NoError(t, err)

	res, err := svc.BulkUpdateSessions(ctx, "BCA", 4, "JAVA", []SessionUpdate{
		{Date: "2024-07-15", StudentsPresent: []string{"s1", "s2"}},
		{Date: "2024-07-16", StudentsPresent: []string{"S1"}},
		{Date: "2024-07-15", StudentsPresent: []string{"NOPE"}},
	})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.True(t, res[0].Success)
	assert.Contains(t, res[1].Error, "not found")
	assert.Contains(t, res[2].Error, "NOPE")

	sessions, err := svc.ListSessions(ctx, "BCA", 4, "Java", "", "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].PresentCount)
	assert.InDelta(t, 100.0, sessions[0].Percentage, 0.001)
}

func TestSummarizeDailyAbsence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	enroll(t, svc, "BCA", 5, "A", "Anu", streams.LanguageKannada)
	enroll(t, svc, "BCA", 5, "B", "Bala", streams.LanguageHindi)
	enroll(t, svc, "BCA", 5, "C", "Chetan", streams.LanguageKannada)
	addSubject(t, svc, "BCA", 5, "KANNADA", streams.LanguageKannada)
	addSubject(t, svc, "BCA", 5, "PYTHON", streams.LanguageNone)
	addSubject(t, svc, "BCA", 5, "CLOUD", streams.LanguageNone)

	mark := func(subject string, slot int, present ...string) {
		_, err := svc.MarkAttendance(ctx, MarkRequest{
			Stream: "BCA", Semester: 5, Subject: subject, Date: "2024-07-15",
			SessionSlot: slot, StudentsPresent: present,
		})
		require.NoError(t, err)
	}
	mark("KANNADA", 1, "A")
	mark("PYTHON", 1, "A", "C")
	mark("PYTHON", 2, "A")

	sum, err := svc.Summarize(ctx, "BCA", 5, "2024-07-15")
	require.NoError(t, err)
	assert.Equal(t, []string{"KANNADA", "PYTHON"}, sum.SubjectsCovered)
	assert.Equal(t, 3, sum.Sessions)

	byID := map[string]StudentAbsence{}
	for _, s := range sum.Students {
		byID[s.StudentID] = s
	}
	assert.Equal(t, 0, byID["A"].AbsentCount)
	assert.Equal(t, 3, byID["A"].ApplicableCount)

	// B is not eligible for KANNADA, so only the two PYTHON sessions apply.
	assert.Equal(t, 2, byID["B"].ApplicableCount)
	assert.True(t, byID["B"].IsFullDayAbsent)

	assert.Equal(t, []string{"KANNADA", "PYTHON (session 2)"}, byID["C"].AbsentSubjects)
	assert.False(t, byID["C"].IsFullDayAbsent)

	assert.Equal(t, 2, sum.AbsentStudents)
	assert.Equal(t, 1, sum.FullDayAbsent)

	empty, err := svc.Summarize(ctx, "BCA", 5, "2024-07-16")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Sessions)
	assert.Empty(t, empty.Students)
}

func TestRegisterUsesSessionSnapshot(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	enroll(t, svc, "BCA", 6, "A", "Anu", streams.LanguageKannada)
	enroll(t, svc, "BCA", 6, "B", "Bala", streams.LanguageHindi)
	addSubject(t, svc, "BCA", 6, "KANNADA", streams.LanguageKannada)

	_, err := svc.MarkAttendance(ctx, MarkRequest{Stream: "BCA", Semester: 6, Subject: "KANNADA", Date: "2024-07-15", StudentsPresent: []string{"A"}})
	require.NoError(t, err)

	// B switches to Kannada after the first session was taken.
	lang := streams.LanguageKannada
	_, err = svc.UpdateStudent(ctx, "BCA", 6, "B", StudentUpdate{LanguageChoice: &lang})
	require.NoError(t, err)
	_, err = svc.MarkAttendance(ctx, MarkRequest{Stream: "BCA", Semester: 6, Subject: "KANNADA", Date: "2024-07-16", StudentsPresent: []string{"B"}})
	require.NoError(t, err)

	reg, err := svc.Register(ctx, "BCA", 6, "kannada", "", "")
	require.NoError(t, err)
	require.Len(t, reg.Columns, 2)
	require.Len(t, reg.Rows, 2)

	assert.Equal(t, []string{"P", "A"}, reg.Rows[0].Marks)
	assert.InDelta(t, 50.0, reg.Rows[0].Percentage, 0.001)
	assert.Equal(t, []string{"-", "P"}, reg.Rows[1].Marks)
	assert.Equal(t, 1, reg.Rows[1].Held)
}

func TestPromoteMovesEveryPartition(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	enroll(t, svc, "BBA", 6, "G1", "Grad", streams.LanguageNone)
	enroll(t, svc, "BBA", 5, "F1", "Fifth", streams.LanguageNone)
	enroll(t, svc, "BBA", 5, "F2", "Fifth Two", streams.LanguageNone)
	enroll(t, svc, "BBA", 1, "N1", "New", streams.LanguageHindi)
	enroll(t, svc, "BBA", 1, "N2", "Gone", streams.LanguageNone)
	inactive := false
	_, err := svc.UpdateStudent(ctx, "BBA", 1, "N2", StudentUpdate{IsActive: &inactive})
	require.NoError(t, err)

	preview, err := svc.PreviewPromotion(ctx, "BBA")
	require.NoError(t, err)
	assert.Equal(t, 1, preview.Graduating)
	assert.Equal(t, 2, preview.Active[5])

	report, err := svc.Promote(ctx, "bba")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Graduated)
	assert.Equal(t, 1, report.DroppedInactive)
	require.Len(t, report.Steps, 5)
	assert.Equal(t, PromotionStep{From: 5, To: 6, Count: 2}, report.Steps[0])
	assert.Equal(t, PromotionStep{From: 1, To: 2, Count: 1}, report.Steps[4])

	sixth, err := svc.ListStudents(ctx, "BBA", 6, nil)
	require.NoError(t, err)
	require.Len(t, sixth, 2)
	for _, st := range sixth {
		assert.NotEqual(t, "G1", st.StudentID, "graduates are removed")
		assert.Equal(t, 6, st.Semester)
		assert.Equal(t, 1, st.Generation)
		require.Len(t, st.MigrationHistory, 1)
		rec := st.MigrationHistory[0]
		assert.Equal(t, 5, rec.FromSemester)
		assert.Equal(t, 6, rec.ToSemester)
		assert.Equal(t, report.BatchID, rec.BatchID)
		assert.True(t, rec.Date.Equal(testNow))
	}

	for _, sem := range []int{1, 3, 4, 5} {
		list, err := svc.ListStudents(ctx, "BBA", sem, nil)
		require.NoError(t, err)
		assert.Empty(t, list, "semester %d", sem)
	}
	second, err := svc.ListStudents(ctx, "BBA", 2, nil)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "N1", second[0].StudentID)
	assert.Equal(t, 1, second[0].OriginalSemester)
	assert.Equal(t, streams.LanguageHindi, second[0].LanguageChoice)
}

func TestPromoteRestrictedStream(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	enroll(t, svc, "BCom Section B", 5, "B5", "Five", streams.LanguageNone)
	enroll(t, svc, "BCom Section B", 6, "B6", "Six", streams.LanguageNone)

	report, err := svc.Promote(ctx, "BCom Section B")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Graduated)
	assert.Equal(t, []PromotionStep{{From: 5, To: 6, Count: 1}}, report.Steps)

	sixth, err := svc.ListStudents(ctx, "BCom Section B", 6, nil)
	require.NoError(t, err)
	require.Len(t, sixth, 1)
	assert.Equal(t, "B5", sixth[0].StudentID)

	_, err = svc.Promote(ctx, "MBA")
	assert.ErrorIs(t, err, streams.ErrUnknownStream)
}

func TestPromoteRollsBackOnPartialFailure(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	enroll(t, svc, "BBA", 2, "S2", "Second", streams.LanguageNone)
	enroll(t, svc, "BBA", 5, "S5", "Fifth", streams.LanguageNone)
	enroll(t, svc, "BBA", 6, "S6", "Sixth", streams.LanguageNone)

	db := svc.repo.parts.DB()
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_bba_sem3", func(tx *gorm.DB) {
		if tx.Statement.Table == "bba_sem3_students" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	_, err := svc.Promote(ctx, "BBA")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "insert semester 3"), err.Error())

	want := map[int]string{2: "S2", 5: "S5", 6: "S6"}
	for sem := 1; sem <= 6; sem++ {
		list, err := svc.ListStudents(ctx, "BBA", sem, nil)
		require.NoError(t, err)
		id, ok := want[sem]
		if !ok {
			assert.Empty(t, list, "semester %d", sem)
			continue
		}
		require.Len(t, list, 1, "semester %d", sem)
		assert.Equal(t, id, list[0].StudentID)
		assert.Equal(t, sem, list[0].Semester)
		assert.Equal(t, 0, list[0].Generation)
		assert.Empty(t, list[0].MigrationHistory)
	}
}

func TestAllStudentsSpansPartitions(t *testing.T) {
	svc := newTestService(t)
	enroll(t, svc, "BCA", 1, "X1", "One", streams.LanguageNone)
	enroll(t, svc, "BCom Section B", 5, "Y1", "Two", streams.LanguageNone)

	all, err := svc.AllStudents(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
