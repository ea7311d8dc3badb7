package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/attendance"
	"campusattend/internal/store"
	"campusattend/internal/store/storetest"
	"campusattend/internal/streams"
	"campusattend/internal/whatsapp"
)

type fakeSender struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  int
	fail   map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{bodies: map[string]string{}, fail: map[string]error{}}
}

func (f *fakeSender) Send(_ context.Context, phone, body string) (*whatsapp.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.bodies[phone] = body
	if err := f.fail[phone]; err != nil {
		return nil, err
	}
	return &whatsapp.Result{MessageID: fmt.Sprintf("wamid.%d", f.calls)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	svc    *attendance.Service
	logs   *LogRepository
	sender *fakeSender
	locker *store.MemoryLocker
	disp   *Dispatcher
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := storetest.Open(t)
	parts := store.NewPartitionStore(db, attendance.Schemas())
	svc := attendance.NewService(attendance.NewRepository(parts, 5*time.Second), streams.Default())
	logs := NewLogRepository(db, 5*time.Second)
	require.NoError(t, logs.Migrate(context.Background()))
	f := &fixture{svc: svc, logs: logs, sender: newFakeSender(), locker: store.NewMemoryLocker()}
	f.disp = NewDispatcher(streams.Default(), svc, f.sender, logs, f.locker, opts)
	return f
}

func (f *fixture) enroll(t *testing.T, id, phone string) {
	t.Helper()
	_, err := f.svc.CreateStudent(context.Background(), "BCA", 1, attendance.StudentInput{StudentID: id, Name: "Student " + id, ParentPhone: phone})
	require.NoError(t, err)
}

func (f *fixture) mark(t *testing.T, subject string, present ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.CreateSubject(ctx, "BCA", 1, attendance.SubjectInput{Name: subject}); err != nil {
		require.ErrorIs(t, err, attendance.ErrDuplicateSubject)
	}
	_, err := f.svc.MarkAttendance(ctx, attendance.MarkRequest{
		Stream: "BCA", Semester: 1, Subject: subject, Date: "2024-07-15", StudentsPresent: present,
	})
	require.NoError(t, err)
}

func seedClass(t *testing.T, f *fixture) {
	f.enroll(t, "A1", "9845000001")
	f.enroll(t, "B2", "9845000002")
	f.enroll(t, "C3", "")
	f.enroll(t, "D4", "9845000004")
	f.mark(t, "DBMS", "D4")
	f.mark(t, "JAVA", "D4", "A1")
}

func TestDispatchSendsOncePerDay(t *testing.T) {
	f := newFixture(t, Options{College: "St. Joseph's"})
	seedClass(t, f)
	f.sender.fail["+919845000002"] = &whatsapp.APIError{Status: 400, Code: 131026, Message: "not on WhatsApp"}
	ctx := context.Background()

	first, err := f.disp.Dispatch(ctx, "bca", 1, "2024-07-15", false)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 3, first.Log.TotalAbsent)
	assert.Equal(t, 1, first.Log.MessagesSent)
	assert.Equal(t, 1, first.Log.MessagesFailed)
	assert.Equal(t, 1, first.Log.MessagesSkipped)
	assert.Equal(t, []string{"DBMS", "JAVA"}, []string(first.Log.SubjectsCovered))
	assert.Equal(t, 2, f.sender.count())

	byID := map[string]SendResult{}
	for _, r := range first.Log.Results {
		byID[r.StudentID] = r
	}
	assert.Equal(t, StatusSent, byID["A1"].Status)
	assert.False(t, byID["A1"].FullDay)
	assert.Equal(t, "*********0001", byID["A1"].Phone)
	assert.Equal(t, StatusFailed, byID["B2"].Status)
	assert.Equal(t, 131026, byID["B2"].ErrorCode)
	assert.True(t, byID["B2"].FullDay)
	assert.Equal(t, StatusSkipped, byID["C3"].Status)
	assert.NotContains(t, byID, "D4")

	assert.Contains(t, f.sender.bodies["+919845000001"], "absent on Monday, 15 July 2024 for: DBMS.")
	assert.Contains(t, f.sender.bodies["+919845000002"], "entire day")

	second, err := f.disp.Dispatch(ctx, "BCA", 1, "2024-07-15", false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Log.ID, second.Log.ID)
	assert.Equal(t, 2, f.sender.count(), "a cached dispatch must not send")

	forced, err := f.disp.Dispatch(ctx, "BCA", 1, "2024-07-15", true)
	require.NoError(t, err)
	assert.False(t, forced.Cached)
	assert.True(t, forced.Log.ForceResend)
	assert.Equal(t, first.Log.ID, forced.Log.ID, "one log per key")
	assert.Equal(t, 4, f.sender.count())

	logs, err := f.disp.Logs(ctx, "BCA", 1, "")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestDispatchWithoutSessions(t *testing.T) {
	f := newFixture(t, Options{})
	f.enroll(t, "A1", "9845000001")

	_, err := f.disp.Dispatch(context.Background(), "BCA", 1, "2024-07-15", false)
	assert.ErrorIs(t, err, ErrNoAttendanceData)
	assert.Zero(t, f.sender.count())

	entry, err := f.logs.Find(context.Background(), "2024-07-15", "BCA", 1)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDispatchWithNothingSentIsRetried(t *testing.T) {
	f := newFixture(t, Options{})
	f.enroll(t, "A1", "9845000001")
	f.mark(t, "DBMS")
	f.sender.fail["+919845000001"] = errors.New("connection reset")
	ctx := context.Background()

	first, err := f.disp.Dispatch(ctx, "BCA", 1, "2024-07-15", false)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Log.MessagesSent)
	assert.Equal(t, 1, first.Log.MessagesFailed)

	delete(f.sender.fail, "+919845000001")
	second, err := f.disp.Dispatch(ctx, "BCA", 1, "2024-07-15", false)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.Equal(t, 1, second.Log.MessagesSent)
	assert.Equal(t, 2, f.sender.count())
}

func TestDispatchRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, Options{})
	seedClass(t, f)
	release, ok, err := f.locker.Acquire(context.Background(), "notify:bca:1:2024-07-15", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	_, err = f.disp.Dispatch(context.Background(), "BCA", 1, "2024-07-15", false)
	assert.ErrorIs(t, err, ErrDispatchInProgress)
	assert.Zero(t, f.sender.count())
}

func TestDispatchSendsInBatches(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2, BatchDelay: time.Second})
	var slept []time.Duration
	f.disp.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	for i := 1; i <= 5; i++ {
		f.enroll(t, fmt.Sprintf("S%d", i), fmt.Sprintf("984500000%d", i))
	}
	f.mark(t, "DBMS")

	out, err := f.disp.Dispatch(context.Background(), "BCA", 1, "2024-07-15", false)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Log.MessagesSent)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
}

func TestDispatchCancelledBetweenBatches(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 1})
	f.disp.sleep = func(context.Context, time.Duration) error { return context.Canceled }
	f.enroll(t, "S1", "9845000001")
	f.enroll(t, "S2", "9845000002")
	f.mark(t, "DBMS")

	out, err := f.disp.Dispatch(context.Background(), "BCA", 1, "2024-07-15", false)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Log.MessagesSent)
	assert.Equal(t, 1, out.Log.MessagesFailed)
}

func TestDispatchValidatesInput(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.disp.Dispatch(context.Background(), "BCA", 1, "15-07-2024", false)
	assert.ErrorIs(t, err, attendance.ErrValidation)

	_, err = f.disp.Dispatch(context.Background(), "BCom Section B", 2, "2024-07-15", false)
	assert.ErrorIs(t, err, streams.ErrSemesterOutOfRange)
}

func TestRenderMessages(t *testing.T) {
	m := message{College: "ABC College", Name: "Asha", StudentID: "U1", Stream: "BCA", Semester: 3, Date: "2024-07-15", Subjects: []string{"DBMS", "JAVA"}}

	full, err := render(m, true)
	require.NoError(t, err)
	assert.Contains(t, full, "entire day on Monday, 15 July 2024 (2 classes missed)")
	assert.True(t, strings.HasSuffix(full, " - ABC College"))

	partial, err := render(m, false)
	require.NoError(t, err)
	assert.Contains(t, partial, "for: DBMS, JAVA.")

	assert.Equal(t, "*********2345", maskPhone("+919845012345"))
	assert.Equal(t, "", maskPhone(""))
}

// gatedSender blocks every send until open is closed.
type gatedSender struct {
	*fakeSender
	started chan struct{}
	open    chan struct{}
	once    sync.Once
}

func (g *gatedSender) Send(ctx context.Context, phone, body string) (*whatsapp.Result, error) {
	g.once.Do(func() { close(g.started) })
	<-g.open
	return g.fakeSender.Send(ctx, phone, body)
}

func TestDispatchClaimIsSharedThroughTheLog(t *testing.T) {
	f := newFixture(t, Options{})
	f.enroll(t, "A1", "9845000001")
	f.enroll(t, "B2", "9845000002")
	f.mark(t, "DBMS")

	gate := &gatedSender{fakeSender: newFakeSender(), started: make(chan struct{}), open: make(chan struct{})}
	// separate processes: same database, separate in-memory locks
	first := NewDispatcher(streams.Default(), f.svc, gate, f.logs, store.NewMemoryLocker(), Options{})
	second := NewDispatcher(streams.Default(), f.svc, gate, f.logs, store.NewMemoryLocker(), Options{})
	ctx := context.Background()

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := first.Dispatch(ctx, "BCA", 1, "2024-07-15", false)
		done <- result{out, err}
	}()
	select {
	case <-gate.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch never reached the sender")
	}

	_, err := second.Dispatch(ctx, "BCA", 1, "2024-07-15", false)
	assert.ErrorIs(t, err, ErrDispatchInProgress)
	_, err = second.Dispatch(ctx, "BCA", 1, "2024-07-15", true)
	assert.ErrorIs(t, err, ErrDispatchInProgress, "force does not take over a live claim")

	close(gate.open)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.out.Log.MessagesSent)
	assert.Equal(t, LogDone, res.out.Log.Status)

	again, err := second.Dispatch(ctx, "BCA", 1, "2024-07-15", false)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, 2, gate.count(), "each parent is messaged once")
}

func TestDispatchTakesOverStaleClaim(t *testing.T) {
	f := newFixture(t, Options{ClaimTTL: time.Minute})
	f.enroll(t, "A1", "9845000001")
	f.mark(t, "DBMS")
	ctx := context.Background()
	start := time.Date(2024, 7, 15, 16, 0, 0, 0, time.UTC)

	// a run that died after claiming
	abandoned := &NotificationLog{
		ID: "dead-run", Date: "2024-07-15", Stream: "BCA", Semester: 1,
		ClaimedAt: start, ClaimToken: "dead-token",
	}
	won, err := f.logs.Claim(ctx, abandoned, false, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	f.disp.now = func() time.Time { return start.Add(30 * time.Second) }
	_, err = f.disp.Dispatch(ctx, "BCA", 1, "2024-07-15", false)
	assert.ErrorIs(t, err, ErrDispatchInProgress)
	assert.Zero(t, f.sender.count())

	f.disp.now = func() time.Time { return start.Add(2 * time.Minute) }
	out, err := f.disp.Dispatch(ctx, "BCA", 1, "2024-07-15", false)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Log.MessagesSent)
	assert.Equal(t, "dead-run", out.Log.ID)

	assert.ErrorIs(t, f.logs.Finalize(ctx, abandoned, start), ErrClaimLost)
}
