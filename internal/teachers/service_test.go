package teachers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"campusattend/internal/cloudinary"
	"campusattend/internal/store/storetest"
	"campusattend/internal/streams"
)

type fakeUploader struct {
	publicID string
	err      error
}

func (f *fakeUploader) Upload(_ context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.publicID = publicID
	return &cloudinary.UploadResult{PublicID: publicID, SecureURL: "https://cdn.example/" + publicID + ".png"}, nil
}

func newTestService(t *testing.T, up Uploader) *Service {
	t.Helper()
	repo := NewRepository(storetest.Open(t))
	require.NoError(t, repo.Migrate(context.Background()))
	return NewService(repo, streams.Default(), up)
}

func TestSyncCreatesThenRefreshes(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	p, created, err := svc.Sync(ctx, Identity{AuthID: "auth-1", Email: "a@college.edu", Name: "Anita"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, p.ID)

	again, created, err := svc.Sync(ctx, Identity{AuthID: "auth-1", Name: "Anita R"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, "Anita R", again.Name)
	assert.Equal(t, "a@college.edu", again.Email)

	_, err = svc.Get(ctx, "nobody")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	_, _, err = svc.Sync(ctx, Identity{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLibrary(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	_, _, err := svc.Sync(ctx, Identity{AuthID: "t1"})
	require.NoError(t, err)

	added, err := svc.AddSubject(ctx, "t1", "bca", 3, "data structures")
	require.NoError(t, err)
	assert.Equal(t, "DATA STRUCTURES", added.Subject)
	assert.Equal(t, "BCA", added.Stream)

	_, err = svc.AddSubject(ctx, "t1", "BCA", 3, "Data  Structures")
	assert.ErrorIs(t, err, ErrDuplicateLibrarySubject)

	_, err = svc.AddSubject(ctx, "t1", "BCom Section B", 1, "Tax")
	assert.ErrorIs(t, err, streams.ErrSemesterOutOfRange)

	list, err := svc.Subjects(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, svc.RemoveSubject(ctx, "t1", added.ID))
	assert.ErrorIs(t, svc.RemoveSubject(ctx, "t1", added.ID), ErrLibrarySubjectNotFound)

	list, err = svc.Subjects(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestQueueIsOpaque(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	_, _, err := svc.Sync(ctx, Identity{AuthID: "t1"})
	require.NoError(t, err)

	q, err := svc.Queue(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "null", string(q))

	payload := json.RawMessage(`[{"subject":"DBMS","present":["A1"]}]`)
	require.NoError(t, svc.SaveQueue(ctx, "t1", payload))
	q, err = svc.Queue(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(q))

	assert.ErrorIs(t, svc.SaveQueue(ctx, "t1", json.RawMessage(`{broken`)), ErrInvalidInput)
}

func TestHistoryIsCappedNewestFirst(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	_, _, err := svc.Sync(ctx, Identity{AuthID: "t1"})
	require.NoError(t, err)

	base := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < MaxHistory+3; i++ {
		_, err := svc.AppendHistory(ctx, "t1", HistoryEntry{
			Stream: "BCA", Semester: 1, Subject: "dbms", Date: "2024-07-01",
			SessionSlot: i + 1, TakenAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	all, err := svc.History(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, all, MaxHistory)
	assert.Equal(t, MaxHistory+3, all[0].SessionSlot)
	assert.Equal(t, 4, all[len(all)-1].SessionSlot)
	assert.Equal(t, "DBMS", all[0].Subject)

	top, err := svc.History(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestConcurrentAppendsKeepEveryEntry(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	_, _, err := svc.Sync(ctx, Identity{AuthID: "t1"})
	require.NoError(t, err)

	var locked atomic.Int32
	require.NoError(t, svc.repo.db.Callback().Query().Before("gorm:query").Register("test:row_lock", func(tx *gorm.DB) {
		if c, ok := tx.Statement.Clauses["FOR"]; ok {
			if l, ok := c.Expression.(clause.Locking); ok && l.Strength == "UPDATE" {
				locked.Add(1)
			}
		}
	}))

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, err := svc.AppendHistory(ctx, "t1", HistoryEntry{Stream: "BCA", Semester: 1, Subject: "dbms", Date: "2024-07-01", SessionSlot: slot})
			errs <- err
		}(i + 1)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := svc.History(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, all, writers)
	assert.EqualValues(t, writers, locked.Load(), "every read-modify-write loads the row FOR UPDATE")
}

func TestUploadAvatar(t *testing.T) {
	ctx := context.Background()

	svc := newTestService(t, nil)
	_, err := svc.UploadAvatar(ctx, "t1", []byte("x"), "x.png")
	assert.ErrorIs(t, err, ErrAvatarUnavailable)

	up := &fakeUploader{}
	svc = newTestService(t, up)
	p, _, err := svc.Sync(ctx, Identity{AuthID: "t1"})
	require.NoError(t, err)

	updated, err := svc.UploadAvatar(ctx, "t1", []byte("x"), "x.png")
	require.NoError(t, err)
	assert.Equal(t, "teacher_"+p.ID, up.publicID)
	assert.Equal(t, "https://cdn.example/teacher_"+p.ID+".png", updated.PhotoURL)

	up.err = errors.New("boom")
	_, err = svc.UploadAvatar(ctx, "t1", []byte("x"), "x.png")
	assert.Error(t, err)
}
