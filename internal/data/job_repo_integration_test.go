package data

import (
	"context"
	"database/sql"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobqueue/internal/data/storetest"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/testutil"
)

func newTestRepo(t *testing.T) (*JobRepo, *sql.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.TeardownTestDB(t, db) })
	return NewJobRepo(db, RepoConfig{}), db
}

func TestJobRepo_Integration_Contract(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	storetest.Run(t, func(t *testing.T) storetest.Store {
		repo, _ := newTestRepo(t)
		return repo
	})
}

func TestJobRepo_Integration_ExecuteAfterUsesTimeProvider(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	_, db := newTestRepo(t)
	clock := NewFixedTimeProvider(time.Now().UTC())
	repo := NewJobRepo(db, RepoConfig{TimeProvider: clock})
	ctx := context.Background()

	job := testutil.NewJob("delayed").WithExecuteAfter(clock.Now().Add(time.Minute)).Create(t, repo)

	_, err := repo.FindPending(ctx, model.PendingJobFilter{})
	require.ErrorIs(t, err, model.ErrNoJobsAvailable)

	clock.Advance(time.Minute)
	got, err := repo.FindPending(ctx, model.PendingJobFilter{})
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestJobRepo_Integration_GetByIDRejectsMalformedID(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	repo, _ := newTestRepo(t)
	_, err := repo.GetByID(context.Background(), "not-a-uuid")
	require.Error(t, err)

	ok, err := repo.Touch(context.Background(), "not-a-uuid", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobRepo_Integration_WaitForNotification(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	repo, _ := newTestRepo(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listening := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(listening)
		done <- repo.WaitForNotification(ctx, "mail")
	}()
	<-listening

	// A job on another queue does not wake a "mail" waiter; keep adding mail
	// jobs until the listener is registered and sees one.
	testutil.NewJob("report").WithQueue("reports").Create(t, repo)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		case <-ticker.C:
			testutil.NewJob("mail", strconv.Itoa(i)).WithQueue("mail").Create(t, repo)
		case <-ctx.Done():
			t.Fatal("no notification received")
		}
	}
}

func TestJobRepo_Integration_NotifierWakesSubscribers(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	repo, _ := newTestRepo(t)
	notifier, err := domainjob.NewNotifier(domainjob.NotifierOptions{Waiter: repo, WaitWindow: time.Second})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, ch := notifier.Subscribe(domainjob.AnyQueue)
	defer unsub()

	testutil.NewJob("wake").Create(t, repo)
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber was not woken")
	}
}
