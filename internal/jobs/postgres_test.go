package jobs_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxmatch/internal/convert"
	"github.com/MrWong99/voxmatch/internal/jobs"
)

const testBins = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXMATCH_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXMATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXMATCH_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore returns a store over a freshly created conversions table.
func newTestStore(t *testing.T) *jobs.PostgresStore {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS conversions CASCADE"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	pool.Close()

	store, err := jobs.NewPostgresStore(ctx, dsn, testBins)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func finishedJob(id string, at time.Time, fp ...float32) jobs.Job {
	return jobs.Job{
		ID:          id,
		State:       convert.StateDone,
		Source:      jobs.SourceUpload,
		Progress:    100,
		SampleRate:  16000,
		Frames:      61,
		CreatedAt:   at.Add(-time.Second),
		FinishedAt:  at,
		Fingerprint: fp,
	}
}

func TestPostgresStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	pending := jobs.Job{ID: "a", State: convert.StatePending, Source: jobs.SourceText,
		Progress: -1, Text: "hi", Voice: "v1", CreatedAt: now}
	if err := s.Put(ctx, pending); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != convert.StatePending || got.Text != "hi" || !got.FinishedAt.IsZero() || got.Fingerprint != nil {
		t.Errorf("pending job = %+v", got)
	}

	done := finishedJob("a", now, 1, 0, 0, 0)
	done.Source, done.Text, done.Voice = jobs.SourceText, "hi", "v1"
	if err := s.Put(ctx, done); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	got, err = s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != convert.StateDone || !got.FinishedAt.Equal(now) || len(got.Fingerprint) != testBins {
		t.Errorf("finished job = %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, finishedJob("b", now, 1, 2)); err == nil {
		t.Error("Put accepted a fingerprint of the wrong length")
	}
}

func TestPostgresStore_Similar(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, j := range []jobs.Job{
		finishedJob("target", now, 1, 0, 0, 0),
		finishedJob("near", now, 0.9, 0.1, 0, 0),
		finishedJob("far", now, 0, 0, 0, 1),
		{ID: "running", State: convert.StateProcessing, Source: jobs.SourceUpload, CreatedAt: now},
	} {
		if err := s.Put(ctx, j); err != nil {
			t.Fatalf("Put(%s): %v", j.ID, err)
		}
	}

	matches, err := s.Similar(ctx, "target", 5)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(matches) != 2 || matches[0].Job.ID != "near" || matches[1].Job.ID != "far" {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Distance >= matches[1].Distance || matches[0].Job.Fingerprint != nil {
		t.Errorf("matches not ordered or carry fingerprints: %+v", matches)
	}

	if _, err := s.Similar(ctx, "running", 5); !errors.Is(err, jobs.ErrNoFingerprint) {
		t.Errorf("Similar(running) err = %v, want ErrNoFingerprint", err)
	}
}

func TestPostgresStore_PruneDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := finishedJob("old", now.Add(-48*time.Hour))
	fresh := finishedJob("fresh", now)
	running := jobs.Job{ID: "running", State: convert.StateProcessing, Source: jobs.SourceUpload,
		CreatedAt: now.Add(-72 * time.Hour)}
	for _, j := range []jobs.Job{old, fresh, running} {
		if err := s.Put(ctx, j); err != nil {
			t.Fatalf("Put(%s): %v", j.ID, err)
		}
	}

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v; want 1", n, err)
	}
	if _, err := s.Get(ctx, "old"); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("old job survived prune: %v", err)
	}
	if _, err := s.Get(ctx, "running"); err != nil {
		t.Errorf("running job pruned: %v", err)
	}

	if err := s.Delete(ctx, "fresh"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "fresh"); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("deleted job still present: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
