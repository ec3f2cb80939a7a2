package runledger

import (
	"context"
	"errors"
	"testing"

	"diffract/internal/services"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestRunLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run, err := store.StartRun(ctx, "AA5", "BEF", "abcd1234", "5e5e5e5e", "/data/out/AA5", 500)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.Status != StatusRunning || run.RequestedFrames != 500 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.Series != "5e5e5e5e" {
		t.Fatalf("series not recorded: %+v", run)
	}
	if run.ID == "" {
		t.Fatal("run needs an id")
	}

	if err := store.CompleteRun(ctx, run.ID, 498, 2, 7); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedFrames != 498 || got.MissingFrames != 2 || got.CellFailures != 7 {
		t.Fatalf("completed run: %+v", got)
	}
}

func TestFailRunRecordsReason(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	run, err := store.StartRun(ctx, "AA5", "AFT", "cafe0123", "5e5e5e5e", "/data/out", 10)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := store.FailRun(ctx, run.ID, "recipe validation failed"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != StatusFailed || got.FailureReason != "recipe validation failed" {
		t.Fatalf("failed run: %+v", got)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := openStore(t)
	_, err := store.GetRun(context.Background(), "no-such-run")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if err := store.CompleteRun(context.Background(), "no-such-run", 0, 0, 0); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found on update, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for _, sample := range []string{"A", "B", "C"} {
		if _, err := store.StartRun(ctx, sample, "BEF", "id-"+sample, "series-"+sample, "/out", 1); err != nil {
			t.Fatalf("StartRun(%s): %v", sample, err)
		}
	}
	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("limit ignored: %d runs", len(runs))
	}
}

func TestCompletedFramesResumeContract(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.MarkFrames(ctx, "abcd1234", []int32{0, 5, 10}); err != nil {
		t.Fatalf("MarkFrames: %v", err)
	}
	// re-marking must be a no-op
	if err := store.MarkFrames(ctx, "abcd1234", []int32{5, 10, 15}); err != nil {
		t.Fatalf("MarkFrames again: %v", err)
	}

	done, err := store.CompletedFrames(ctx, "abcd1234")
	if err != nil {
		t.Fatalf("CompletedFrames: %v", err)
	}
	if len(done) != 4 || !done[0] || !done[5] || !done[10] || !done[15] {
		t.Fatalf("completed set: %v", done)
	}

	other, err := store.CompletedFrames(ctx, "ffff0000")
	if err != nil {
		t.Fatalf("CompletedFrames(other): %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("series must not share completed frames: %v", other)
	}
}

func TestLatestRunLookups(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	// Two runs in the same series with different identities: a narrow frame
	// window first, then a widened rerun.
	first, err := store.StartRun(ctx, "AA5", "BEF", "narrow01", "5e5e5e5e", "/out/day1", 4)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	second, err := store.StartRun(ctx, "AA5", "BEF", "widened2", "5e5e5e5e", "/out/day2", 8)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	got, err := store.LatestRun(ctx, "narrow01")
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if got.ID != first.ID || got.DatasetDir != "/out/day1" {
		t.Fatalf("latest run for identity: %+v", got)
	}

	latest, err := store.LatestSeriesRun(ctx, "5e5e5e5e")
	if err != nil {
		t.Fatalf("LatestSeriesRun: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("latest series run: %+v", latest)
	}

	if _, err := store.LatestRun(ctx, "unseen00"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if _, err := store.LatestSeriesRun(ctx, "unseen00"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
