package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentdeck/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return repo
}

func testRecord(runID, userID string, finished time.Time) *domain.RunRecord {
	return &domain.RunRecord{
		RunID:      runID,
		UserID:     userID,
		AgentID:    "agent-1",
		AuditID:    "audit-" + runID,
		Status:     "done",
		RawText:    "Summary\ndone.",
		StepCount:  2,
		StartedAt:  finished.Add(-3 * time.Second),
		FinishedAt: finished,
	}
}

func TestInsertAndGetRun(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	want := testRecord("run-1", "user-1", time.Now())
	if err := repo.InsertRun(ctx, want); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, err := repo.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil for an existing run")
	}
	if got.RunID != want.RunID || got.UserID != want.UserID || got.AgentID != want.AgentID {
		t.Errorf("identity mismatch: got %+v", got)
	}
	if got.AuditID != want.AuditID {
		t.Errorf("audit id = %q, want %q", got.AuditID, want.AuditID)
	}
	if got.RawText != want.RawText || got.StepCount != want.StepCount {
		t.Errorf("payload mismatch: got %+v", got)
	}
	if !got.Succeeded() {
		t.Errorf("Succeeded() = false for %+v", got)
	}
	if got.FinishedAt.Unix() != want.FinishedAt.Unix() {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, want.FinishedAt)
	}
}

func TestGetRunMissing(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetRun(context.Background(), "no-such-run")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for an unknown run", got)
	}
}

func TestInsertRunNullableFields(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("run-err", "user-1", time.Now())
	rec.AuditID = ""
	rec.Status = "errored"
	rec.Error = "connection lost"
	if err := repo.InsertRun(ctx, rec); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, err := repo.GetRun(ctx, "run-err")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.AuditID != "" {
		t.Errorf("audit id = %q, want empty", got.AuditID)
	}
	if got.Error != "connection lost" {
		t.Errorf("error = %q, want %q", got.Error, "connection lost")
	}
	if got.Succeeded() {
		t.Error("an errored run must not report success")
	}
}

func TestListRunsNewestFirstPerUser(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, rec := range []*domain.RunRecord{
		testRecord("run-a", "user-1", base.Add(1*time.Minute)),
		testRecord("run-b", "user-1", base.Add(2*time.Minute)),
		testRecord("run-c", "user-2", base.Add(3*time.Minute)),
		testRecord("run-d", "user-1", base.Add(4*time.Minute)),
	} {
		if err := repo.InsertRun(ctx, rec); err != nil {
			t.Fatalf("InsertRun %d: %v", i, err)
		}
	}

	recs, err := repo.ListRuns(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d runs, want 3", len(recs))
	}
	for i, want := range []string{"run-d", "run-b", "run-a"} {
		if recs[i].RunID != want {
			t.Errorf("run %d = %s, want %s", i, recs[i].RunID, want)
		}
	}

	limited, err := repo.ListRuns(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListRuns limited: %v", err)
	}
	if len(limited) != 2 || limited[0].RunID != "run-d" {
		t.Errorf("limited list = %v", runIDs(limited))
	}
}

func TestListRunsEmpty(t *testing.T) {
	repo := newTestStore(t)

	recs, err := repo.ListRuns(context.Background(), "nobody", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d runs, want none", len(recs))
	}
}

func TestPurgeOlderThan(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	old := testRecord("run-old", "user-1", time.Now().Add(-48*time.Hour))
	fresh := testRecord("run-fresh", "user-1", time.Now())
	for _, rec := range []*domain.RunRecord{old, fresh} {
		if err := repo.InsertRun(ctx, rec); err != nil {
			t.Fatalf("InsertRun: %v", err)
		}
	}

	purged, err := repo.PurgeOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d runs, want 1", purged)
	}

	if got, _ := repo.GetRun(ctx, "run-old"); got != nil {
		t.Error("expired run must be gone")
	}
	if got, _ := repo.GetRun(ctx, "run-fresh"); got == nil {
		t.Error("run inside the retention window must survive")
	}
}

func TestPing(t *testing.T) {
	repo := newTestStore(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func runIDs(recs []*domain.RunRecord) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.RunID
	}
	return ids
}
