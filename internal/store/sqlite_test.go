package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestRun() *model.Run {
	timeout := 30
	return &model.Run{
		ID:            model.NewID(),
		Status:        model.StatusPending,
		Mode:          model.ModeBatch,
		Source:        "+++.",
		Input:         []byte{1, 2},
		Optimize:      true,
		MaxIterations: math.MaxUint64,
		TimeoutS:      &timeout,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	r.Interactive = true
	r.Warnings = []string{"loop at depth 0 is never entered and was removed"}

	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.Status != r.Status {
		t.Errorf("Status = %q, want %q", got.Status, r.Status)
	}
	if got.Mode != r.Mode {
		t.Errorf("Mode = %q, want %q", got.Mode, r.Mode)
	}
	if got.Source != r.Source {
		t.Errorf("Source = %q, want %q", got.Source, r.Source)
	}
	if string(got.Input) != string(r.Input) {
		t.Errorf("Input = %v, want %v", got.Input, r.Input)
	}
	if !got.Interactive || !got.Optimize {
		t.Errorf("Interactive = %v, Optimize = %v, want both true", got.Interactive, got.Optimize)
	}
	if got.MaxIterations != math.MaxUint64 {
		t.Errorf("MaxIterations = %d, want %d", got.MaxIterations, uint64(math.MaxUint64))
	}
	if *got.TimeoutS != *r.TimeoutS {
		t.Errorf("TimeoutS = %d, want %d", *got.TimeoutS, *r.TimeoutS)
	}
	if len(got.Warnings) != 1 || got.Warnings[0] != r.Warnings[0] {
		t.Errorf("Warnings = %v, want %v", got.Warnings, r.Warnings)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("StartedAt/FinishedAt = %v/%v, want nil", got.StartedAt, got.FinishedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetRun error = %v, want ErrNotFound", err)
	}
}

func TestListRunsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert 5 runs with staggered creation times.
	for i := 0; i < 5; i++ {
		r := makeTestRun()
		r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun[%d]: %v", i, err)
		}
	}

	runs, total, err := s.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(runs) != 2 {
		t.Errorf("len(runs) = %d, want 2", len(runs))
	}

	runs2, _, err := s.ListRuns(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListRuns page 3: %v", err)
	}
	if len(runs2) != 1 {
		t.Errorf("len(runs) page 3 = %d, want 1", len(runs2))
	}
}

func TestListRunsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := makeTestRun()
		r.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun[%d]: %v", i, err)
		}
	}

	runs, _, err := s.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}

	// Newest first.
	for i := 1; i < len(runs); i++ {
		if runs[i].CreatedAt.After(runs[i-1].CreatedAt) {
			t.Errorf("runs not in DESC order: [%d].CreatedAt=%v > [%d].CreatedAt=%v",
				i, runs[i].CreatedAt, i-1, runs[i-1].CreatedAt)
		}
	}
}

func TestListRunsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runs, total, err := s.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if runs != nil {
		t.Errorf("runs = %v, want nil", runs)
	}
}

func TestUpdateRunStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()

	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	for _, status := range []string{model.StatusRunning, model.StatusKilled} {
		if err := s.UpdateRunStatus(ctx, r.ID, status); err != nil {
			t.Fatalf("UpdateRunStatus(%s): %v", status, err)
		}
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != model.StatusKilled {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusKilled)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil after terminal status")
	}
}

func TestUpdateRunStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRunStatus(context.Background(), "nonexistent", model.StatusRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestUpdateRunStatusTerminalCannotTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()

	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, r.ID, model.StatusKilled); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	for _, status := range []string{model.StatusRunning, model.StatusCompleted, model.StatusKilled} {
		err := s.UpdateRunStatus(ctx, r.ID, status)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("killed -> %s: got error %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()

	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	now := time.Now().UTC()
	durationMS := 150
	r.Status = model.StatusRunning
	r.StartedAt = &now
	if err := s.UpdateRun(ctx, r); err != nil {
		t.Fatalf("UpdateRun (running): %v", err)
	}

	r.Status = model.StatusFailed
	r.Output = []byte{1, 2, 3}
	r.Fault = "out_of_bounds_left"
	r.Error = "out of bounds left at pc 6"
	r.Iterations = 7
	r.DurationMS = &durationMS
	finishedAt := now.Add(time.Duration(durationMS) * time.Millisecond)
	r.FinishedAt = &finishedAt

	if err := s.UpdateRun(ctx, r); err != nil {
		t.Fatalf("UpdateRun (failed): %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
	if string(got.Output) != "\x01\x02\x03" {
		t.Errorf("Output = %v, want [1 2 3]", got.Output)
	}
	if got.Fault != "out_of_bounds_left" {
		t.Errorf("Fault = %q, want out_of_bounds_left", got.Fault)
	}
	if got.Iterations != 7 {
		t.Errorf("Iterations = %d, want 7", got.Iterations)
	}
	if *got.DurationMS != 150 {
		t.Errorf("DurationMS = %d, want 150", *got.DurationMS)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("StartedAt or FinishedAt is nil")
	}
}

func TestUpdateRunNotFound(t *testing.T) {
	s := newTestStore(t)
	r := makeTestRun()
	r.ID = "nonexistent"
	if err := s.UpdateRun(context.Background(), r); !errors.Is(err, ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestUpdateRunInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()

	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// pending -> completed skips running.
	r.Status = model.StatusCompleted
	if err := s.UpdateRun(ctx, r); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got error %v, want ErrInvalidTransition", err)
	}
}

func TestGetRunStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	outcomes := []struct {
		mode   string
		status string
		fault  string
		dur    int
	}{
		{model.ModeBatch, model.StatusCompleted, "", 100},
		{model.ModeBatch, model.StatusFailed, "max_iterations_exceeded", 200},
		{model.ModeStream, model.StatusFailed, "io_closed", 300},
		{model.ModeStream, model.StatusPending, "", 0},
	}

	for i, o := range outcomes {
		r := makeTestRun()
		r.Mode = o.mode
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun[%d]: %v", i, err)
		}
		if o.status == model.StatusPending {
			continue
		}
		if err := s.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
			t.Fatalf("UpdateRunStatus[%d]: %v", i, err)
		}
		dur := o.dur
		r.Status = o.status
		r.Fault = o.fault
		r.DurationMS = &dur
		if err := s.UpdateRun(ctx, r); err != nil {
			t.Fatalf("UpdateRun[%d]: %v", i, err)
		}
	}

	stats, err := s.GetRunStats(ctx)
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusFailed] != 2 {
		t.Errorf("failed = %d, want 2", stats.CountByStatus[model.StatusFailed])
	}
	if stats.CountByMode[model.ModeStream] != 2 {
		t.Errorf("stream = %d, want 2", stats.CountByMode[model.ModeStream])
	}
	if stats.CountByFault["io_closed"] != 1 || len(stats.CountByFault) != 2 {
		t.Errorf("CountByFault = %v", stats.CountByFault)
	}
	if stats.AvgDurationMS != 200 {
		t.Errorf("AvgDurationMS = %v, want 200", stats.AvgDurationMS)
	}
}

func TestGetRunStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetRunStats(context.Background())
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats.Total != 0 || stats.AvgDurationMS != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
	if stats.CountByStatus == nil || stats.CountByMode == nil || stats.CountByFault == nil {
		t.Error("count maps should be non-nil")
	}
}

func TestInsertAndGetOutputChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Insert out of order; reads come back by seq.
	for _, seq := range []int{2, 0, 1} {
		if err := s.InsertOutputChunk(ctx, r.ID, seq, []byte(fmt.Sprintf("chunk %d", seq))); err != nil {
			t.Fatalf("InsertOutputChunk(%d): %v", seq, err)
		}
	}

	chunks, err := s.GetOutputChunks(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetOutputChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != i {
			t.Errorf("chunks[%d].Seq = %d", i, c.Seq)
		}
		if string(c.Data) != fmt.Sprintf("chunk %d", i) {
			t.Errorf("chunks[%d].Data = %q", i, c.Data)
		}
		if c.RunID != r.ID {
			t.Errorf("chunks[%d].RunID = %q, want %q", i, c.RunID, r.ID)
		}
	}
}

func TestGetOutputChunksFrom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for seq := range 5 {
		if err := s.InsertOutputChunk(ctx, "run-a", seq, []byte{byte('a' + seq)}); err != nil {
			t.Fatalf("InsertOutputChunk(%d): %v", seq, err)
		}
	}

	tests := []struct {
		from int
		want string
	}{
		{0, "abcde"},
		{3, "de"},
		{5, ""},
	}
	for _, tt := range tests {
		chunks, err := s.GetOutputChunksFrom(ctx, "run-a", tt.from)
		if err != nil {
			t.Fatalf("GetOutputChunksFrom(%d): %v", tt.from, err)
		}
		var got []byte
		for i, c := range chunks {
			if c.Seq != tt.from+i {
				t.Errorf("from %d: chunks[%d].Seq = %d", tt.from, i, c.Seq)
			}
			got = append(got, c.Data...)
		}
		if string(got) != tt.want {
			t.Errorf("from %d: data = %q, want %q", tt.from, got, tt.want)
		}
	}
}

func TestGetOutputChunksIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertOutputChunk(ctx, "run-a", 0, []byte("a")); err != nil {
		t.Fatalf("InsertOutputChunk: %v", err)
	}
	if err := s.InsertOutputChunk(ctx, "run-b", 0, []byte("b")); err != nil {
		t.Fatalf("InsertOutputChunk: %v", err)
	}

	chunks, err := s.GetOutputChunks(ctx, "run-a")
	if err != nil {
		t.Fatalf("GetOutputChunks: %v", err)
	}
	if len(chunks) != 1 || string(chunks[0].Data) != "a" {
		t.Errorf("chunks = %+v, want one chunk \"a\"", chunks)
	}

	empty, err := s.GetOutputChunks(ctx, "run-c")
	if err != nil {
		t.Fatalf("GetOutputChunks: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("len(chunks) = %d, want 0", len(empty))
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)

	// The in-memory DB won't persist between opens, so re-run the
	// migrations on the same connection.
	for _, q := range []string{createRunsTable, createOutputChunksTable, createOutputChunksIndex} {
		if _, err := s.db.Exec(q); err != nil {
			t.Fatalf("second migration: %v", err)
		}
	}
}
