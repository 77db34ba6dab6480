package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nateabele/jsengine/internal/model"
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
		ID:        model.NewID(),
		EnvID:     model.DefaultEnvID,
		Kind:      model.KindRun,
		Status:    model.StatusPending,
		Source:    `console.log("hi"); 1 + 1`,
		TimeoutS:  &timeout,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func mustCreate(t *testing.T, s *SQLiteStore, r *model.Run) {
	t.Helper()
	if err := s.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	r.Specifier = "modules/main.js"
	mustCreate(t, s, r)

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.EnvID != r.EnvID {
		t.Errorf("EnvID = %q, want %q", got.EnvID, r.EnvID)
	}
	if got.Kind != r.Kind {
		t.Errorf("Kind = %q, want %q", got.Kind, r.Kind)
	}
	if got.Source != r.Source {
		t.Errorf("Source = %q, want %q", got.Source, r.Source)
	}
	if got.Specifier != r.Specifier {
		t.Errorf("Specifier = %q, want %q", got.Specifier, r.Specifier)
	}
	if got.TimeoutS == nil || *got.TimeoutS != 30 {
		t.Errorf("TimeoutS = %v, want 30", got.TimeoutS)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("timestamps set on a pending run: started=%v finished=%v", got.StartedAt, got.FinishedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun error = %v, want ErrNotFound", err)
	}
}

func TestListRunsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeTestRun()
		r.CreatedAt = r.CreatedAt.Add(time.Duration(i) * time.Second)
		mustCreate(t, s, r)
	}

	page, total, err := s.ListRuns(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Errorf("len(page) = %d, want 2", len(page))
	}

	last, _, err := s.ListRuns(ctx, "", 2, 4)
	if err != nil {
		t.Fatalf("ListRuns offset 4: %v", err)
	}
	if len(last) != 1 {
		t.Errorf("len(last) = %d, want 1", len(last))
	}
}

func TestListRunsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := makeTestRun()
	newer := makeTestRun()
	newer.CreatedAt = older.CreatedAt.Add(time.Minute)
	mustCreate(t, s, older)
	mustCreate(t, s, newer)

	runs, _, err := s.ListRuns(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].ID != newer.ID {
		t.Errorf("runs[0] = %q, want newest %q", runs[0].ID, newer.ID)
	}
}

func TestListRunsFiltersByEnv(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	other := makeTestRun()
	other.EnvID = "01JOTHERENV"
	mustCreate(t, s, makeTestRun())
	mustCreate(t, s, makeTestRun())
	mustCreate(t, s, other)

	runs, total, err := s.ListRuns(ctx, other.EnvID, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 1 || len(runs) != 1 {
		t.Fatalf("total = %d, len = %d, want 1 and 1", total, len(runs))
	}
	if runs[0].ID != other.ID {
		t.Errorf("runs[0] = %q, want %q", runs[0].ID, other.ID)
	}
}

func TestListRunsEmpty(t *testing.T) {
	s := newTestStore(t)

	runs, total, err := s.ListRuns(context.Background(), "", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if runs == nil || len(runs) != 0 {
		t.Errorf("runs = %v, want empty non-nil slice", runs)
	}
}

func TestUpdateRunStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	mustCreate(t, s, r)

	if err := s.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending→running: %v", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusRunning)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil, expected it to be set for running status")
	}

	if err := s.UpdateRunStatus(ctx, r.ID, model.StatusCompleted); err != nil {
		t.Fatalf("running→completed: %v", err)
	}
	got, _ = s.GetRun(ctx, r.ID)
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, expected it to be set for completed status")
	}
}

func TestUpdateRunStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateRunStatus(context.Background(), "nonexistent", model.StatusRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRunStatus error = %v, want ErrNotFound", err)
	}
}

func TestUpdateRunStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
	}{
		{"pending→completed", model.StatusPending, model.StatusCompleted},
		{"completed→running", model.StatusCompleted, model.StatusRunning},
		{"failed→cancelled", model.StatusFailed, model.StatusCancelled},
		{"cancelled→pending", model.StatusCancelled, model.StatusPending},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := makeTestRun()
			r.Status = tc.from
			mustCreate(t, s, r)

			err := s.UpdateRunStatus(ctx, r.ID, tc.to)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got error %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	mustCreate(t, s, r)
	if err := s.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	line, col, dur := 3, 7, 42
	now := time.Now().UTC()
	update := &model.Run{
		ID:          r.ID,
		Status:      model.StatusFailed,
		Error:       "ReferenceError: nope is not defined",
		ErrorLine:   &line,
		ErrorColumn: &col,
		DurationMS:  &dur,
		FinishedAt:  &now,
	}
	if err := s.UpdateRun(ctx, update); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
	if got.Error != update.Error {
		t.Errorf("Error = %q, want %q", got.Error, update.Error)
	}
	if got.ErrorLine == nil || *got.ErrorLine != 3 || got.ErrorColumn == nil || *got.ErrorColumn != 7 {
		t.Errorf("location = %v:%v, want 3:7", got.ErrorLine, got.ErrorColumn)
	}
	if got.DurationMS == nil || *got.DurationMS != 42 {
		t.Errorf("DurationMS = %v, want 42", got.DurationMS)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt was cleared by UpdateRun")
	}
}

func TestUpdateRunNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateRun(context.Background(), &model.Run{ID: "nonexistent", Status: model.StatusFailed})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRun error = %v, want ErrNotFound", err)
	}
}

func TestUpdateRunInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	mustCreate(t, s, r)

	err := s.UpdateRun(ctx, &model.Run{ID: r.ID, Status: model.StatusCompleted, Result: "1"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending→completed: got error %v, want ErrInvalidTransition", err)
	}
}

func TestGetRunStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := makeTestRun()
		mustCreate(t, s, r)
		if i < 2 {
			if err := s.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
				t.Fatalf("UpdateRunStatus running: %v", err)
			}
			dur := 100 + i*100
			now := time.Now().UTC()
			if err := s.UpdateRun(ctx, &model.Run{
				ID: r.ID, Status: model.StatusCompleted, Result: "2", DurationMS: &dur, FinishedAt: &now,
			}); err != nil {
				t.Fatalf("UpdateRun: %v", err)
			}
		}
	}

	call := makeTestRun()
	call.Kind = model.KindCall
	call.EnvID = "01JOTHERENV"
	mustCreate(t, s, call)

	stats, err := s.GetRunStats(ctx)
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 2 {
		t.Errorf("completed count = %d, want 2", stats.CountByStatus[model.StatusCompleted])
	}
	if stats.CountByStatus[model.StatusPending] != 2 {
		t.Errorf("pending count = %d, want 2", stats.CountByStatus[model.StatusPending])
	}
	if stats.CountByKind[model.KindRun] != 3 || stats.CountByKind[model.KindCall] != 1 {
		t.Errorf("CountByKind = %v, want run:3 call:1", stats.CountByKind)
	}
	if stats.CountByEnv[model.DefaultEnvID] != 3 {
		t.Errorf("default env count = %d, want 3", stats.CountByEnv[model.DefaultEnvID])
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
}

func TestGetRunStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetRunStats(context.Background())
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestInsertAndGetOutputLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	mustCreate(t, s, r)

	streams := []string{model.StreamOut, model.StreamErr, model.StreamOut}
	for i, stream := range streams {
		if err := s.InsertOutputLine(ctx, r.ID, i, stream, fmt.Sprintf("line %d\n", i)); err != nil {
			t.Fatalf("InsertOutputLine[%d]: %v", i, err)
		}
	}

	lines, err := s.GetOutputLines(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetOutputLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}

	for i, l := range lines {
		if l.Seq != i {
			t.Errorf("lines[%d].Seq = %d, want %d", i, l.Seq, i)
		}
		if want := fmt.Sprintf("line %d\n", i); l.Text != want {
			t.Errorf("lines[%d].Text = %q, want %q", i, l.Text, want)
		}
		if l.Stream != streams[i] {
			t.Errorf("lines[%d].Stream = %q, want %q", i, l.Stream, streams[i])
		}
		if l.RunID != r.ID {
			t.Errorf("lines[%d].RunID = %q, want %q", i, l.RunID, r.ID)
		}
		if l.ID == 0 {
			t.Errorf("lines[%d].ID = 0, expected non-zero auto-increment ID", i)
		}
	}
}

func TestGetOutputLinesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	mustCreate(t, s, r)

	for _, seq := range []int{2, 0, 1} {
		if err := s.InsertOutputLine(ctx, r.ID, seq, model.StreamOut, fmt.Sprintf("line %d", seq)); err != nil {
			t.Fatalf("InsertOutputLine[%d]: %v", seq, err)
		}
	}

	lines, err := s.GetOutputLines(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetOutputLines: %v", err)
	}
	for i := 0; i < len(lines)-1; i++ {
		if lines[i].Seq >= lines[i+1].Seq {
			t.Errorf("lines not ordered by seq: lines[%d].Seq=%d >= lines[%d].Seq=%d",
				i, lines[i].Seq, i+1, lines[i+1].Seq)
		}
	}
}

func TestGetOutputLinesEmptyAndIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r1, r2 := makeTestRun(), makeTestRun()
	mustCreate(t, s, r1)
	mustCreate(t, s, r2)

	if err := s.InsertOutputLine(ctx, r1.ID, 0, model.StreamOut, "only r1"); err != nil {
		t.Fatalf("InsertOutputLine: %v", err)
	}

	lines, err := s.GetOutputLines(ctx, r2.ID)
	if err != nil {
		t.Fatalf("GetOutputLines: %v", err)
	}
	if lines == nil || len(lines) != 0 {
		t.Errorf("lines = %v, want empty non-nil slice", lines)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)

	for _, stmt := range []string{createRunsTable, createOutputLinesTable, createOutputLinesIndex} {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("second migration: %v", err)
		}
	}
}
