package store

import (
	"context"
	"errors"

	"github.com/nateabele/jsengine/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	CountByEnv    map[string]int `json:"count_by_env"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for runs and their output.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	// ListRuns pages through runs newest first. An empty envID lists runs of
	// every environment.
	ListRuns(ctx context.Context, envID string, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertOutputLine(ctx context.Context, runID string, seq int, stream, text string) error
	GetOutputLines(ctx context.Context, runID string) ([]model.OutputLine, error)
	Close() error
}
