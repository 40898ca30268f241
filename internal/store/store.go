package store

import (
	"context"
	"errors"

	"github.com/seantiz/anvil/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByMode   map[string]int `json:"count_by_mode"`
	CountByFault  map[string]int `json:"count_by_fault"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for runs.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertOutputChunk(ctx context.Context, runID string, seq int, data []byte) error
	GetOutputChunks(ctx context.Context, runID string) ([]model.OutputChunk, error)
	GetOutputChunksFrom(ctx context.Context, runID string, fromSeq int) ([]model.OutputChunk, error)
	Close() error
}
