package interp

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/machine"
)

// BatchBackend runs programs with their input fully loaded and closed before
// the first instruction. Output is handed to the caller once the run ends.
type BatchBackend struct {
	logger *slog.Logger
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*BatchBackend)(nil)

// NewBatchBackend creates a batch-mode backend.
func NewBatchBackend(logger *slog.Logger) *BatchBackend {
	return &BatchBackend{logger: logger}
}

// Execute runs the program on the calling goroutine.
func (b *BatchBackend) Execute(ctx context.Context, spec backend.RunSpec) (backend.RunResult, error) {
	start := time.Now()

	m, warnings, err := prepare(spec)
	if err != nil {
		return failPrepare(BatchName, err)
	}

	output, runErr := m.Run(ctx, spec.Input)
	if spec.OutputWriter != nil && len(output) > 0 {
		spec.OutputWriter(output)
	}

	return finish(b.logger, BatchName, spec, m, output, warnings, start, runErr)
}

// Capabilities reports what this backend supports.
func (b *BatchBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           BatchName,
		SupportedModes: []string{BatchName},
		TapeSize:       machine.TapeSize,
	}
}
