package interp

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/machine"
)

// StreamBackend runs programs on their own goroutine with live input and
// output conduits. Output reaches the OutputWriter while the program is
// still running, and interactive runs keep their input open for the caller.
type StreamBackend struct {
	logger    *slog.Logger
	chunkSize int
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*StreamBackend)(nil)

// NewStreamBackend creates a stream-mode backend. A chunkSize <= 0 selects
// DefaultChunkSize.
func NewStreamBackend(logger *slog.Logger, chunkSize int) *StreamBackend {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &StreamBackend{logger: logger, chunkSize: chunkSize}
}

// Execute spawns the program, feeds spec.Input, and forwards output chunks
// until the program ends. The input conduit is closed after spec.Input
// unless the run is interactive and spec.InputReady takes ownership of it.
func (b *StreamBackend) Execute(ctx context.Context, spec backend.RunSpec) (backend.RunResult, error) {
	start := time.Now()

	m, warnings, err := prepare(spec)
	if err != nil {
		return failPrepare(StreamName, err)
	}

	activeSessions.Inc()
	defer activeSessions.Dec()

	sess := m.Spawn(ctx)
	in := sess.Input()
	if len(spec.Input) > 0 {
		// ErrClosed only means the program already finished.
		_, _ = in.Write(spec.Input)
	}
	if spec.Interactive && spec.InputReady != nil {
		spec.InputReady(in)
	} else {
		in.Close()
	}

	b.logger.Debug("stream session started",
		"run_id", spec.ID,
		"interactive", spec.Interactive,
	)

	var output []byte
	buf := make([]byte, b.chunkSize)
	for {
		n, err := sess.Output().Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			output = append(output, chunk...)
			if spec.OutputWriter != nil {
				spec.OutputWriter(chunk)
			}
		}
		if err != nil {
			break
		}
	}

	runErr := sess.Wait()
	return finish(b.logger, StreamName, spec, m, output, warnings, start, runErr)
}

// Capabilities reports what this backend supports.
func (b *StreamBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           StreamName,
		SupportedModes: []string{StreamName},
		Interactive:    true,
		TapeSize:       machine.TapeSize,
	}
}
