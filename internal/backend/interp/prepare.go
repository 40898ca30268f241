package interp

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/machine"
	"github.com/seantiz/anvil/internal/program"
)

// prepare parses and optionally optimizes the program, lets the caller vet
// the optimizer warnings and returns a fresh machine for it along with them.
func prepare(spec backend.RunSpec) (*machine.Machine, []string, error) {
	instrs, err := program.Parse(spec.Source)
	if err != nil {
		parseErrorsTotal.Inc()
		return nil, nil, fmt.Errorf("parse program: %w", err)
	}

	var warnings []string
	if spec.Optimize {
		var ws []program.Warning
		instrs, ws = program.Optimize(instrs, program.AllFlags)
		for _, w := range ws {
			warnings = append(warnings, w.String())
		}
	}

	if spec.VetWarnings != nil {
		if err := spec.VetWarnings(warnings); err != nil {
			return nil, nil, err
		}
	}

	return machine.New(instrs, spec.MaxIterations), warnings, nil
}

// finish records metrics and logs for a completed or faulted run and builds
// its result. runErr is passed through unchanged.
func finish(logger *slog.Logger, mode string, spec backend.RunSpec, m *machine.Machine,
	output []byte, warnings []string, start time.Time, runErr error,
) (backend.RunResult, error) {
	duration := time.Since(start)

	result := backend.RunResult{
		Output:     output,
		Iterations: m.Iterations(),
		DurationMS: int(duration.Milliseconds()),
		Warnings:   warnings,
	}

	outcome := outcomeCompleted
	if runErr != nil {
		kind := machine.KindOf(runErr)
		result.Fault = kind.String()
		runFaultsTotal.WithLabelValues(kind.String()).Inc()
		outcome = outcomeFailed
		if errors.Is(runErr, machine.ErrCancelled) {
			outcome = outcomeKilled
		}
	}

	runsTotal.WithLabelValues(mode, outcome).Inc()
	runDispatches.Observe(float64(result.Iterations))
	runDuration.Observe(duration.Seconds())

	logger.Info("run finished",
		"run_id", spec.ID,
		"mode", mode,
		"outcome", outcome,
		"fault", result.Fault,
		"iterations", result.Iterations,
		"output_bytes", len(output),
		"duration_ms", result.DurationMS,
	)

	return result, runErr
}

func failPrepare(mode string, err error) (backend.RunResult, error) {
	runsTotal.WithLabelValues(mode, outcomeFailed).Inc()
	return backend.RunResult{}, err
}
