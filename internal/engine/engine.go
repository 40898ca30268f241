package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/machine"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// DefaultTimeoutS is the default timeout in seconds when none is specified.
const DefaultTimeoutS = 30

var (
	// ErrNotRunning is returned when an operation needs an in-flight run.
	ErrNotRunning = errors.New("run is not in flight")

	// ErrNotInteractive is returned when input is sent to a run that was not
	// started as interactive.
	ErrNotInteractive = errors.New("run does not accept input")

	// ErrInputClosed is returned when input is sent after the run's input
	// was closed.
	ErrInputClosed = errors.New("run input is closed")

	// errKilled is the cancellation cause for runs stopped through Cancel.
	errKilled = errors.New("run killed")
)

// Engine orchestrates asynchronous run execution.
type Engine struct {
	store    store.Store
	registry *backend.Registry
	logger   *slog.Logger
	wg       sync.WaitGroup
	broker   *OutputBroker

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun tracks an in-flight run from submission until its outcome is
// recorded.
type activeRun struct {
	interactive bool
	ctx         context.Context
	cancel      context.CancelCauseFunc

	// ready is closed once input holds the run's input conduit.
	ready     chan struct{}
	readyOnce sync.Once
	input     *machine.Sender

	// done is closed after the outcome is stored.
	done chan struct{}
}

func (a *activeRun) setInput(in *machine.Sender) {
	a.readyOnce.Do(func() {
		a.input = in
		close(a.ready)
	})
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, reg *backend.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		broker:   NewOutputBroker(),
		active:   make(map[string]*activeRun),
	}
}

// Broker returns the engine's output broker for SSE subscription.
func (e *Engine) Broker() *OutputBroker {
	return e.broker
}

// Submit creates a run record and launches asynchronous execution in a
// goroutine. The run is stored with status "pending" before returning.
// The goroutine operates on a copy of the run to avoid data races with
// the caller.
func (e *Engine) Submit(ctx context.Context, r *model.Run) error {
	if err := e.store.CreateRun(ctx, r); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	a := e.register(r)
	rCopy := *r
	e.wg.Go(func() {
		e.execute(&rCopy, a)
	})

	return nil
}

// Run creates a run record, executes it on the calling goroutine and returns
// the stored outcome. If ctx ends before the run does, the run is killed.
func (e *Engine) Run(ctx context.Context, r *model.Run) (*model.Run, error) {
	if err := e.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	a := e.register(r)
	stop := context.AfterFunc(ctx, func() { a.cancel(errKilled) })
	defer stop()

	rCopy := *r
	e.execute(&rCopy, a)

	return e.store.GetRun(context.Background(), r.ID)
}

// InFlight returns the number of runs submitted but not yet recorded.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Wait blocks until all in-flight run goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Cancel kills an in-flight run and waits until its outcome is recorded or
// ctx ends. Runs that already finished yield ErrNotRunning; unknown runs
// yield store.ErrNotFound.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	a, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}

	a.cancel(errKilled)
	e.logger.Info("run cancel requested", "run_id", id)

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteInput pushes data into the input conduit of an interactive run.
func (e *Engine) WriteInput(ctx context.Context, id string, data []byte) error {
	in, err := e.inputOf(ctx, id)
	if err != nil {
		return err
	}
	if _, err := in.Write(data); err != nil {
		if errors.Is(err, machine.ErrClosed) {
			return ErrInputClosed
		}
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// CloseInput closes the input conduit of an interactive run. The program's
// next Read after the queued bytes faults with io_closed.
func (e *Engine) CloseInput(ctx context.Context, id string) error {
	in, err := e.inputOf(ctx, id)
	if err != nil {
		return err
	}
	return in.Close()
}

func (e *Engine) inputOf(ctx context.Context, id string) (*machine.Sender, error) {
	a, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.interactive {
		return nil, ErrNotInteractive
	}

	select {
	case <-a.ready:
		return a.input, nil
	case <-a.done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookup returns the in-flight state of a run, or the reason it has none.
func (e *Engine) lookup(ctx context.Context, id string) (*activeRun, error) {
	e.mu.Lock()
	a, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		return a, nil
	}

	r, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: status %s", ErrNotRunning, r.Status)
}

func (e *Engine) register(r *model.Run) *activeRun {
	ctx, cancel := context.WithCancelCause(context.Background())
	a := &activeRun{
		interactive: r.Interactive,
		ctx:         ctx,
		cancel:      cancel,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}

	e.mu.Lock()
	e.active[r.ID] = a
	e.mu.Unlock()
	return a
}

func (e *Engine) release(id string, a *activeRun) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()

	a.cancel(nil)
	close(a.done)
}

// execute runs the run lifecycle: pending→running→completed/failed/killed.
func (e *Engine) execute(r *model.Run, a *activeRun) {
	defer e.release(r.ID, a)
	// End the live output feed when execution finishes, regardless of outcome.
	defer e.broker.Finish(r.ID)

	// Killed before it started.
	if errors.Is(context.Cause(a.ctx), errKilled) {
		e.finish(r.ID, model.StatusKilled, nil, "killed before start")
		return
	}

	// Transition to running.
	if err := e.store.UpdateRunStatus(context.Background(), r.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "run_id", r.ID, "error", err)
		e.finish(r.ID, model.StatusFailed, nil, fmt.Sprintf("failed to start: %v", err))
		return
	}

	// Capture start time immediately after the running transition so that
	// started_at stays consistent across success, failure, and resolve-error paths.
	start := time.Now().UTC()

	// Determine timeout.
	timeoutS := DefaultTimeoutS
	if r.TimeoutS != nil && *r.TimeoutS > 0 {
		timeoutS = *r.TimeoutS
	}

	ctx, cancel := context.WithTimeout(a.ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	// The OutputWriter persists each chunk, then publishes it under the same
	// seq, so subscribers can fill any gap from the history. Persisting uses
	// a fresh context so output produced right before a timeout is kept.
	var seq atomic.Int32
	spec := backend.RunSpec{
		ID:            r.ID,
		Mode:          r.Mode,
		Source:        r.Source,
		Input:         r.Input,
		Interactive:   r.Interactive,
		Optimize:      r.Optimize,
		MaxIterations: r.MaxIterations,
		OutputWriter: func(chunk []byte) {
			currentSeq := int(seq.Add(1) - 1)
			if err := e.store.InsertOutputChunk(context.Background(), r.ID, currentSeq, chunk); err != nil {
				e.logger.Error("failed to persist output chunk", "run_id", r.ID, "seq", currentSeq, "error", err)
			}
			if dropped := e.broker.Publish(r.ID, currentSeq, chunk); dropped > 0 {
				e.logger.Debug("output chunk dropped for slow subscribers", "run_id", r.ID, "seq", currentSeq, "subscribers", dropped)
			}
		},
		InputReady: a.setInput,
	}

	// Resolve backend.
	b, err := e.registry.Resolve(r.Mode, r.Interactive)
	if err != nil {
		e.finish(r.ID, model.StatusFailed, &start, fmt.Sprintf("resolve backend: %v", err))
		return
	}
	if r.Interactive && !b.Capabilities().Interactive {
		e.finish(r.ID, model.StatusFailed, &start,
			fmt.Sprintf("backend %q does not support interactive runs", b.Capabilities().Name))
		return
	}

	result, err := b.Execute(ctx, spec)
	durationMS := int(time.Since(start).Milliseconds())
	now := time.Now().UTC()

	out := &model.Run{
		ID:         r.ID,
		Status:     model.StatusCompleted,
		Output:     result.Output,
		Fault:      result.Fault,
		Warnings:   result.Warnings,
		Iterations: result.Iterations,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}

	if err != nil {
		out.Status = model.StatusFailed
		out.Error = err.Error()
		switch {
		case errors.Is(context.Cause(a.ctx), errKilled):
			out.Status = model.StatusKilled
			out.Error = errKilled.Error()
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			out.Error = fmt.Sprintf("run timed out after %ds", timeoutS)
		}
	}

	if err := e.store.UpdateRun(context.Background(), out); err != nil {
		e.logger.Error("failed to update finished run", "run_id", r.ID, "status", out.Status, "error", err)
	}
}

// finish records a run that ended without reaching a backend.
// startedAt may be nil if execution never started.
func (e *Engine) finish(id, status string, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	r := &model.Run{
		ID:         id,
		Status:     status,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := e.store.UpdateRun(context.Background(), r); err != nil {
		e.logger.Error("failed to update run", "run_id", id, "status", status, "error", err)
	}
}
