// Command anvil runs a single tape program from a file.
//
// Program input comes from stdin. When stdin is a terminal and the program
// runs in stream mode, input is read as it is typed; otherwise stdin is read
// to end of file before the program starts.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/backend/interp"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/machine"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/program"
)

const (
	exitFault = 1
	exitUsage = 2
)

var errWarnings = errors.New("optimizer reported warnings")

// console is the process environment a run talks to.
type console struct {
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	stdinTTY  bool
	stdoutTTY bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], console{
		stdin:     os.Stdin,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		stdinTTY:  term.IsTerminal(int(os.Stdin.Fd())),
		stdoutTTY: term.IsTerminal(int(os.Stdout.Fd())),
	})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, con console) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("anvil", flag.ContinueOnError)
	fs.SetOutput(con.stderr)
	var (
		flagOptimize      = fs.Bool("optimize", cfg.Optimize, "Optimize the program before running it")
		flagMaxIterations = fs.Uint64("max-iterations", cfg.MaxIterations, "Dispatch budget for the run")
		flagMode          = fs.String("mode", model.ModeAuto, "Run mode: batch, stream or auto")
		flagStrict        = fs.Bool("strict", false, "Exit 1 without running when the optimizer warns")
		flagVerbose       = fs.Bool("v", false, "Log run details to stderr")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: anvil [flags] FILE\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	level := slog.LevelWarn
	if *flagVerbose {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(con.stderr, level)

	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	path := fs.Arg(0)

	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(con.stderr, "anvil: %v\n", err)
		return exitUsage
	}

	reg := backend.NewRegistry()
	reg.Register(model.ModeBatch, interp.NewBatchBackend(logger))
	reg.Register(model.ModeStream, interp.NewStreamBackend(logger, 0))

	b, err := reg.Resolve(*flagMode, con.stdinTTY)
	if err != nil {
		fmt.Fprintf(con.stderr, "anvil: %v\n", err)
		return exitUsage
	}
	// Only a stream backend can take input while the program runs.
	interactive := con.stdinTTY && b.Capabilities().Interactive

	spec := backend.RunSpec{
		ID:            model.NewID(),
		Mode:          b.Capabilities().Name,
		Source:        string(source),
		Interactive:   interactive,
		Optimize:      *flagOptimize,
		MaxIterations: *flagMaxIterations,
		VetWarnings: func(warnings []string) error {
			for _, w := range warnings {
				logger.Warn("optimizer warning", "file", path, "warning", w)
			}
			if *flagStrict && len(warnings) > 0 {
				return errWarnings
			}
			return nil
		},
	}

	if interactive {
		spec.InputReady = func(in *machine.Sender) {
			go pumpInput(in, con.stdin)
		}
	} else {
		spec.Input, err = io.ReadAll(con.stdin)
		if err != nil {
			fmt.Fprintf(con.stderr, "anvil: read stdin: %v\n", err)
			return exitUsage
		}
	}

	// A terminal sees every chunk as it is produced; pipes and files get
	// buffered writes.
	out := con.stdout
	if !con.stdoutTTY {
		bw := bufio.NewWriter(con.stdout)
		defer bw.Flush()
		out = bw
	}
	spec.OutputWriter = func(chunk []byte) {
		if _, err := out.Write(chunk); err != nil {
			logger.Error("write output", "error", err)
		}
	}

	result, err := b.Execute(ctx, spec)
	logger.Debug("run finished",
		"file", path,
		"mode", spec.Mode,
		"iterations", result.Iterations,
		"duration_ms", result.DurationMS,
	)

	var (
		fault *machine.Fault
		perr  *program.ParseError
	)
	switch {
	case err == nil:
		return 0
	case errors.As(err, &fault):
		logger.Error("run faulted", "file", path, "fault", fault.Kind.String(), "error", err)
		return exitFault
	case errors.Is(err, errWarnings):
		fmt.Fprintf(con.stderr, "anvil: %s: %v\n", path, err)
		return exitFault
	case errors.As(err, &perr):
		fmt.Fprintf(con.stderr, "anvil: %s: %v\n", path, perr)
		return exitUsage
	default:
		fmt.Fprintf(con.stderr, "anvil: %v\n", err)
		return exitUsage
	}
}

// pumpInput forwards src to the program line by line and closes the input
// at end of file. It stops early once the program has finished.
func pumpInput(in *machine.Sender, src io.Reader) {
	defer in.Close()

	r := bufio.NewReader(src)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := in.Write(line); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
