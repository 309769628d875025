// Package supervisor runs one trace: it creates the channel, launches the
// traced program, collects its reports and writes the result.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/majorcontext/watchit/internal/channel"
	"github.com/majorcontext/watchit/internal/collector"
	"github.com/majorcontext/watchit/internal/id"
	"github.com/majorcontext/watchit/internal/launch"
	"github.com/majorcontext/watchit/internal/log"
	"github.com/majorcontext/watchit/internal/results"
	"github.com/majorcontext/watchit/internal/store"
)

// Options configures a run.
type Options struct {
	Argv       []string // traced command and arguments
	Preload    string   // interception module path
	SocketStem string   // channel address stem
	Output     string   // report destination; "" or "-" is stdout
	Glob       string   // report filter
	CwdPrefix  bool     // prefix relative paths with the working directory
	Record     string   // run history database; "" disables recording

	// Env is the base environment of the traced program; nil means
	// os.Environ().
	Env []string
	// Streams of the traced program; nil inherits the supervisor's.
	Stdin, Stdout, Stderr *os.File
}

// Result describes a completed run.
type Result struct {
	RunID      string          `json:"run_id"`
	Socket     string          `json:"socket"`
	PID        int             `json:"pid"`
	Paths      int             `json:"paths"`   // distinct paths collected
	Written    int             `json:"written"` // lines in the report after filtering
	Stats      collector.Stats `json:"stats"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Run traces opts.Argv to completion. The traced program's own exit status
// is reported in Result.Stats.Exit and never turned into an error.
//
// While the run is in progress SIGTERM and SIGHUP are forwarded to the
// traced root process and SIGINT, which a terminal already delivers to the
// whole process group, is absorbed. Collection continues so the report is
// still written. A second signal kills the root and aborts the run with an
// error wrapping collector.ErrInterrupted.
//
// The channel address is removed on every return path.
func Run(opts Options) (*Result, error) {
	res := &Result{RunID: id.Generate("run"), StartedAt: time.Now()}
	logger := log.With("run_id", res.RunID)

	filter := results.Filter{Glob: opts.Glob}
	if opts.CwdPrefix {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		filter.Cwd = cwd
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := launch.CheckPreload(opts.Preload); err != nil {
		return nil, err
	}

	addr, err := channel.Address(opts.SocketStem, os.Getpid())
	if err != nil {
		return nil, err
	}
	l, err := channel.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("creating channel: %w", err)
	}
	defer func() {
		if err := l.Close(); err != nil {
			logger.Warn("removing channel", "addr", addr, "error", err)
		}
	}()
	res.Socket = addr
	logger.Debug("channel listening", "addr", addr)

	// Registered before the spawn so no signal can end the supervisor
	// without the deferred cleanup.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	proc, err := launch.Start(launch.Spec{
		Argv:    opts.Argv,
		Preload: opts.Preload,
		Socket:  addr,
		Env:     opts.Env,
		Stdin:   opts.Stdin,
		Stdout:  opts.Stdout,
		Stderr:  opts.Stderr,
	})
	if err != nil {
		return nil, err
	}
	res.PID = proc.PID()
	logger.Debug("traced process started", "pid", res.PID, "argv", opts.Argv)

	notifier, err := proc.Notifier()
	if err != nil {
		return nil, err
	}
	defer notifier.Close()

	ir, iw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("interrupt pipe: %w", err)
	}
	defer ir.Close()
	stopRelay := relaySignals(sigs, proc, iw, logger)

	set := results.NewSet()
	col := collector.New(l, notifier, set)
	col.SetLogger(logger)
	col.SetInterrupt(int(ir.Fd()))
	err = col.Run()
	stopRelay()
	if errors.Is(err, collector.ErrInterrupted) {
		// The root was killed; collect it before giving up.
		notifier.Reap()
	}
	if err != nil {
		return nil, fmt.Errorf("collecting events: %w", err)
	}
	res.Stats = col.Stats()
	res.Paths = set.Len()
	res.FinishedAt = time.Now()
	logger.Debug("traced process tree finished",
		"exit", res.Stats.Exit.String(), "paths", res.Paths)

	if err := writeReport(opts.Output, set, filter, res); err != nil {
		return nil, err
	}

	if opts.Record != "" {
		if err := record(opts.Record, opts.Argv, set, res); err != nil {
			return nil, err
		}
		logger.Debug("run recorded", "db", opts.Record)
	}
	return res, nil
}

// relaySignals handles signals received during collection until the
// returned stop function is called. Closing interrupt aborts collection.
func relaySignals(sigs <-chan os.Signal, proc *launch.Process, interrupt *os.File, logger *slog.Logger) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		received := 0
		for {
			var sig os.Signal
			select {
			case sig = <-sigs:
			case <-done:
				interrupt.Close()
				return
			}
			received++
			if received > 1 {
				logger.Warn("aborting run", "signal", sig.String(), "pid", proc.PID())
				// Interrupt first so the collector cannot mistake the
				// kill for a normal exit.
				interrupt.Close()
				if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
					logger.Warn("killing traced process", "pid", proc.PID(), "error", err)
				}
				return
			}
			if sig == syscall.SIGINT {
				logger.Warn("interrupted, waiting for the traced program to exit; repeat to abort")
				continue
			}
			logger.Warn("forwarding signal", "signal", sig.String(), "pid", proc.PID())
			if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
				logger.Warn("forwarding signal", "pid", proc.PID(), "error", err)
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func writeReport(dest string, set *results.Set, filter results.Filter, res *Result) error {
	out, err := results.OpenOutput(dest)
	if err != nil {
		return err
	}
	n, err := results.Generate(out, set, filter)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing report output: %w", closeErr)
	}
	res.Written = n
	return err
}

func record(path string, argv []string, set *results.Set, res *Result) error {
	s, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer s.Close()

	err = s.RecordRun(store.Run{
		ID:         res.RunID,
		Command:    argv,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		ExitCode:   res.Stats.Exit.Code,
		Signal:     res.Stats.Exit.Signal,
	}, set.Paths())
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}
