// Package launch starts the traced program with the interception module
// preloaded and reports when it exits.
package launch

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/majorcontext/watchit/internal/channel"
	"golang.org/x/sys/unix"
)

var (
	// ErrNoCommand is returned when Spec has no argv.
	ErrNoCommand = errors.New("no command to trace")

	// ErrPreloadUnreadable is returned when the interception module cannot
	// be read. The run aborts before any process is created.
	ErrPreloadUnreadable = errors.New("unable to read preload library")
)

// Spec describes the traced root process.
type Spec struct {
	Argv    []string // command and arguments; argv[0] is resolved via PATH
	Preload string   // interception module path
	Socket  string   // channel address
	Dir     string   // working directory; empty means the supervisor's
	Env     []string // base environment; nil means os.Environ()

	// Standard streams are files so that no copying goroutines sit between
	// the child and the supervisor; reaping then never waits on a pipe
	// held open by descendants. Nil means the supervisor's own stream.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// ExitStatus is how the traced root process terminated.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal: " + s.Signal
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Process is a started traced root process.
type Process struct {
	cmd *exec.Cmd
}

// CheckPreload verifies the interception module is readable.
func CheckPreload(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no path configured", ErrPreloadUnreadable)
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return fmt.Errorf("%w %s: %w", ErrPreloadUnreadable, path, err)
	}
	return nil
}

// Start spawns the traced program with the interception module and the
// channel address added to its environment.
func Start(spec Spec) (*Process, error) {
	if len(spec.Argv) == 0 {
		return nil, ErrNoCommand
	}

	env := spec.Env
	if env == nil {
		env = os.Environ()
	}
	env = SetEnv(env, channel.EnvPreload, spec.Preload)
	env = SetEnv(env, channel.EnvSocket, spec.Socket)
	// A value inherited from an enclosing trace names a connection to a
	// different supervisor.
	env = UnsetEnv(env, channel.EnvSocketFD)

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = env
	cmd.Dir = spec.Dir
	cmd.Stdin = orDefault(spec.Stdin, os.Stdin)
	cmd.Stdout = orDefault(spec.Stdout, os.Stdout)
	cmd.Stderr = orDefault(spec.Stderr, os.Stderr)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Argv[0], err)
	}
	return &Process{cmd: cmd}, nil
}

func orDefault(f, def *os.File) *os.File {
	if f != nil {
		return f
	}
	return def
}

// PID returns the root process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Signal sends sig to the root process. A process that has already been
// reaped yields os.ErrProcessDone.
func (p *Process) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Wait blocks until the process exits and reaps it. A non-zero exit is
// not an error; it is reported in ExitStatus.
func (p *Process) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return ExitStatus{}, fmt.Errorf("waiting for pid %d: %w", p.PID(), err)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return statusOf(state), fmt.Errorf("waiting for pid %d: %w", p.PID(), err)
	}
	return statusOf(state), nil
}

func statusOf(state *os.ProcessState) ExitStatus {
	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}

// UnsetEnv returns env without any entry for key.
func UnsetEnv(env []string, key string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return out
}

// SetEnv returns env with key set to value. An existing entry is replaced
// in place and any duplicates of it are dropped.
func SetEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	replaced := false
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
			continue
		}
		if !replaced {
			out = append(out, prefix+value)
			replaced = true
		}
	}
	if !replaced {
		out = append(out, prefix+value)
	}
	return out
}
