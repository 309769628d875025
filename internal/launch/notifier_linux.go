//go:build linux

package launch

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// pidfdNotifier uses a process descriptor, which is readable once the
// process exits.
type pidfdNotifier struct {
	fd   int
	proc *Process
}

func newNotifier(p *Process) (ExitNotifier, error) {
	fd, err := unix.PidfdOpen(p.PID(), 0)
	if err == nil {
		return &pidfdNotifier{fd: fd, proc: p}, nil
	}
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EPERM) {
		slog.Debug("pidfd unavailable, waiting from a goroutine", "error", err)
		return newWaitNotifier(p)
	}
	return nil, fmt.Errorf("pidfd_open %d: %w", p.PID(), err)
}

func (n *pidfdNotifier) Fd() int {
	return n.fd
}

// Reap only runs once the descriptor is readable, so Wait finds a zombie
// and returns at once.
func (n *pidfdNotifier) Reap() (ExitStatus, error) {
	return n.proc.Wait()
}

func (n *pidfdNotifier) Close() error {
	return unix.Close(n.fd)
}
