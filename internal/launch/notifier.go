package launch

import (
	"fmt"
	"os"
)

// ExitNotifier signals the root process's exit through a descriptor that
// becomes readable once the process has terminated. The descriptor can sit
// in the same readiness wait as the channel sockets, so an exit that
// happens just before the wait is never missed.
type ExitNotifier interface {
	// Fd becomes readable when the process has exited.
	Fd() int
	// Reap collects the exit status. Call it only after Fd is readable;
	// it does not block on a live process.
	Reap() (ExitStatus, error)
	Close() error
}

// Notifier returns the platform's exit notifier for p.
func (p *Process) Notifier() (ExitNotifier, error) {
	return newNotifier(p)
}

// waitNotifier closes a pipe from a goroutine blocked in Wait. It serves
// platforms, and kernels, without process descriptors.
type waitNotifier struct {
	r      *os.File
	fd     int
	done   chan struct{}
	status ExitStatus
	err    error
}

func newWaitNotifier(p *Process) (*waitNotifier, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("exit notification pipe: %w", err)
	}
	n := &waitNotifier{r: r, fd: int(r.Fd()), done: make(chan struct{})}
	go func() {
		n.status, n.err = p.Wait()
		close(n.done)
		w.Close()
	}()
	return n, nil
}

func (n *waitNotifier) Fd() int {
	return n.fd
}

func (n *waitNotifier) Reap() (ExitStatus, error) {
	<-n.done
	return n.status, n.err
}

func (n *waitNotifier) Close() error {
	return n.r.Close()
}
