package channel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listener is the supervisor's listening endpoint. It owns the address on
// the filesystem and removes it on Close.
type Listener struct {
	fd   int
	addr string

	closeOnce sync.Once
	closeErr  error
}

// Listen binds a non-blocking stream socket at addr. A stale file left at
// addr by a crashed run is removed first.
func Listen(addr string) (*Listener, error) {
	if err := os.Remove(addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing stale channel %s: %w", addr, err)
	}

	fd, err := socket()
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: addr}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		unix.Close(fd)
		os.Remove(addr)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return &Listener{fd: fd, addr: addr}, nil
}

// socket creates the listening socket. ForkLock keeps a concurrent
// fork/exec from inheriting the fd before close-on-exec is set.
func socket() (int, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Fd returns the listening socket descriptor for readiness polling.
func (l *Listener) Fd() int {
	return l.fd
}

// Addr returns the filesystem address the listener is bound to.
func (l *Listener) Addr() string {
	return l.addr
}

// Accept returns one pending connection as a non-blocking descriptor, or
// ErrWouldBlock when the queue is empty. A peer that vanished between
// readiness and Accept is reported as ErrWouldBlock as well.
func (l *Listener) Accept() (int, error) {
	for {
		fd, err := l.accept()
		switch {
		case err == nil:
			return fd, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.ECONNABORTED):
			return -1, ErrWouldBlock
		default:
			return -1, fmt.Errorf("accept on %s: %w", l.addr, err)
		}
	}
}

func (l *Listener) accept() (int, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	fd, _, err := unix.Accept(l.fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Close closes the socket and removes the address. It is safe to call more
// than once; only the first call does any work.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		err := unix.Close(l.fd)
		if rmErr := os.Remove(l.addr); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
			err = rmErr
		}
		l.closeErr = err
	})
	return l.closeErr
}
