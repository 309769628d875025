// Package collector multiplexes every channel connection of a traced
// process tree in a single goroutine.
//
// The loop blocks in one poll(2) over the listening socket, the root
// process's exit notifier and every open connection, then services all
// ready sources before blocking again. Exit notification is a descriptor
// in the same wait, so there is no window in which an exit can be missed.
//
// After the root exits the collector keeps draining: queued connections
// are still accepted and open ones are read to end of stream. The run is
// over only when a final accept sweep finds no connection left.
package collector

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/majorcontext/watchit/internal/channel"
	"github.com/majorcontext/watchit/internal/launch"
	"golang.org/x/sys/unix"
)

// ErrInterrupted is returned by Run when the interrupt descriptor becomes
// readable before collection finished.
var ErrInterrupted = errors.New("collection interrupted")

// readBufSize is the per-read buffer shared by all connections.
const readBufSize = 64 * 1024

// Acceptor is the listening side of the channel.
type Acceptor interface {
	Fd() int
	// Accept returns a non-blocking connection or channel.ErrWouldBlock.
	Accept() (int, error)
}

// Notifier reports the root process's exit through a readable descriptor.
type Notifier interface {
	Fd() int
	Reap() (launch.ExitStatus, error)
}

// Sink receives every complete reported line. The slice is only valid for
// the duration of the call.
type Sink interface {
	Insert(p []byte)
}

// State is the collector's lifecycle state.
type State int

const (
	// StateActive accepts, reads and watches for the root's exit.
	StateActive State = iota
	// StateDraining services remaining connections after the root exited.
	StateDraining
	// StateTerminated ends the loop.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats summarizes a collection.
type Stats struct {
	Accepted  int               `json:"accepted"`
	Lines     int               `json:"lines"`
	Truncated int               `json:"truncated"`
	Dropped   int               `json:"dropped"` // unterminated bytes lost at end of stream
	Exit      launch.ExitStatus `json:"exit"`
}

type conn struct {
	fd    int
	lines *channel.LineReader
}

// Collector owns every accepted connection. It is not safe for concurrent
// use; Run must be called once.
type Collector struct {
	listener Acceptor
	notifier  Notifier
	sink      Sink
	logger    *slog.Logger
	interrupt int

	state State
	conns []*conn
	fds   []unix.PollFd
	buf   []byte
	emit  func([]byte)
	stats Stats
}

// New returns a collector in StateActive.
func New(l Acceptor, n Notifier, sink Sink) *Collector {
	c := &Collector{
		listener: l,
		notifier: n,
		sink:     sink,
		logger:    slog.Default(),
		interrupt: -1,
		buf:       make([]byte, readBufSize),
	}
	c.emit = c.insert
	return c
}

// SetLogger replaces the default logger.
func (c *Collector) SetLogger(l *slog.Logger) {
	c.logger = l
}

// SetInterrupt makes Run give up with ErrInterrupted once fd becomes
// readable. Open connections are closed and nothing more is collected.
func (c *Collector) SetInterrupt(fd int) {
	c.interrupt = fd
}

// State returns the current lifecycle state.
func (c *Collector) State() State {
	return c.state
}

// Stats returns collection counters. Valid after Run returns.
func (c *Collector) Stats() Stats {
	return c.stats
}

// Run services the channel until the root process has exited and every
// connection has closed. There is no timeout: a descendant that never
// exits keeps the run alive.
func (c *Collector) Run() error {
	defer c.closeAll()

	for c.state != StateTerminated {
		fds := c.pollSet()
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if err := c.service(fds); err != nil {
			return err
		}
	}

	c.logger.Debug("collection finished",
		"connections", c.stats.Accepted,
		"lines", c.stats.Lines,
		"truncated", c.stats.Truncated,
		"exit", c.stats.Exit.String())
	return nil
}

// pollSet lays out the wait: listener, the notifier while active, the
// interrupt descriptor if set, then one entry per connection in c.conns
// order.
func (c *Collector) pollSet() []unix.PollFd {
	fds := c.fds[:0]
	fds = append(fds, unix.PollFd{Fd: int32(c.listener.Fd()), Events: unix.POLLIN})
	if c.state == StateActive {
		fds = append(fds, unix.PollFd{Fd: int32(c.notifier.Fd()), Events: unix.POLLIN})
	}
	if c.interrupt >= 0 {
		fds = append(fds, unix.PollFd{Fd: int32(c.interrupt), Events: unix.POLLIN})
	}
	for _, cn := range c.conns {
		fds = append(fds, unix.PollFd{Fd: int32(cn.fd), Events: unix.POLLIN})
	}
	c.fds = fds
	return fds
}

func (c *Collector) service(fds []unix.PollFd) error {
	listenerReady := fds[0].Revents != 0
	fds = fds[1:]

	exited := false
	if c.state == StateActive {
		exited = fds[0].Revents != 0
		fds = fds[1:]
	}
	if c.interrupt >= 0 {
		if fds[0].Revents != 0 {
			c.logger.Debug("collection interrupted",
				"state", c.state.String(), "open_connections", len(c.conns))
			return ErrInterrupted
		}
		fds = fds[1:]
	}

	// Existing connections first; fds[i] belongs to c.conns[i].
	open := c.conns[:0]
	for i, cn := range c.conns {
		if fds[i].Revents == 0 || c.read(cn) {
			open = append(open, cn)
			continue
		}
		c.close(cn)
	}
	clear(c.conns[len(open):])
	c.conns = open

	if listenerReady {
		if err := c.acceptAll(); err != nil {
			return err
		}
	}

	if exited {
		status, err := c.notifier.Reap()
		if err != nil {
			return fmt.Errorf("reaping traced process: %w", err)
		}
		c.stats.Exit = status
		c.state = StateDraining
		c.logger.Debug("traced process exited, draining",
			"status", status.String(), "open_connections", len(c.conns))
	}

	if c.state == StateDraining && len(c.conns) == 0 {
		// Connections still queued in the backlog belong to processes
		// that reported before exiting.
		if err := c.acceptAll(); err != nil {
			return err
		}
		if len(c.conns) == 0 {
			c.state = StateTerminated
		}
	}
	return nil
}

func (c *Collector) acceptAll() error {
	for {
		fd, err := c.listener.Accept()
		if errors.Is(err, channel.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
		c.conns = append(c.conns, &conn{fd: fd, lines: channel.NewLineReader(channel.MaxLine)})
		c.stats.Accepted++
		c.logger.Debug("connection accepted", "fd", fd, "state", c.state.String())
	}
}

// read consumes what is available on cn. It returns false once the peer
// has gone: end of stream, or a read error, which best-effort tracing
// treats the same way.
func (c *Collector) read(cn *conn) bool {
	for {
		n, err := unix.Read(cn.fd, c.buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			// Readiness went stale; wait for the next round.
			return true
		case err != nil:
			c.logger.Debug("connection read failed", "fd", cn.fd, "error", err)
			return false
		case n == 0:
			return false
		}

		cn.lines.Feed(c.buf[:n], c.emit)
		if n < len(c.buf) {
			return true
		}
	}
}

func (c *Collector) insert(line []byte) {
	if len(line) == 0 {
		return
	}
	c.stats.Lines++
	c.sink.Insert(line)
}

func (c *Collector) close(cn *conn) {
	if t := cn.lines.Truncated(); t > 0 {
		c.stats.Truncated += t
		c.logger.Warn("dropped overlong lines", "fd", cn.fd, "count", t, "limit", channel.MaxLine)
	}
	if p := cn.lines.Pending(); p > 0 {
		c.stats.Dropped += p
		c.logger.Debug("discarding unterminated message", "fd", cn.fd, "bytes", p)
	}
	unix.Close(cn.fd)
}

func (c *Collector) closeAll() {
	for _, cn := range c.conns {
		c.close(cn)
	}
	c.conns = nil
}
