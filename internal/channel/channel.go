// Package channel implements the private channel between traced processes
// and the supervisor.
//
// The channel is a Unix stream socket bound to a filesystem path. Every
// message is one path followed by a single newline byte. There is no length
// prefix, no acknowledgement and no escaping; a path containing a newline
// corrupts framing.
package channel

import (
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	// EnvSocket carries the channel address into traced processes.
	EnvSocket = "WATCHIT_SOCK_PATH"

	// EnvSocketFD names a process's open channel connection so an exec'd
	// image can reuse it. The interception module sets it.
	EnvSocketFD = "WATCHIT_SOCK_FD"

	// EnvPreload forces the interception module into new process images.
	EnvPreload = "LD_PRELOAD"

	// DefaultStem is the channel address stem. A dot and the supervisor's
	// pid are appended to make the address unique per run.
	DefaultStem = "/tmp/wi-sock"

	// ListenBacklog is the pending connection queue length.
	ListenBacklog = 10

	// MaxLine is the longest line, excluding the newline, a receiver buffers.
	MaxLine = unix.PathMax
)

var (
	// ErrAddressTooLong is returned when an address does not fit sun_path.
	ErrAddressTooLong = errors.New("channel address too long")

	// ErrWouldBlock is returned by Accept when no connection is pending.
	ErrWouldBlock = errors.New("no pending connection")
)

// maxAddrLen leaves room for the terminating NUL of sun_path.
var maxAddrLen = len(unix.RawSockaddrUnix{}.Path) - 1

// Address builds the run-unique channel address for stem and pid.
func Address(stem string, pid int) (string, error) {
	if stem == "" {
		stem = DefaultStem
	}
	addr := stem + "." + strconv.Itoa(pid)
	if len(addr) > maxAddrLen {
		return "", fmt.Errorf("%w: %q is %d bytes, limit is %d", ErrAddressTooLong, addr, len(addr), maxAddrLen)
	}
	return addr, nil
}

// Encode frames path as a single channel message.
func Encode(path string) []byte {
	b := make([]byte, 0, len(path)+1)
	b = append(b, path...)
	return append(b, '\n')
}
