// Package channeltest provides a Go sending side of the channel for tests
// that stand in for traced programs.
package channeltest

import (
	"fmt"
	"net"
	"sync"

	"github.com/majorcontext/watchit/internal/channel"
)

// Reporter writes whole messages to one channel connection. It is safe
// for concurrent use, like the interception module's shared connection.
type Reporter struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects a Reporter to the channel at addr.
func Dial(addr string) (*Reporter, error) {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("dial channel %s: %w", addr, err)
	}
	return &Reporter{conn: conn}, nil
}

// Report sends path as a single message.
func (r *Reporter) Report(path string) error {
	msg := channel.Encode(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.conn.Write(msg)
	return err
}

// Close closes the connection, which the supervisor sees as end of stream.
func (r *Reporter) Close() error {
	return r.conn.Close()
}
