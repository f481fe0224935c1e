// Package proctest provides scripted in-memory transports for testing code
// that talks to external programs.
package proctest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/swgillespie/apollo/tourney/pkg/proc"
)

// Transport is a fake program. Lines queued with Respond are returned by Recv
// in order; once the queue is empty Recv reports io.EOF, or blocks until the
// timeout or context expires when Hang is set. Server, if set, is called for
// every line sent and may queue responses.
type Transport struct {
	Server func(t *Transport, msg string) error
	Hang   bool

	mu        sync.Mutex
	responses []string
	sent      []string
	closes    int
}

// New returns a transport that will answer with the given lines.
func New(responses ...string) *Transport {
	return &Transport{responses: responses}
}

func (t *Transport) Send(msg string) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	server := t.Server
	t.mu.Unlock()

	if server != nil {
		return server(t, msg)
	}
	return nil
}

func (t *Transport) Recv(ctx context.Context, timeout time.Duration) (string, error) {
	t.mu.Lock()
	if len(t.responses) > 0 {
		first := t.responses[0]
		t.responses = t.responses[1:]
		t.mu.Unlock()
		return first, nil
	}
	hang := t.Hang
	t.mu.Unlock()

	if !hang {
		return "", io.EOF
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-expired:
		return "", proc.ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Respond queues a line to be returned by Recv.
func (t *Transport) Respond(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, msg)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

// Sent returns every line written to the transport.
func (t *Transport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

// Closes returns how many times Close was called.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}
