// ABOUTME: In-memory agent.Socket for tests of the registry, relay and gateway.
// ABOUTME: Lets a test play the agent side: send frames, hang up, stall or fail writes.

package agenttest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/2389/ferry-gateway/internal/agent"
	"github.com/2389/ferry-gateway/internal/packet"
)

type frame struct {
	text   string
	binary bool
}

// Socket is a scripted agent transport.
type Socket struct {
	inbox    chan frame
	hangup   chan struct{}
	hangOnce sync.Once
	written  chan string

	mu          sync.Mutex
	writeErr    error
	block       chan struct{}
	closed      bool
	closeReason string
}

// NewSocket returns a socket with no pending frames.
func NewSocket() *Socket {
	return &Socket{
		inbox:   make(chan frame, 64),
		hangup:  make(chan struct{}),
		written: make(chan string, 256),
	}
}

// Send queues a text frame as if the agent had written it.
func (s *Socket) Send(text string) {
	s.inbox <- frame{text: text}
}

// SendBinary queues a binary frame.
func (s *Socket) SendBinary(data []byte) {
	s.inbox <- frame{text: string(data), binary: true}
}

// Hangup makes every subsequent Read return io.EOF.
func (s *Socket) Hangup() {
	s.hangOnce.Do(func() { close(s.hangup) })
}

// FailWrites makes every subsequent Write return err.
func (s *Socket) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// BlockWrites stalls writes until the returned func is called.
func (s *Socket) BlockWrites() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.block = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Closed reports whether Close was called, and with what reason.
func (s *Socket) Closed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeReason
}

// NextWrite waits for the next frame the gateway wrote.
func (s *Socket) NextWrite(timeout time.Duration) (string, bool) {
	select {
	case f := <-s.written:
		return f, true
	case <-time.After(timeout):
		return "", false
	}
}

// Pending returns how many written frames have not been consumed.
func (s *Socket) Pending() int {
	return len(s.written)
}

func (s *Socket) Read(ctx context.Context) (string, error) {
	select {
	case f := <-s.inbox:
		if f.binary {
			return "", agent.ErrBinaryFrame
		}
		return f.text, nil
	case <-s.hangup:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Socket) Write(ctx context.Context, text string) error {
	s.mu.Lock()
	block, err := s.block, s.writeErr
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	select {
	case s.written <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Socket) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeReason = reason
	return nil
}

// Connect accepts a new socket on mgr and identifies it as name in scope,
// waiting until the registry reflects both.
func Connect(t testing.TB, mgr *agent.Manager, name, scope string) (*agent.Connection, *Socket) {
	t.Helper()

	sock := NewSocket()
	conn := mgr.Accept(sock)

	if name != "" {
		b, err := packet.EncodeSetName(name)
		if err != nil {
			t.Fatalf("encode set name: %v", err)
		}
		sock.Send(string(b))
	}
	if scope != "" {
		b, err := packet.EncodeSetServer(scope)
		if err != nil {
			t.Fatalf("encode set server: %v", err)
		}
		sock.Send(string(b))
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.Name() != name || conn.Scope() != scope {
		if time.Now().After(deadline) {
			t.Fatalf("connection %s never identified as %q in %q", conn.ID, name, scope)
		}
		time.Sleep(time.Millisecond)
	}
	return conn, sock
}
