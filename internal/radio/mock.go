package radio

import (
	"context"
	"sync"
)

// Mock is an in-memory Transceiver. It records transmissions and lets
// callers inject received frames.
type Mock struct {
	mu      sync.Mutex
	sent    []Frame
	handler func(Frame)
	closed  bool

	// TransmitErr, when set, fails every transmission.
	TransmitErr error
	// FailNext fails that many upcoming transmissions with ErrNoAck. Failed
	// frames are recorded in Dropped.
	FailNext int
	dropped  []Frame
}

// NewMock returns an empty mock transceiver.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Transmit(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.TransmitErr != nil {
		return m.TransmitErr
	}
	if m.FailNext > 0 {
		m.FailNext--
		m.dropped = append(m.dropped, f)
		return ErrNoAck
	}
	m.sent = append(m.sent, f)
	return nil
}

// Dropped returns the frames failed through FailNext.
func (m *Mock) Dropped() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.dropped...)
}

// Sent returns a copy of every transmitted frame.
func (m *Mock) Sent() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.sent...)
}

// Reset forgets recorded transmissions.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.dropped = nil
	m.mu.Unlock()
}

// Inject delivers a frame to the registered handler as if received.
func (m *Mock) Inject(f Frame) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(f)
	}
}

func (m *Mock) OnFrame(handler func(Frame)) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

func (m *Mock) Info() Info {
	return Info{Type: "mock"}
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
