package radio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	ackTimeout     = 2 * time.Second
	maxRetries     = 2
	versionTimeout = 3 * time.Second
)

// ErrClosed is returned by operations on a closed transceiver.
var ErrClosed = errors.New("radio closed")

// Serial implements Transceiver over a USB serial 433 MHz stick.
type Serial struct {
	port     io.ReadWriteCloser
	portName string
	reader   *bufio.Reader
	logger   *slog.Logger

	// Transmit waits for its ack (or version response) keyed by sequence.
	seq       atomic.Uint32
	pending   map[uint8]chan []byte
	pendingMu sync.Mutex
	writeMu   sync.Mutex
	// One transmission at a time; the firmware has a single TX buffer.
	txMu sync.Mutex

	ackTimeout time.Duration

	handlerMu sync.RWMutex
	onFrame   func(Frame)

	infoMu   sync.RWMutex
	firmware string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerial opens the stick on portName and starts the read loop.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("radio: open %s: %w", portName, err)
	}
	// USB CDC ACM: assert DTR/RTS for the firmware.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return newSerial(port, portName, logger), nil
}

func newSerial(port io.ReadWriteCloser, portName string, logger *slog.Logger) *Serial {
	s := &Serial{
		port:       port,
		portName:   portName,
		reader:     bufio.NewReader(port),
		logger:     logger.With("component", "radio"),
		pending:    make(map[uint8]chan []byte),
		ackTimeout: ackTimeout,
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

func (s *Serial) nextSeq() uint8 {
	return uint8(s.seq.Add(1))
}

// Init queries the firmware version.
func (s *Serial) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	seq := s.nextSeq()
	resp, err := s.request(ctx, seq, []byte{msgVersionReq, seq})
	if err != nil {
		return fmt.Errorf("radio: version: %w", err)
	}
	if len(resp) < 3 || resp[2] != statusOK {
		return fmt.Errorf("radio: version request rejected")
	}
	version := strings.TrimRight(string(resp[3:]), "\x00")

	s.infoMu.Lock()
	s.firmware = version
	s.infoMu.Unlock()
	s.logger.Info("transceiver ready", "port", s.portName, "firmware", version)
	return nil
}

// Transmit sends a frame and waits for the firmware to acknowledge it.
// Busy and timed-out transmissions are retried unless the frame is
// SingleShot; those fail with ErrNoAck after one attempt.
func (s *Serial) Transmit(ctx context.Context, f Frame) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	attempts := maxRetries + 1
	if f.SingleShot {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		seq := s.nextSeq()
		msg, err := encodeTxRequest(seq, f)
		if err != nil {
			return err
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.ackTimeout)
		resp, err := s.request(reqCtx, seq, msg)
		cancel()

		switch {
		case err == nil && len(resp) >= 3 && resp[2] == statusOK:
			s.logger.Debug("radio TX", "protocol", f.Protocol, "bits", len(f.Bits), "repeat", f.Repeat, "seq", seq)
			return nil
		case err == nil && len(resp) >= 3 && resp[2] == statusBusy:
			lastErr = fmt.Errorf("%w: %s", ErrNoAck, statusName(resp[2]))
		case err == nil:
			status := "short ack"
			if len(resp) >= 3 {
				status = statusName(resp[2])
			}
			return fmt.Errorf("radio: transmit rejected: %s", status)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			lastErr = fmt.Errorf("%w: ack timeout", ErrNoAck)
		default:
			return err
		}
		if attempt+1 < attempts {
			s.logger.Warn("radio TX retry", "attempt", attempt+1, "err", lastErr)
		}
	}
	return fmt.Errorf("%w (%d attempts)", lastErr, attempts)
}

// request writes a message and waits for the reply carrying seq.
func (s *Serial) request(ctx context.Context, seq uint8, msg []byte) ([]byte, error) {
	ch := make(chan []byte, 1)
	s.pendingMu.Lock()
	s.pending[seq] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, seq)
		s.pendingMu.Unlock()
	}()

	if err := s.write(msg); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *Serial) write(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(hdlcEncode(msg)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (s *Serial) readLoop() {
	defer s.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-s.done:
			return
		default:
		}

		body, err := readRawFrame(s.reader)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				s.logger.Error("radio read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		msg, err := hdlcDecode(body)
		if err != nil {
			s.logger.Warn("radio frame dropped", "err", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Serial) dispatch(msg []byte) {
	if len(msg) < 2 {
		return
	}
	switch msg[0] {
	case msgTxAck, msgVersionResp:
		s.pendingMu.Lock()
		ch, ok := s.pending[msg[1]]
		s.pendingMu.Unlock()
		if !ok {
			s.logger.Debug("radio orphaned reply", "type", msg[0], "seq", msg[1])
			return
		}
		select {
		case ch <- msg:
		default:
		}
	case msgRxInd:
		f, err := decodeRxInd(msg)
		if err != nil {
			s.logger.Warn("radio rx indication", "err", err)
			return
		}
		s.handlerMu.RLock()
		h := s.onFrame
		s.handlerMu.RUnlock()
		if h != nil {
			h(f)
		}
	default:
		s.logger.Debug("radio unknown message", "type", msg[0])
	}
}

func (s *Serial) OnFrame(handler func(Frame)) {
	s.handlerMu.Lock()
	s.onFrame = handler
	s.handlerMu.Unlock()
}

func (s *Serial) Info() Info {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return Info{Type: "serial", Port: s.portName, Firmware: s.firmware}
}

// Close stops the read loop and closes the port.
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.port.Close()
	})
	s.wg.Wait()
	return err
}
