package radio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"rfblinds-go-home/internal/bits"
	"rfblinds-go-home/internal/codec"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHDLCEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"simple", []byte{0x01, 0x02, 0x03}},
		{"with flag byte", []byte{0x7E, 0x01}},
		{"with escape byte", []byte{0x7D, 0x02}},
		{"mixed special", []byte{0x00, 0x7E, 0x7D, 0xFF}},
		{"empty payload", []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := hdlcEncode(tt.data)
			if encoded[0] != hdlcFlag || encoded[len(encoded)-1] != hdlcFlag {
				t.Errorf("missing flags: %X", encoded)
			}
			if bytes.IndexByte(encoded[1:len(encoded)-1], hdlcFlag) >= 0 {
				t.Errorf("unescaped flag in body: %X", encoded)
			}

			decoded, err := hdlcDecode(encoded[1 : len(encoded)-1])
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if !bytes.Equal(decoded, tt.data) {
				t.Errorf("round trip failed: got %X, want %X", decoded, tt.data)
			}
		})
	}
}

func TestHDLCDecodeBadFCS(t *testing.T) {
	encoded := hdlcEncode([]byte{0x01, 0x02})
	inner := encoded[1 : len(encoded)-1]
	inner[0] ^= 0xFF
	if _, err := hdlcDecode(inner); !errors.Is(err, errFCS) {
		t.Errorf("expected FCS error, got %v", err)
	}
}

func TestFCS16CheckValue(t *testing.T) {
	// CRC-16/X.25 check value for "123456789".
	if got := fcs16([]byte("123456789")); got != 0x906E {
		t.Errorf("fcs16 = 0x%04X, want 0x906E", got)
	}
}

func TestReadRawFrameSkipsFlags(t *testing.T) {
	stream := append([]byte{hdlcFlag, hdlcFlag}, hdlcEncode([]byte{0x42})...)
	r := bufio.NewReader(bytes.NewReader(stream))
	body, err := readRawFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := hdlcDecode(body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, []byte{0x42}) {
		t.Errorf("got %X", payload)
	}
}

func TestPackBitsRoundTrip(t *testing.T) {
	b, _ := bits.Parse("101100111")
	packed := packBits(b)
	if !bytes.Equal(packed, []byte{0xB3, 0x80}) {
		t.Errorf("packed = %X", packed)
	}
	if got := unpackBits(packed, len(b)); !got.Equal(b) {
		t.Errorf("unpacked = %s", got)
	}
}

func TestEncodeTxRequest(t *testing.T) {
	b, _ := bits.Parse("11110000")
	msg, err := encodeTxRequest(9, Frame{Protocol: codec.ProtocolBofu, Bits: b, Repeat: 10})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{msgTxRequest, 9, protoBofu, 10, 8, 0xF0}
	if !bytes.Equal(msg, want) {
		t.Errorf("got %X, want %X", msg, want)
	}
	if _, err := encodeTxRequest(1, Frame{}); err == nil {
		t.Error("expected error for empty frame")
	}
}

// fakeStick answers on the far end of a pipe like the firmware does.
type fakeStick struct {
	conn    net.Conn
	reader  *bufio.Reader
	status  uint8
	silent  bool
	version string
	got     chan []byte
}

func newFakeStick(conn net.Conn) *fakeStick {
	return &fakeStick{conn: conn, reader: bufio.NewReader(conn), version: "rf433-1.2.0", got: make(chan []byte, 16)}
}

func (f *fakeStick) serve() {
	for {
		body, err := readRawFrame(f.reader)
		if err != nil {
			return
		}
		msg, err := hdlcDecode(body)
		if err != nil {
			continue
		}
		f.got <- msg
		if f.silent {
			continue
		}
		switch msg[0] {
		case msgTxRequest:
			f.conn.Write(hdlcEncode([]byte{msgTxAck, msg[1], f.status}))
		case msgVersionReq:
			f.conn.Write(hdlcEncode(append([]byte{msgVersionResp, msg[1], statusOK}, f.version...)))
		}
	}
}

func (f *fakeStick) indicate(p uint8, b bits.Bits) {
	msg := []byte{msgRxInd, 0, p, 0xC4, byte(len(b))}
	f.conn.Write(hdlcEncode(append(msg, packBits(b)...)))
}

func newPipeSerial(t *testing.T) (*Serial, *fakeStick) {
	t.Helper()
	host, dev := net.Pipe()
	stick := newFakeStick(dev)
	go stick.serve()
	s := newSerial(host, "pipe", newTestLogger())
	t.Cleanup(func() {
		s.Close()
		dev.Close()
	})
	return s, stick
}

func TestSerialInit(t *testing.T) {
	s, _ := newPipeSerial(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	info := s.Info()
	if info.Firmware != "rf433-1.2.0" || info.Type != "serial" {
		t.Errorf("info = %+v", info)
	}
}

func TestSerialTransmit(t *testing.T) {
	s, stick := newPipeSerial(t)
	b, _ := bits.Parse("1010101")
	if err := s.Transmit(context.Background(), Frame{Protocol: codec.ProtocolBrel, Bits: b, Repeat: 45}); err != nil {
		t.Fatal(err)
	}
	msg := <-stick.got
	if msg[0] != msgTxRequest || msg[2] != protoBrel || msg[3] != 45 || msg[4] != 7 {
		t.Errorf("request = %X", msg)
	}
}

func TestSerialTransmitRejected(t *testing.T) {
	s, stick := newPipeSerial(t)
	stick.status = statusProtocol
	b, _ := bits.Parse("1")
	err := s.Transmit(context.Background(), Frame{Bits: b})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSerialTransmitAckTimeout(t *testing.T) {
	s, stick := newPipeSerial(t)
	stick.silent = true
	s.ackTimeout = 20 * time.Millisecond
	b, _ := bits.Parse("1")
	err := s.Transmit(context.Background(), Frame{Bits: b})
	if err == nil {
		t.Fatal("expected timeout")
	}
	// First attempt plus retries.
	if n := len(stick.got); n != maxRetries+1 {
		t.Errorf("attempts = %d, want %d", n, maxRetries+1)
	}
}

func TestSerialSingleShotNotResent(t *testing.T) {
	s, stick := newPipeSerial(t)
	stick.silent = true
	s.ackTimeout = 20 * time.Millisecond
	b, _ := bits.Parse("1010")
	err := s.Transmit(context.Background(), Frame{Protocol: codec.ProtocolSomfy, Bits: b, SingleShot: true})
	if !errors.Is(err, ErrNoAck) {
		t.Fatalf("got %v, want ErrNoAck", err)
	}
	select {
	case <-stick.got:
	case <-time.After(time.Second):
		t.Fatal("frame never reached the stick")
	}
	select {
	case msg := <-stick.got:
		t.Errorf("single-shot frame resent: %X", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSerialBusyRetried(t *testing.T) {
	s, stick := newPipeSerial(t)
	stick.status = statusBusy
	b, _ := bits.Parse("1")
	err := s.Transmit(context.Background(), Frame{Protocol: codec.ProtocolBofu, Bits: b})
	if !errors.Is(err, ErrNoAck) {
		t.Fatalf("got %v, want ErrNoAck", err)
	}
	for i := 0; i <= maxRetries; i++ {
		select {
		case <-stick.got:
		case <-time.After(time.Second):
			t.Fatalf("attempt %d missing", i+1)
		}
	}
}

func TestSerialReceive(t *testing.T) {
	s, stick := newPipeSerial(t)
	got := make(chan Frame, 1)
	s.OnFrame(func(f Frame) { got <- f })

	b, _ := bits.Parse("0000000000000001110000000000000111111100")
	go stick.indicate(protoBofu, b)

	select {
	case f := <-got:
		if f.Protocol != codec.ProtocolBofu || !f.Bits.Equal(b) || f.RSSI != int8(-60) {
			t.Errorf("frame = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestSerialClosed(t *testing.T) {
	s, _ := newPipeSerial(t)
	s.Close()
	b, _ := bits.Parse("1")
	if err := s.Transmit(context.Background(), Frame{Bits: b}); err == nil {
		t.Error("expected error after close")
	}
}

func TestMock(t *testing.T) {
	m := NewMock()
	var received []Frame
	m.OnFrame(func(f Frame) { received = append(received, f) })

	b, _ := bits.Parse("11")
	if err := m.Transmit(context.Background(), Frame{Bits: b}); err != nil {
		t.Fatal(err)
	}
	m.Inject(Frame{Bits: b})
	if len(m.Sent()) != 1 || len(received) != 1 {
		t.Errorf("sent %d, received %d", len(m.Sent()), len(received))
	}

	m.FailNext = 1
	if err := m.Transmit(context.Background(), Frame{Bits: b}); !errors.Is(err, ErrNoAck) {
		t.Errorf("FailNext: got %v", err)
	}
	if len(m.Dropped()) != 1 || len(m.Sent()) != 1 {
		t.Errorf("dropped %d, sent %d", len(m.Dropped()), len(m.Sent()))
	}

	m.TransmitErr = io.ErrClosedPipe
	if err := m.Transmit(context.Background(), Frame{Bits: b}); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("got %v", err)
	}
}
