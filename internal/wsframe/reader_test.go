package wsframe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/gobwas/ws"
)

var testMask = [4]byte{0x37, 0xfa, 0x21, 0x3d}

// clientFrame builds a masked client frame the way a browser would.
func clientFrame(fin bool, op ws.OpCode, payload []byte) []byte {
	var b bytes.Buffer
	b0 := byte(op)
	if fin {
		b0 |= 0x80
	}
	b.WriteByte(b0)
	switch {
	case len(payload) <= 125:
		b.WriteByte(0x80 | byte(len(payload)))
	default:
		b.WriteByte(0x80 | 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(len(payload)))
		b.Write(ext[:])
	}
	b.Write(testMask[:])
	masked := append([]byte(nil), payload...)
	for i := range masked {
		masked[i] ^= testMask[i%4]
	}
	b.Write(masked)
	return b.Bytes()
}

func seq(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

func TestReadMaskedBinaryMessage(t *testing.T) {
	r := NewReader(bytes.NewReader(clientFrame(true, ws.OpBinary, []byte{1, 2, 3})))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Kind != Message || ev.OpCode != ws.OpBinary {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !bytes.Equal(ev.Payload, []byte{1, 2, 3}) {
		t.Fatalf("payload = %x", ev.Payload)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at frame boundary, got %v", err)
	}
}

func TestReadPayloadBoundaries(t *testing.T) {
	for _, n := range []int{0, 1, 125, 126, 127, 1000, MaxMessage} {
		payload := seq(n)
		r := NewReader(bytes.NewReader(clientFrame(true, ws.OpBinary, payload)))
		ev, err := r.Next()
		if err != nil {
			t.Fatalf("len %d: Next: %v", n, err)
		}
		if ev.Payload == nil || !bytes.Equal(ev.Payload, payload) {
			t.Fatalf("len %d: payload mismatch (got %d bytes)", n, len(ev.Payload))
		}
	}
}

func TestRead64BitLengthRejectedEarly(t *testing.T) {
	// Only the first two header bytes are available: the decoder must not
	// wait for the extended length before rejecting the frame.
	r := NewReader(bytes.NewReader([]byte{0x82, 0xff}))
	if _, err := r.Next(); !errors.Is(err, ErrOversized) {
		t.Fatalf("expected ErrOversized, got %v", err)
	}
}

func TestReadFragmentedMessage(t *testing.T) {
	var in []byte
	in = append(in, clientFrame(false, ws.OpBinary, []byte("AB"))...)
	in = append(in, clientFrame(true, ws.OpContinuation, []byte("CD"))...)
	r := NewReader(bytes.NewReader(in))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(ev.Payload) != "ABCD" || ev.OpCode != ws.OpBinary {
		t.Fatalf("unexpected event %+v", ev)
	}
	if r.Pending() != 0 || r.SavedOpCode() != 0 {
		t.Fatalf("assembly state not cleared: pending=%d saved=%v", r.Pending(), r.SavedOpCode())
	}
}

func TestReadPingInterleavedWithFragments(t *testing.T) {
	var in []byte
	in = append(in, clientFrame(false, ws.OpText, []byte("AB"))...)
	in = append(in, clientFrame(true, ws.OpPing, []byte("hi"))...)
	in = append(in, clientFrame(true, ws.OpContinuation, []byte("CD"))...)
	in = append(in, clientFrame(true, ws.OpPong, nil)...)
	r := NewReader(bytes.NewReader(in))

	ev, err := r.Next()
	if err != nil || ev.Kind != Ping || string(ev.Payload) != "hi" {
		t.Fatalf("expected ping hi, got %+v, %v", ev, err)
	}
	if r.SavedOpCode() != ws.OpText || r.Pending() != 2 {
		t.Fatalf("message under assembly lost: saved=%v pending=%d", r.SavedOpCode(), r.Pending())
	}
	ev, err = r.Next()
	if err != nil || ev.Kind != Message || string(ev.Payload) != "ABCD" || ev.OpCode != ws.OpText {
		t.Fatalf("expected message ABCD, got %+v, %v", ev, err)
	}
	ev, err = r.Next()
	if err != nil || ev.Kind != Pong {
		t.Fatalf("expected pong, got %+v, %v", ev, err)
	}
}

func TestReadEmptyMessage(t *testing.T) {
	r := NewReader(bytes.NewReader(clientFrame(true, ws.OpBinary, nil)))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Kind != Message || ev.Payload == nil || len(ev.Payload) != 0 {
		t.Fatalf("expected empty non-nil payload, got %+v", ev)
	}
}

func TestReadUnmaskedFrame(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x82, 0x02, 'o', 'k'}))
	ev, err := r.Next()
	if err != nil || string(ev.Payload) != "ok" {
		t.Fatalf("expected ok, got %+v, %v", ev, err)
	}
}

func TestReadOneByteAtATime(t *testing.T) {
	a, b := seq(300), seq(90)
	var in []byte
	in = append(in, clientFrame(false, ws.OpBinary, a)...)
	in = append(in, clientFrame(true, ws.OpContinuation, b)...)
	r := NewReader(iotest.OneByteReader(bytes.NewReader(in)))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := append(append([]byte(nil), a...), b...)
	if !bytes.Equal(ev.Payload, want) {
		t.Fatalf("payload mismatch: got %d bytes", len(ev.Payload))
	}
}

func TestReadDataErrReader(t *testing.T) {
	// The final Read returns data together with io.EOF.
	r := NewReader(iotest.DataErrReader(bytes.NewReader(clientFrame(true, ws.OpBinary, []byte("xyz")))))
	ev, err := r.Next()
	if err != nil || string(ev.Payload) != "xyz" {
		t.Fatalf("expected xyz, got %+v, %v", ev, err)
	}
}

func TestReadCloseFrame(t *testing.T) {
	r := NewReader(bytes.NewReader(clientFrame(true, ws.OpClose, []byte{0x03, 0xe8})))
	if _, err := r.Next(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReadProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"reserved data opcode", clientFrame(true, 0x3, []byte("x")), ErrReservedOpcode},
		{"reserved control opcode", clientFrame(true, 0xB, nil), ErrReservedOpcode},
		{"rsv1", append([]byte{0xC2}, clientFrame(true, ws.OpBinary, []byte("x"))[1:]...), ErrReservedBits},
		{"fragmented ping", clientFrame(false, ws.OpPing, []byte("x")), ErrFragmentedControl},
		{"large ping", clientFrame(true, ws.OpPing, seq(126)), ErrControlTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.in)).Next()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("%v should wrap ErrProtocol", err)
			}
		})
	}
}

func TestReadMessageTooLarge(t *testing.T) {
	var in []byte
	in = append(in, clientFrame(false, ws.OpBinary, seq(MaxMessage))...)
	in = append(in, clientFrame(true, ws.OpContinuation, []byte{1})...)
	r := NewReader(bytes.NewReader(in))
	if _, err := r.Next(); !errors.Is(err, ErrOversized) {
		t.Fatalf("expected ErrOversized, got %v", err)
	}
}

func TestReadTruncated(t *testing.T) {
	full := clientFrame(true, ws.OpBinary, []byte("hello"))
	for _, cut := range []int{1, 4, 7, len(full) - 1} {
		_, err := NewReader(bytes.NewReader(full[:cut])).Next()
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("cut at %d: expected ErrUnexpectedEOF, got %v", cut, err)
		}
	}
}

func TestHeaderSize(t *testing.T) {
	tests := []struct {
		b0, b1 byte
		want   int
	}{
		{0x82, 0x05, 2},
		{0x82, 0x85, 6},
		{0x82, 0x7e, 4},
		{0x82, 0xfe, 8},
		{0x02, 0xfd, 6},
		{0x89, 0x80, 6},
	}
	for _, tt := range tests {
		got, err := headerSize(tt.b0, tt.b1)
		if err != nil || got != tt.want {
			t.Errorf("headerSize(%#x, %#x) = %d, %v; want %d", tt.b0, tt.b1, got, err, tt.want)
		}
	}
	if _, err := headerSize(0x82, 0xff); !errors.Is(err, ErrOversized) {
		t.Errorf("127 length: expected ErrOversized, got %v", err)
	}
}
