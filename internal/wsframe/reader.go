// Package wsframe reads client WebSocket frames and writes server frames for
// the bridge. Inbound messages are reassembled into opaque byte blobs;
// outbound messages are emitted as binary frames of at most 125 bytes.
package wsframe

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/gobwas/ws"
)

const (
	// MaxMessage is the largest reassembled message the bridge accepts; it is
	// bounded by the 16-bit backend length prefix.
	MaxMessage = 0xffff

	// MaxChunk is the largest payload carried by a server frame.
	MaxChunk = 125

	maxHeader   = 14
	scratchSize = 128
)

// Kind classifies what Reader.Next produced.
type Kind int

const (
	// Message is a complete, reassembled data message.
	Message Kind = iota + 1
	// Ping is a ping control frame; the caller owes a pong.
	Ping
	// Pong is an unsolicited or answering pong; the bridge ignores it.
	Pong
)

func (k Kind) String() string {
	switch k {
	case Message:
		return "message"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the session.
type Event struct {
	Kind Kind
	// OpCode is the data opcode that opened the message. It is informational
	// only: text and binary messages are forwarded alike.
	OpCode  ws.OpCode
	Payload []byte
}

// Reader decodes client frames from a byte stream. The header is staged into
// a fixed buffer so a frame can arrive in arbitrarily small pieces.
type Reader struct {
	src io.Reader

	hdr         [maxHeader]byte
	hdrLen      int
	payloadRead int
	scratch     [scratchSize]byte

	frame   []byte
	msg     []byte
	savedOp ws.OpCode
}

// NewReader returns a Reader consuming src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Next blocks until a complete message, ping or pong is available. A close
// frame yields ErrClosed. Any error is terminal for the connection.
func (r *Reader) Next() (Event, error) {
	for {
		ev, ok, err := r.readFrame()
		if err != nil {
			return Event{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

// SavedOpCode returns the data opcode of the message under assembly, or 0.
func (r *Reader) SavedOpCode() ws.OpCode {
	return r.savedOp
}

// Pending returns the number of bytes accumulated for the message under
// assembly.
func (r *Reader) Pending() int {
	return len(r.msg)
}

func (r *Reader) readFrame() (Event, bool, error) {
	if err := r.fill(2); err != nil {
		return Event{}, false, err
	}
	full, err := headerSize(r.hdr[0], r.hdr[1])
	if err != nil {
		return Event{}, false, err
	}
	if err := r.fill(full); err != nil {
		return Event{}, false, err
	}

	fin := r.hdr[0]&0x80 != 0
	op := ws.OpCode(r.hdr[0] & 0x0f)
	masked := r.hdr[1]&0x80 != 0
	length := int(r.hdr[1] & 0x7f)
	if length == 126 {
		length = int(binary.BigEndian.Uint16(r.hdr[2:4]))
	}
	if isData(op) && len(r.msg)+length > MaxMessage {
		return Event{}, false, ErrOversized
	}
	var mask [4]byte
	if masked {
		copy(mask[:], r.hdr[full-4:full])
	}

	for r.payloadRead < length {
		want := min(len(r.scratch), length-r.payloadRead)
		n, err := r.src.Read(r.scratch[:want])
		if n > 0 {
			chunk := r.scratch[:n]
			if masked {
				ws.Cipher(chunk, mask, r.payloadRead)
			}
			r.frame = append(r.frame, chunk...)
			r.payloadRead += n
		}
		if err != nil && !(errors.Is(err, io.EOF) && r.payloadRead == length) {
			return Event{}, false, readErr(err)
		}
	}

	ev, ok, err := r.dispatch(fin, op)
	r.hdrLen = 0
	r.payloadRead = 0
	r.frame = r.frame[:0]
	return ev, ok, err
}

func (r *Reader) dispatch(fin bool, op ws.OpCode) (Event, bool, error) {
	switch op {
	case ws.OpContinuation, ws.OpText, ws.OpBinary:
		r.msg = append(r.msg, r.frame...)
		if op != ws.OpContinuation && r.savedOp == 0 {
			r.savedOp = op
		}
		if !fin {
			return Event{}, false, nil
		}
		ev := Event{Kind: Message, OpCode: r.savedOp, Payload: r.msg}
		if ev.Payload == nil {
			ev.Payload = []byte{}
		}
		r.msg = nil
		r.savedOp = 0
		return ev, true, nil
	case ws.OpClose:
		return Event{}, false, ErrClosed
	case ws.OpPing:
		return Event{Kind: Ping, OpCode: op, Payload: append([]byte{}, r.frame...)}, true, nil
	case ws.OpPong:
		return Event{Kind: Pong, OpCode: op}, true, nil
	default:
		return Event{}, false, ErrReservedOpcode
	}
}

// fill reads header bytes until at least need are staged.
func (r *Reader) fill(need int) error {
	for r.hdrLen < need {
		n, err := r.src.Read(r.hdr[r.hdrLen:need])
		r.hdrLen += n
		if err != nil && !(errors.Is(err, io.EOF) && r.hdrLen >= need) {
			if r.hdrLen == 0 {
				return err
			}
			return readErr(err)
		}
	}
	return nil
}

// headerSize validates the first two header bytes and returns the full
// header length: 2, plus 2 for a 16-bit extended length, plus 4 when masked.
// A 64-bit extended length is rejected before any of it is read.
func headerSize(b0, b1 byte) (int, error) {
	if b0&0x70 != 0 {
		return 0, ErrReservedBits
	}
	op := ws.OpCode(b0 & 0x0f)
	if !isData(op) && !isControl(op) {
		return 0, ErrReservedOpcode
	}
	len7 := b1 & 0x7f
	if isControl(op) {
		if b0&0x80 == 0 {
			return 0, ErrFragmentedControl
		}
		if len7 > MaxChunk {
			return 0, ErrControlTooLarge
		}
	}
	n := 2
	switch len7 {
	case 126:
		n += 2
	case 127:
		return 0, ErrOversized
	}
	if b1&0x80 != 0 {
		n += 4
	}
	return n, nil
}

func isData(op ws.OpCode) bool {
	return op == ws.OpContinuation || op == ws.OpText || op == ws.OpBinary
}

func isControl(op ws.OpCode) bool {
	return op == ws.OpClose || op == ws.OpPing || op == ws.OpPong
}

// readErr turns an EOF in the middle of a frame into io.ErrUnexpectedEOF.
func readErr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
