// Package backend speaks the daemon side of the bridge: frames made of a
// little-endian uint16 length followed by that many payload bytes.
package backend

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxPayload is the largest payload a 16-bit length prefix can describe.
	MaxPayload = 0xffff

	// ChunkSize bounds the payload slices handed out by Reader so each one
	// fits a single unextended WebSocket frame.
	ChunkSize = 125
)

// ErrFrameTooLarge is returned when a payload does not fit the length prefix.
var ErrFrameTooLarge = errors.New("backend: frame payload exceeds 65535 bytes")

// WriteFrame writes p as a single length-prefixed frame in one Write call.
func WriteFrame(w io.Writer, p []byte) error {
	if len(p) > MaxPayload {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 2+len(p))
	binary.LittleEndian.PutUint16(buf, uint16(len(p)))
	copy(buf[2:], p)
	_, err := w.Write(buf)
	return err
}

// Chunk is a slice of a backend frame payload.
type Chunk struct {
	Data  []byte
	First bool
	Last  bool
}

// Reader streams backend frames as chunks of at most ChunkSize bytes.
// Zero-length frames are keepalives and are consumed without producing a
// chunk.
type Reader struct {
	src io.Reader

	hdr         [2]byte
	hdrLen      int
	length      int
	payloadRead int
	scratch     [ChunkSize]byte

	// OnKeepalive, when set, is called for every zero-length frame.
	OnKeepalive func()
}

// NewReader returns a Reader consuming src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Next returns the next payload chunk. Chunk.Data is only valid until the
// following call. The first chunk of a frame has First set and the chunk
// that completes it has Last set; a frame of at most ChunkSize bytes comes
// out as one chunk with both.
func (r *Reader) Next() (Chunk, error) {
	for r.length == 0 {
		for r.hdrLen < 2 {
			n, err := r.src.Read(r.hdr[r.hdrLen:])
			r.hdrLen += n
			if err != nil && !(errors.Is(err, io.EOF) && r.hdrLen == 2) {
				if r.hdrLen > 0 && errors.Is(err, io.EOF) {
					return Chunk{}, io.ErrUnexpectedEOF
				}
				return Chunk{}, err
			}
		}
		r.length = int(binary.LittleEndian.Uint16(r.hdr[:]))
		r.hdrLen = 0
		if r.length == 0 && r.OnKeepalive != nil {
			r.OnKeepalive()
		}
	}

	want := min(len(r.scratch), r.length-r.payloadRead)
	var n int
	for n == 0 {
		var err error
		n, err = r.src.Read(r.scratch[:want])
		if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
			if errors.Is(err, io.EOF) {
				return Chunk{}, io.ErrUnexpectedEOF
			}
			return Chunk{}, err
		}
	}
	c := Chunk{
		Data:  r.scratch[:n],
		First: r.payloadRead == 0,
		Last:  r.payloadRead+n == r.length,
	}
	r.payloadRead += n
	if c.Last {
		r.length = 0
		r.payloadRead = 0
	}
	return c, nil
}
