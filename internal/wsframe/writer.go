package wsframe

import (
	"bytes"
	"io"
	"sync"

	"github.com/gobwas/ws"
)

// Writer emits unmasked server frames. Frames written from different
// goroutines never interleave: each frame goes out in a single Write.
type Writer struct {
	mu  sync.Mutex
	dst io.Writer
	buf [2 + MaxChunk]byte
}

// NewWriter returns a Writer targeting dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// WriteChunk writes one frame of a binary message. The first chunk carries
// the binary opcode, later ones the continuation opcode; last sets FIN.
func (w *Writer) WriteChunk(p []byte, first, last bool) error {
	if len(p) > MaxChunk {
		return ErrChunkTooLarge
	}
	op := ws.OpContinuation
	if first {
		op = ws.OpBinary
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	b := bytes.NewBuffer(w.buf[:0])
	if err := ws.WriteHeader(b, ws.Header{Fin: last, OpCode: op, Length: int64(len(p))}); err != nil {
		return err
	}
	b.Write(p)
	_, err := w.dst.Write(b.Bytes())
	return err
}

// WritePong answers a ping with the same payload.
func (w *Writer) WritePong(p []byte) error {
	if len(p) > MaxChunk {
		return ErrControlTooLarge
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	b := bytes.NewBuffer(w.buf[:0])
	if err := ws.WriteFrame(b, ws.NewPongFrame(p)); err != nil {
		return err
	}
	_, err := w.dst.Write(b.Bytes())
	return err
}
