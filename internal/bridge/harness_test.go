package bridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

const (
	sampleKey    = "dGhlIHNhbXBsZSBub25jZQ=="
	sampleAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	waitTimeout  = 5 * time.Second
)

var testMask = [4]byte{0x37, 0xfa, 0x21, 0x3d}

type harness struct {
	t        *testing.T
	srv      *Server
	addr     string
	backends chan net.Conn
	serveErr chan error
}

// newHarness starts a fake backend daemon and a bridge in front of it.
func newHarness(t *testing.T) *harness {
	t.Helper()
	bl, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	t.Cleanup(func() { _ = bl.Close() })
	h := &harness{t: t, backends: make(chan net.Conn, 16), serveErr: make(chan error, 1)}
	go func() {
		for {
			c, err := bl.Accept()
			if err != nil {
				return
			}
			h.backends <- c
		}
	}()
	h.start(Options{BackendHost: "127.0.0.1", BackendPort: bl.Addr().(*net.TCPAddr).Port})
	return h
}

func (h *harness) start(opts Options) {
	h.t.Helper()
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		h.t.Fatalf("Listen: %v", err)
	}
	h.addr = ln.Addr().String()
	h.srv = NewServer(opts)
	go func() { h.serveErr <- h.srv.Serve(context.Background(), ln) }()
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.srv.Shutdown(ctx)
	})
}

// backend returns the next backend connection opened by the bridge.
func (h *harness) backend() net.Conn {
	h.t.Helper()
	select {
	case c := <-h.backends:
		_ = c.SetDeadline(time.Now().Add(waitTimeout))
		return c
	case <-time.After(waitTimeout):
		h.t.Fatalf("bridge did not connect to the backend")
		return nil
	}
}

// noBackend asserts that the bridge opens no backend connection for a while.
func (h *harness) noBackend() {
	h.t.Helper()
	select {
	case <-h.backends:
		h.t.Fatalf("unexpected backend connection")
	case <-time.After(200 * time.Millisecond):
	}
}

// echoBackends echoes every backend frame verbatim on every connection.
func (h *harness) echoBackends() {
	go func() {
		for c := range h.backends {
			go echo(c)
		}
	}()
}

func echo(c net.Conn) {
	for {
		var hdr [2]byte
		if _, err := io.ReadFull(c, hdr[:]); err != nil {
			return
		}
		buf := make([]byte, 2+int(binary.LittleEndian.Uint16(hdr[:])))
		copy(buf, hdr[:])
		if _, err := io.ReadFull(c, buf[2:]); err != nil {
			return
		}
		if _, err := c.Write(buf); err != nil {
			return
		}
	}
}

// dialRaw connects to the bridge and performs the opening handshake by hand.
// The returned reader holds any bytes received after the 101 response.
func (h *harness) dialRaw() (net.Conn, *bufio.Reader) {
	h.t.Helper()
	c, err := net.Dial("tcp4", h.addr)
	if err != nil {
		h.t.Fatalf("dial bridge: %v", err)
	}
	h.t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(waitTimeout))
	req := "GET /chat HTTP/1.1\r\n" +
		"Host: bridge\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"sec-websocket-key: \t" + sampleKey + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := io.WriteString(c, req); err != nil {
		h.t.Fatalf("write request: %v", err)
	}
	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		h.t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		h.t.Fatalf("status = %d; want 101", resp.StatusCode)
	}
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != sampleAccept {
		h.t.Fatalf("accept = %q; want %q", got, sampleAccept)
	}
	return c, br
}

func writeClientFrame(t *testing.T, w io.Writer, f ws.Frame) {
	t.Helper()
	if err := ws.WriteFrame(w, ws.MaskFrameWith(f, testMask)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readBackendFrame(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		t.Fatalf("read backend header: %v", err)
	}
	p := make([]byte, binary.LittleEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, p); err != nil {
		t.Fatalf("read backend payload: %v", err)
	}
	return p
}

// expectSilence asserts that nothing arrives on c for a short while.
func expectSilence(t *testing.T, c net.Conn, r io.Reader) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var b [1]byte
	n, err := r.Read(b[:])
	var ne net.Error
	if n != 0 || !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected no data, got n=%d err=%v", n, err)
	}
	_ = c.SetReadDeadline(time.Now().Add(waitTimeout))
}

// expectClosed asserts that the peer closed c without sending anything.
func expectClosed(t *testing.T, r io.Reader) {
	t.Helper()
	b, err := io.ReadAll(r)
	if len(b) != 0 {
		t.Fatalf("unexpected bytes before close: % x", b)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("connection was not closed")
	}
}

func seq(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}
