package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/wsbridge/internal/backend"
	"github.com/gaspardpetit/wsbridge/internal/handshake"
	"github.com/gaspardpetit/wsbridge/internal/logx"
	"github.com/gaspardpetit/wsbridge/internal/metrics"
	"github.com/gaspardpetit/wsbridge/internal/serverstate"
	"github.com/gaspardpetit/wsbridge/internal/wsframe"
)

var (
	// ErrBackendUnreachable wraps resolve and connect failures.
	ErrBackendUnreachable = errors.New("bridge: backend unreachable")
	// ErrShutdown is recorded on sessions closed by Server.Shutdown.
	ErrShutdown = errors.New("bridge: shutdown")
)

// handshakeBufferSize bounds how much the handshake reader may buffer ahead.
// Bytes read past the blank line belong to the first frame and stay in the
// reader handed to the frame decoder.
const handshakeBufferSize = 4096

// State is the lifecycle stage of a Session.
type State int32

const (
	Handshaking State = iota
	Forwarding
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Forwarding:
		return "forwarding"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens the backend connection for a session.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
}

// Options describes where sessions connect to.
type Options struct {
	BackendHost string
	BackendPort int
	// Dialer defaults to a backend.Dialer using the system resolver.
	Dialer Dialer
}

func (o Options) dialer() Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	return &backend.Dialer{}
}

// Session bridges one WebSocket client to its own backend connection.
type Session struct {
	ID string

	opts   Options
	client net.Conn
	log    zerolog.Logger
	state  atomic.Int32

	mu      sync.Mutex
	backend net.Conn
	closed  bool
	err     error
}

// NewSession wraps an accepted client connection.
func NewSession(client net.Conn, opts Options) *Session {
	id := uuid.NewString()
	target := net.JoinHostPort(opts.BackendHost, strconv.Itoa(opts.BackendPort))
	return &Session{
		ID:     id,
		opts:   opts,
		client: client,
		log:    logx.Session(id, client.RemoteAddr().String(), target),
	}
}

// State reports the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Close terminates the session with cause unless it already ended.
func (s *Session) Close(cause error) {
	s.fail(cause)
}

// Err returns the error that ended the session, or nil while it runs.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run performs the opening handshake, connects to the backend and forwards
// traffic until either side fails. Both sockets are closed on return. The
// returned error is the one that ended the session.
func (s *Session) Run(ctx context.Context) (err error) {
	start := time.Now()
	metrics.SessionOpened()
	serverstate.SessionOpened()
	s.log.Info().Msg("client connected")

	defer func() {
		err = s.fail(err)
		reason := CloseReason(err)
		metrics.SessionClosed(reason, time.Since(start))
		serverstate.SessionClosed()
		lvl := zerolog.InfoLevel
		switch reason {
		case reasonProtocol, reasonOversized, reasonRejected, reasonUnreachable:
			lvl = zerolog.WarnLevel
		}
		s.log.WithLevel(lvl).Err(err).Str("reason", reason).Dur("duration", time.Since(start)).Msg("session closed")
	}()

	br := bufio.NewReaderSize(s.client, handshakeBufferSize)
	key, err := handshake.ReadKey(br)
	if err != nil {
		if errors.Is(err, handshake.ErrMissingKey) {
			metrics.RecordHandshake("rejected")
			if werr := handshake.WriteNotFound(s.client); werr != nil {
				return werr
			}
			return err
		}
		metrics.RecordHandshake("error")
		return err
	}
	if err := handshake.WriteUpgrade(s.client, key); err != nil {
		metrics.RecordHandshake("error")
		return err
	}
	metrics.RecordHandshake("upgraded")
	s.log.Debug().Msg("handshake complete")

	be, err := s.opts.dialer().Dial(ctx, s.opts.BackendHost, s.opts.BackendPort)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnreachable, err)
	}
	if err := s.attach(be); err != nil {
		return err
	}
	s.log.Debug().Str("local", be.LocalAddr().String()).Msg("backend connected")
	return s.forward(br, be)
}

// attach installs the backend connection unless the session was closed
// while dialing.
func (s *Session) attach(be net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = be.Close()
		return s.err
	}
	s.backend = be
	s.state.Store(int32(Forwarding))
	return nil
}

// fail records err as the terminal error if none is recorded yet and closes
// both sockets. It returns the recorded error.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	if !s.closed {
		s.closed = true
		s.state.Store(int32(Closed))
		_ = s.client.Close()
		if s.backend != nil {
			_ = s.backend.Close()
		}
	}
	return s.err
}

// forward runs both directions until the first one fails.
func (s *Session) forward(in *bufio.Reader, be net.Conn) error {
	out := wsframe.NewWriter(s.client)
	errc := make(chan error, 2)
	go func() { errc <- s.clientToBackend(wsframe.NewReader(in), be, out) }()
	go func() { errc <- s.backendToClient(backend.NewReader(be), out) }()

	err := s.fail(<-errc)
	<-errc
	return err
}

func (s *Session) clientToBackend(in *wsframe.Reader, be net.Conn, out *wsframe.Writer) error {
	for {
		ev, err := in.Next()
		if err != nil {
			if errors.Is(err, wsframe.ErrClosed) {
				metrics.RecordControlFrame("close")
			}
			return err
		}
		switch ev.Kind {
		case wsframe.Message:
			if err := backend.WriteFrame(be, ev.Payload); err != nil {
				return err
			}
			metrics.RecordMessage(metrics.ClientToBackend, len(ev.Payload))
			s.log.Debug().Int("len", len(ev.Payload)).Uint8("opcode", byte(ev.OpCode)).Msg("client message forwarded")
		case wsframe.Ping:
			metrics.RecordControlFrame("ping")
			if err := out.WritePong(ev.Payload); err != nil {
				return err
			}
			s.log.Debug().Int("len", len(ev.Payload)).Msg("pong sent")
		case wsframe.Pong:
			metrics.RecordControlFrame("pong")
		}
	}
}

func (s *Session) backendToClient(in *backend.Reader, out *wsframe.Writer) error {
	in.OnKeepalive = func() {
		metrics.RecordBackendKeepalive()
		s.log.Debug().Msg("backend keepalive")
	}
	for {
		c, err := in.Next()
		if err != nil {
			return err
		}
		if err := out.WriteChunk(c.Data, c.First, c.Last); err != nil {
			return err
		}
		metrics.RecordBytes(metrics.BackendToClient, len(c.Data))
		if c.Last {
			metrics.RecordMessageEnd(metrics.BackendToClient)
			s.log.Debug().Msg("backend message forwarded")
		}
	}
}
