package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/gaspardpetit/wsbridge/internal/logx"
)

// ErrServerClosed is returned by Serve after StopAccepting or Shutdown.
var ErrServerClosed = errors.New("bridge: server closed")

// Server accepts WebSocket clients and runs one Session per connection.
type Server struct {
	opts Options

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	closing  bool
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

// NewServer returns a Server whose sessions connect to the backend described
// by opts.
func NewServer(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{opts: opts, baseCtx: ctx, cancel: cancel, sessions: map[*Session]struct{}{}}
}

// Serve accepts connections on ln until ctx is done or the server stops
// accepting. An interrupted or aborted accept is retried; any other accept
// error, including descriptor exhaustion, is returned.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.StopAccepting)
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			if isTemporary(err) {
				logx.Log.Debug().Err(err).Msg("accept interrupted; retrying")
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.start(conn)
	}
}

func (s *Server) start(conn net.Conn) {
	sess := NewSession(conn, s.opts)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
			s.wg.Done()
		}()
		_ = sess.Run(s.baseCtx)
	}()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// StopAccepting closes the listener. Running sessions are left alone.
func (s *Server) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

// Active returns the number of running sessions.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Wait blocks until every session has ended. Call it after StopAccepting.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting, closes every live session and waits for them to
// finish or for ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.StopAccepting()
	s.cancel()

	s.mu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.Close(ErrShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isTemporary reports whether an accept error leaves the listener usable.
// EINTR interrupted the call and ECONNABORTED names a pending connection the
// peer reset before it was accepted.
func isTemporary(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.ECONNABORTED)
}
