package bridge

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gaspardpetit/wsbridge/internal/backend"
	"github.com/gaspardpetit/wsbridge/internal/handshake"
	"github.com/gaspardpetit/wsbridge/internal/wsframe"
)

const (
	reasonPeerClosed  = "peer_closed"
	reasonClientClose = "client_close"
	reasonProtocol    = "protocol_error"
	reasonOversized   = "oversized"
	reasonUnreachable = "backend_unreachable"
	reasonRejected    = "handshake_rejected"
	reasonIO          = "io_error"
	reasonShutdown    = "shutdown"
)

// CloseReason maps the error that ended a session to a short label used in
// logs and metrics.
func CloseReason(err error) string {
	switch {
	case err == nil:
		return reasonPeerClosed
	case errors.Is(err, ErrShutdown):
		return reasonShutdown
	case errors.Is(err, wsframe.ErrClosed):
		return reasonClientClose
	case errors.Is(err, wsframe.ErrOversized), errors.Is(err, backend.ErrFrameTooLarge):
		return reasonOversized
	case errors.Is(err, wsframe.ErrProtocol):
		return reasonProtocol
	case errors.Is(err, ErrBackendUnreachable):
		return reasonUnreachable
	case errors.Is(err, handshake.ErrMissingKey), errors.Is(err, handshake.ErrRequestTooLarge):
		return reasonRejected
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return reasonPeerClosed
	default:
		return reasonIO
	}
}
