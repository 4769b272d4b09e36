package wsframe

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol is wrapped by every RFC 6455 violation that ends a session.
	ErrProtocol = errors.New("websocket: protocol error")

	// ErrReservedOpcode indicates an opcode in 0x3-0x7 or 0xB-0xF.
	ErrReservedOpcode = fmt.Errorf("%w: reserved opcode", ErrProtocol)

	// ErrReservedBits indicates RSV1, RSV2 or RSV3 is set; no extension is
	// ever negotiated.
	ErrReservedBits = fmt.Errorf("%w: reserved bits set", ErrProtocol)

	// ErrFragmentedControl indicates a control frame with FIN=0.
	ErrFragmentedControl = fmt.Errorf("%w: fragmented control frame", ErrProtocol)

	// ErrControlTooLarge indicates a control frame payload above 125 bytes.
	ErrControlTooLarge = fmt.Errorf("%w: control frame payload too large", ErrProtocol)

	// ErrOversized indicates a 64-bit payload length, or a message that would
	// not fit a single backend frame.
	ErrOversized = errors.New("websocket: payload too large")

	// ErrClosed is returned once the peer sends a close frame.
	ErrClosed = errors.New("websocket: close frame received")

	// ErrChunkTooLarge indicates an outbound chunk that does not fit a
	// 7-bit payload length.
	ErrChunkTooLarge = errors.New("websocket: outbound chunk exceeds 125 bytes")
)
