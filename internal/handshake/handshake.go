// Package handshake implements the server half of the WebSocket opening
// handshake as the bridge needs it: find Sec-WebSocket-Key in the request
// head, answer 101 with the accept value, or 404 when no key was sent.
package handshake

import (
	"bufio"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// GUID is the fixed value appended to the client key (RFC 6455 Section 1.3).
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// MaxRequestSize bounds the request head read before the blank line.
const MaxRequestSize = 16 << 10

const keyHeader = "Sec-WebSocket-Key:"

var (
	// ErrMissingKey means the request head ended without a usable key header.
	ErrMissingKey = errors.New("handshake: missing Sec-WebSocket-Key header")

	// ErrRequestTooLarge means no blank line was seen within MaxRequestSize bytes.
	ErrRequestTooLarge = errors.New("handshake: request head too large")
)

const notFoundResponse = "HTTP/1.1 404 Not Found\r\n" +
	"Content-Type: text/html\r\n" +
	"Connection: close\r\n" +
	"Content-Length: 9\r\n" +
	"\r\n" +
	"Not Found"

// ReadKey consumes the request head from r up to and including the first
// empty line and returns the Sec-WebSocket-Key value. When the header appears
// more than once the last occurrence wins. Bytes after the blank line stay
// buffered in r.
func ReadKey(r *bufio.Reader) (string, error) {
	var key string
	total := 0
	for {
		line, err := readLine(r, MaxRequestSize-total)
		if err != nil {
			return "", err
		}
		total += len(line) + 1
		if line == "" {
			break
		}
		if v, ok := ExtractKey(line); ok {
			key = v
		}
	}
	if key == "" {
		return "", ErrMissingKey
	}
	return key, nil
}

// readLine returns the next LF-terminated line without its terminator; a CR
// right before the LF is dropped.
func readLine(r *bufio.Reader, budget int) (string, error) {
	var sb strings.Builder
	for {
		if sb.Len() >= budget {
			return "", ErrRequestTooLarge
		}
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if c == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		sb.WriteByte(c)
	}
}

// ExtractKey reports whether line is a Sec-WebSocket-Key header, matched
// case-insensitively, and returns its value with leading spaces and tabs
// removed.
func ExtractKey(line string) (string, bool) {
	if len(line) < len(keyHeader) || !strings.EqualFold(line[:len(keyHeader)], keyHeader) {
		return "", false
	}
	return strings.TrimLeft(line[len(keyHeader):], " \t"), true
}

// AcceptValue computes Sec-WebSocket-Accept for the given client key.
//
//	AcceptValue("dGhlIHNhbXBsZSBub25jZQ==") == "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func AcceptValue(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// WriteUpgrade writes the 101 Switching Protocols response for key.
func WriteUpgrade(w io.Writer, key string) error {
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptValue(key) + "\r\n" +
		"\r\n"
	if _, err := io.WriteString(w, resp); err != nil {
		return fmt.Errorf("write upgrade: %w", err)
	}
	return nil
}

// WriteNotFound writes the response sent to requests without a key.
func WriteNotFound(w io.Writer) error {
	if _, err := io.WriteString(w, notFoundResponse); err != nil {
		return fmt.Errorf("write not found: %w", err)
	}
	return nil
}
