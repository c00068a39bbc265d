// Package protocol implements C2: command encoding, DATA/OKAY/FAIL
// response framing, and the two-phase upload handshake, layered over an
// internal/transport.Channel.
//
// Grounded on original_source/somcusb.py's read()/command()/upload()/
// check_signature_cmd(), which this file follows closely enough that
// function boundaries mirror its own.
package protocol

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"
)

// Response is the result of one command round-trip.
type Response struct {
	OK      bool
	Payload []byte
	Reason  string // set when !OK
}

// Channel is the subset of transport.Channel the engine depends on.
// Declared locally (rather than imported) so this package has no
// compile-time dependency on gousb; transport.USBChannel satisfies it
// structurally.
type Channel interface {
	Write(ctx context.Context, data []byte, timeout time.Duration) error
	ReadUpTo(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error)
	ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error)
	Drain(ctx context.Context, window time.Duration)
	MaxPacketSize() int
}

// Engine drives the S1 boot wire protocol over a Channel.
type Engine struct {
	ch Channel

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	maxDownloadSize int

	// SignWithDataAllowed records whether check_signature_cmd saw the
	// combined "signature:<size>" form accepted.
	SignWithDataAllowed bool
}

// NewEngine wraps ch with the protocol engine's default timeouts.
func NewEngine(ch Channel) *Engine {
	return &Engine{
		ch:           ch,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 2000 * time.Millisecond,
	}
}

// SetTimeouts overrides both read and write timeouts (used by the
// orchestrator's Sync phase, which temporarily raises them).
func (e *Engine) SetTimeouts(read, write time.Duration) {
	e.ReadTimeout, e.WriteTimeout = read, write
}

// Timeouts returns the current (read, write) timeouts.
func (e *Engine) Timeouts() (time.Duration, time.Duration) {
	return e.ReadTimeout, e.WriteTimeout
}

var (
	tagData = []byte("DATA")
	tagOkay = []byte("OKAY")
	tagFail = []byte("FAIL")
)

// readHeader reads one framing unit: a 4-byte header immediately
// followed by whatever the header implies (OKAY/FAIL payload until
// timeout, or a DATA size-header). It returns the raw bytes read.
func (e *Engine) readHeader(ctx context.Context, timeout time.Duration) ([]byte, error) {
	data, err := e.ch.ReadUpTo(ctx, 0, timeout)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	if len(data) == 0 {
		return nil, &TimeoutError{Op: "read_header"}
	}
	return data, nil
}

// Command sends msg and reads the full response: zero or more DATA
// chunks followed by a terminating OKAY/FAIL. It is the Go equivalent
// of somcusb.py's read(), called after write(msg).
func (e *Engine) Command(ctx context.Context, msg string) (*Response, error) {
	if err := e.ch.Write(ctx, []byte(msg), e.WriteTimeout); err != nil {
		return nil, &TransportError{Op: "write command", Err: err}
	}
	return e.readResponse(ctx, false)
}

// CommandOnePacket issues msg and returns at most the first header seen
// — if it is a DATA header, the caller gets the raw size string back
// instead of the engine collecting the full payload. This is the probe
// mode used by check_signature_cmd and by the upload handshake's first
// reply.
func (e *Engine) CommandOnePacket(ctx context.Context, msg string) (*Response, error) {
	if err := e.ch.Write(ctx, []byte(msg), e.WriteTimeout); err != nil {
		return nil, &TransportError{Op: "write command", Err: err}
	}
	return e.readResponse(ctx, true)
}

func (e *Engine) readResponse(ctx context.Context, onePacket bool) (*Response, error) {
	header, err := e.readHeader(ctx, e.ReadTimeout)
	if err != nil {
		return nil, err
	}

	tag := header[:min(4, len(header))]
	switch {
	case bytes.Equal(tag, tagOkay):
		return &Response{OK: true, Payload: header[4:]}, nil
	case bytes.Equal(tag, tagFail):
		return &Response{OK: false, Reason: string(header[4:])}, nil
	case bytes.Equal(tag, tagData):
		return e.readDataStream(ctx, header, onePacket)
	default:
		return nil, &ProtocolError{Msg: fmt.Sprintf("unknown header tag %q", tag)}
	}
}

// readDataStream consumes one or more DATA chunks until a terminating
// OKAY/FAIL header, accumulating payload bytes. A 13-byte DATA header
// with a trailing NUL (seen on some firmware revisions) is trimmed to
// the canonical 12 bytes before the size field is parsed.
func (e *Engine) readDataStream(ctx context.Context, header []byte, onePacket bool) (*Response, error) {
	var data bytes.Buffer

	for {
		if len(header) == 13 && header[12] == 0 {
			header = header[:12]
		}
		if len(header) != 12 {
			return nil, &ProtocolError{Msg: fmt.Sprintf("malformed DATA header length %d, expected 12", len(header))}
		}

		if onePacket {
			return &Response{OK: true, Payload: append([]byte(nil), header[4:]...), Reason: "DATA_SIZE"}, nil
		}

		size, err := strconv.ParseUint(string(header[4:]), 16, 32)
		if err != nil {
			return nil, &ProtocolError{Msg: fmt.Sprintf("malformed DATA size field %q: %v", header[4:], err)}
		}
		if size > 0 {
			chunk, err := e.ch.ReadExact(ctx, int(size), e.ReadTimeout)
			if err != nil {
				return nil, &TransportError{Op: "read data chunk", Err: err}
			}
			data.Write(chunk)
		}

		next, err := e.readHeader(ctx, e.ReadTimeout)
		if err != nil {
			return nil, err
		}
		if len(next) < 4 {
			return nil, &ProtocolError{Msg: fmt.Sprintf("short header length %d, expected >= 4", len(next))}
		}
		tag := next[:4]
		switch {
		case bytes.Equal(tag, tagOkay):
			return &Response{OK: true, Payload: data.Bytes()}, nil
		case bytes.Equal(tag, tagFail):
			return &Response{OK: false, Payload: data.Bytes(), Reason: string(next[4:])}, nil
		case bytes.Equal(tag, tagData):
			header = next
			continue
		default:
			return nil, &ProtocolError{Msg: fmt.Sprintf("unexpected header tag %q mid-stream", tag)}
		}
	}
}

// Getvar issues getvar:<name> and returns the raw latin-1 payload.
func (e *Engine) Getvar(ctx context.Context, name string) ([]byte, error) {
	resp, err := e.Command(ctx, "getvar:"+name)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &DeviceFail{Reason: resp.Reason}
	}
	return resp.Payload, nil
}

// CheckSignatureCmd probes whether "signature:<size>" (the combined
// download+verify form) is supported, setting SignWithDataAllowed.
func (e *Engine) CheckSignatureCmd(ctx context.Context) (bool, error) {
	resp, err := e.CommandOnePacket(ctx, "signature:00000000")
	if err != nil {
		return false, err
	}
	if resp.OK && resp.Reason == "DATA_SIZE" {
		// Drain the remainder of this probe round-trip (OKAY/FAIL
		// footer for the zero-length payload we implicitly "sent").
		if _, err := e.readResponse(ctx, true); err != nil {
			return false, err
		}
		e.SignWithDataAllowed = true
		return true, nil
	}
	e.SignWithDataAllowed = false
	return false, nil
}

// SetMaxDownloadSize records the device's max-download-size so Upload
// can enforce it without a round-trip.
func (e *Engine) SetMaxDownloadSize(n int) { e.maxDownloadSize = n }

// MaxDownloadSize returns the last value set by SetMaxDownloadSize.
func (e *Engine) MaxDownloadSize() int { return e.maxDownloadSize }

// Upload performs the two-phase download:/signature: handshake: send
// "<cmd>:HHHHHHHH", expect a DATA header echoing that same hex size,
// send the payload, then read the final OKAY/FAIL. When sign is true
// and the device's FAIL is non-fatal (older devices without "signature:
// <size>" support signal it this way), ok is false but err is nil so
// the caller can fall back to the two-step signature upload.
func (e *Engine) Upload(ctx context.Context, data []byte, sign bool) (ok bool, err error) {
	if e.maxDownloadSize > 0 && len(data) > e.maxDownloadSize {
		return false, fmt.Errorf("protocol: upload size %d exceeds max-download-size %d", len(data), e.maxDownloadSize)
	}

	cmdName := "download"
	if sign {
		cmdName = "signature"
	}
	sizeHex := fmt.Sprintf("%08X", len(data))
	msg := fmt.Sprintf("%s:%s", cmdName, sizeHex)

	if err := e.ch.Write(ctx, []byte(msg), e.WriteTimeout); err != nil {
		return false, &TransportError{Op: "write upload header", Err: err}
	}
	resp, err := e.readResponse(ctx, true)
	if err != nil {
		return false, err
	}
	if !resp.OK || resp.Reason != "DATA_SIZE" {
		return false, &ProtocolError{Msg: fmt.Sprintf("%s command: unexpected reply %+v", cmdName, resp)}
	}
	if string(resp.Payload) != sizeHex {
		return false, &ProtocolError{Msg: fmt.Sprintf("%s DATA size reply %q, expected %q", cmdName, resp.Payload, sizeHex)}
	}

	if len(data) > 0 {
		if err := e.ch.Write(ctx, data, e.WriteTimeout); err != nil {
			return false, &TransportError{Op: "write upload payload", Err: err}
		}
	}

	final, err := e.readResponse(ctx, true)
	if err != nil {
		return false, err
	}
	if !final.OK || final.Reason != "" {
		if sign {
			return false, nil
		}
		return false, &DeviceFail{Reason: final.Reason}
	}
	return true, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
