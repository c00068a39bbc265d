package protocol

import "fmt"

// TimeoutError means no progress was made within the configured
// deadline. It is recoverable at the transport boundary: the engine
// does not retry, but a session may choose to resync.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("protocol: timeout during %s", e.Op) }

// TransportError wraps an I/O failure independent of the device's
// reply (a write or read that failed before any framing was observed).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the framing itself was malformed or unexpected
// (bad header tag, size mismatch, a DATA header after the stream
// should have terminated).
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Msg }

// DeviceFail is returned when the device answers with a FAIL header.
// Reason is the latin-1 text carried in the footer payload.
type DeviceFail struct {
	Reason string
}

func (e *DeviceFail) Error() string { return fmt.Sprintf("device FAIL: %q", e.Reason) }

// UnsupportedError is returned only by capability probes (currently
// just signature:<size>) that have determined the device does not
// support a given command shape. It is never raised for core
// flashing commands.
type UnsupportedError struct {
	Capability string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("protocol: capability not supported: %s", e.Capability)
}
