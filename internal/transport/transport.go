// Package transport implements C1: a framed send/receive channel over a
// USB bulk pipe, with per-direction timeouts and the stream-resync dance
// used to recover from a half-open channel left by a prior session.
//
// The gousb wiring (device lookup, config/interface claim, endpoint
// lifetime) follows guiperry-HASHER's internal/driver/device/usb_device.go;
// the resync algorithm and packet accounting follow original_source's
// somcusb.py (connect/init_streams/raw_write/raw_read).
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// VendorID and ProductID identify the S1 boot USB interface.
	VendorID  = 0x0FCE
	ProductID = 0xB00B

	// DefaultReadTimeout and DefaultWriteTimeout match somcusb.py's
	// defaults (500ms / 2000ms) before any --rt/--wt/--timeout flag.
	DefaultReadTimeout  = 500 * time.Millisecond
	DefaultWriteTimeout = 2000 * time.Millisecond
)

// ErrDeviceNotFound means no device with VendorID/ProductID is attached.
var ErrDeviceNotFound = errors.New("transport: S1 boot USB device not found")

// ErrMultipleDevices means more than one matching device is attached;
// the caller must disambiguate externally (this package refuses to guess).
var ErrMultipleDevices = errors.New("transport: multiple S1 boot USB devices found")

// Channel is the abstract bulk pipe the protocol engine depends on. It
// is satisfied by USBChannel and, in tests, by an in-memory fake so the
// engine and everything layered on it can be exercised without hardware.
type Channel interface {
	// Write sends the full buffer as one or more bulk packets.
	Write(ctx context.Context, data []byte, timeout time.Duration) error
	// ReadUpTo reads at most one packet-sized chunk. It returns an
	// empty slice (no error) on timeout.
	ReadUpTo(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error)
	// ReadExact accumulates packets until exactly n bytes are read or
	// the timeout elapses.
	ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error)
	// Drain best-effort flushes the IN endpoint, ignoring timeouts.
	Drain(ctx context.Context, window time.Duration)
	// MaxPacketSize returns the OUT endpoint's max packet size, used by
	// the resync algorithm to size its padding packets.
	MaxPacketSize() int
	// Close releases all USB resources.
	Close() error
}

// USBChannel is the gousb-backed Channel implementation.
type USBChannel struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
}

// Open finds the single attached S1 boot device, claims configuration 0
// / interface (0,0), and opens its first OUT and first IN endpoints.
func Open() (*USBChannel, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(VendorID) && desc.Product == gousb.ID(ProductID)
	})
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("transport: enumerate: %w", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, ErrDeviceNotFound
	}
	if len(devs) > 1 {
		for _, d := range devs {
			d.Close()
		}
		ctx.Close()
		return nil, ErrMultipleDevices
	}
	device := devs[0]

	if err := device.Reset(); err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: reset device: %w", err)
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: set config: %w", err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: claim interface: %w", err)
	}

	out, err := firstOutEndpoint(intf)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, err
	}

	in, err := firstInEndpoint(intf)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, err
	}

	return &USBChannel{ctx: ctx, device: device, config: config, intf: intf, out: out, in: in}, nil
}

func firstOutEndpoint(intf *gousb.Interface) (*gousb.OutEndpoint, error) {
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut {
			return intf.OutEndpoint(ep.Number)
		}
	}
	return nil, fmt.Errorf("transport: no OUT endpoint on interface (0,0)")
}

func firstInEndpoint(intf *gousb.Interface) (*gousb.InEndpoint, error) {
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			return intf.InEndpoint(ep.Number)
		}
	}
	return nil, fmt.Errorf("transport: no IN endpoint on interface (0,0)")
}

// Close releases the interface, config, device and context, tolerating
// a partially-initialized chain at any point (mirrors the teacher's
// USBDevice.Close shape).
func (c *USBChannel) Close() error {
	if c.intf != nil {
		c.intf.Close()
	}
	if c.config != nil {
		c.config.Close()
	}
	if c.device != nil {
		c.device.Close()
	}
	if c.ctx != nil {
		c.ctx.Close()
	}
	return nil
}

func (c *USBChannel) MaxPacketSize() int {
	return c.out.Desc.MaxPacketSize
}

// Write sends the full buffer, looping on short bulk writes exactly as
// somcusb.py's raw_write accumulates size until it covers len(data).
func (c *USBChannel) Write(ctx context.Context, data []byte, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sent := 0
	for sent < len(data) {
		n, err := c.out.WriteContext(cctx, data[sent:])
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return &deadlineErr{"write"}
			}
			return fmt.Errorf("transport: write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("transport: write stalled at %d/%d bytes", sent, len(data))
		}
		sent += n
	}
	return nil
}

// ReadUpTo reads at most one packet's worth of bytes, returning an
// empty slice on timeout rather than an error (used for drain/probe
// reads where "nothing arrived" is a legitimate outcome).
func (c *USBChannel) ReadUpTo(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = c.in.Desc.MaxPacketSize
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf := make([]byte, maxBytes)
	n, err := c.in.ReadContext(cctx, buf)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return buf[:n], nil
}

// ReadExact accumulates packets until exactly n bytes have been read.
func (c *USBChannel) ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, n)
	pktSize := c.in.Desc.MaxPacketSize

	for len(out) < n {
		want := pktSize
		if remaining := n - len(out); remaining < want {
			want = remaining
		}
		chunk, err := c.ReadUpTo(ctx, want, timeout)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, &deadlineErr{"read_exact"}
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// Drain best-effort flushes the IN endpoint for window, ignoring any
// timeouts it encounters (mirrors somcusb.py's read_all_packets).
func (c *USBChannel) Drain(ctx context.Context, window time.Duration) {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		_, _ = c.ReadUpTo(ctx, 0x1000, 10*time.Millisecond)
	}
}

// Resync recovers a channel left half-open by a prior aborted session.
// It first drains whatever is sitting in the IN endpoint, then probes
// with getvarProbe (normally "getvar:max-download-size"). If a valid
// response header (DATA/OKAY/FAIL) comes back, the channel was already
// clean and Resync returns immediately. Otherwise it writes zero-padded
// packets of (MaxPacketSize-16) bytes, one at a time, until a response
// header appears, then drains again.
//
// Mirrors somcusb.py's init_streams().
func (c *USBChannel) Resync(ctx context.Context, getvarProbe string) error {
	c.Drain(ctx, 100*time.Millisecond)

	if err := c.Write(ctx, []byte(getvarProbe), DefaultWriteTimeout); err == nil {
		if data, _ := c.ReadUpTo(ctx, 0, DefaultReadTimeout); isResponseHeader(data) {
			c.Drain(ctx, 100*time.Millisecond)
			return nil
		}
	}

	padSize := c.MaxPacketSize() - 16
	if padSize <= 0 {
		padSize = 48
	}
	pad := make([]byte, padSize)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transport: resync cancelled: %w", err)
		}
		if err := c.Write(ctx, pad, 100*time.Millisecond); err != nil && !IsTimeout(err) {
			return fmt.Errorf("transport: resync write: %w", err)
		}
		data, _ := c.ReadUpTo(ctx, 0, 2*time.Millisecond)
		if len(data) == 0 {
			continue
		}
		if !isResponseHeader(data) {
			return fmt.Errorf("transport: resync saw unrecognised header %q", data)
		}
		break
	}

	c.Drain(ctx, 100*time.Millisecond)
	return nil
}

func isResponseHeader(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch string(data[:4]) {
	case "DATA", "OKAY", "FAIL":
		return true
	default:
		return false
	}
}

type deadlineErr struct{ op string }

func (e *deadlineErr) Error() string { return fmt.Sprintf("transport: timeout during %s", e.op) }

// IsTimeout reports whether err is the timeout sentinel this package
// returns from Write/ReadExact.
func IsTimeout(err error) bool {
	var d *deadlineErr
	return errors.As(err, &d)
}
