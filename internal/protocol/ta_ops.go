package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/remittor/sxflasher/internal/ta"
)

// WriteTA uploads data and issues Write-TA:<part>:<code>, the sequence
// somcusb.py's write_ta() performs as upload() followed by command().
func (e *Engine) WriteTA(ctx context.Context, addr ta.Addr, data []byte) error {
	if _, err := e.Upload(ctx, data, false); err != nil {
		return fmt.Errorf("protocol: upload for Write-TA %s: %w", addr, err)
	}
	resp, err := e.Command(ctx, fmt.Sprintf("Write-TA:%d:%d", addr.Part, addr.Code))
	if err != nil {
		return err
	}
	if !resp.OK {
		return &DeviceFail{Reason: resp.Reason}
	}
	return nil
}

// ReadTA issues Read-TA:<part>:<code> and returns the unit's raw value.
func (e *Engine) ReadTA(ctx context.Context, addr ta.Addr) ([]byte, error) {
	resp, err := e.Command(ctx, fmt.Sprintf("Read-TA:%d:%d", addr.Part, addr.Code))
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &DeviceFail{Reason: resp.Reason}
	}
	return resp.Payload, nil
}

// ReadAllTA issues Read-all-TA:<part> and returns the raw dump stream
// for ta.ParseDump to decode.
func (e *Engine) ReadAllTA(ctx context.Context, part uint8) ([]byte, error) {
	resp, err := e.Command(ctx, fmt.Sprintf("Read-all-TA:%d", part))
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &DeviceFail{Reason: resp.Reason}
	}
	return resp.Payload, nil
}

// SetCurrentSlot issues set_active:<slot>. slot must be "a" or "b".
func (e *Engine) SetCurrentSlot(ctx context.Context, slot string) (string, error) {
	if slot != "a" && slot != "b" {
		return "", &ProtocolError{Msg: fmt.Sprintf("invalid slot %q, expected \"a\" or \"b\"", slot)}
	}
	resp, err := e.Command(ctx, "set_active:"+slot)
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", &DeviceFail{Reason: resp.Reason}
	}
	return slot, nil
}

// GetRootKeyHash issues Get-root-key-hash, used to match a
// boot_delivery.xml configuration's PLF_ROOT_HASH attribute.
func (e *Engine) GetRootKeyHash(ctx context.Context) ([]byte, error) {
	resp, err := e.Command(ctx, "Get-root-key-hash")
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &DeviceFail{Reason: resp.Reason}
	}
	return resp.Payload, nil
}

// GetLog issues the Getlog command and returns the s1boot error log.
func (e *Engine) GetLog(ctx context.Context) ([]byte, error) {
	resp, err := e.Command(ctx, "Getlog")
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &DeviceFail{Reason: resp.Reason}
	}
	return resp.Payload, nil
}

// PowerDown sends the raw "powerdown" command and gives the device a
// short window to act on it without waiting for a reply — the device
// typically powers off mid-response, so somcusb.py's powerdown() never
// reads a terminating ack either.
func (e *Engine) PowerDown(ctx context.Context) error {
	if err := e.ch.Write(ctx, []byte("powerdown"), e.WriteTimeout); err != nil {
		return &TransportError{Op: "write powerdown", Err: err}
	}
	e.ch.Drain(ctx, 50*time.Millisecond)
	return nil
}
