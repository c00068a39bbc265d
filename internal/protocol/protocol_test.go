package protocol

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// fakeChannel is an in-memory Channel that replays a scripted sequence
// of inbound packets and records every outbound write.
type fakeChannel struct {
	inbound [][]byte
	writes  [][]byte
	maxPkt  int
}

func newFakeChannel(maxPkt int, inbound ...[]byte) *fakeChannel {
	return &fakeChannel{inbound: inbound, maxPkt: maxPkt}
}

func (f *fakeChannel) Write(_ context.Context, data []byte, _ time.Duration) error {
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeChannel) ReadUpTo(_ context.Context, _ int, _ time.Duration) ([]byte, error) {
	if len(f.inbound) == 0 {
		return nil, nil
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return next, nil
}

func (f *fakeChannel) ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk, err := f.ReadUpTo(ctx, n-len(out), timeout)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, &TimeoutError{Op: "read_exact"}
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (f *fakeChannel) Drain(context.Context, time.Duration) {}

func (f *fakeChannel) MaxPacketSize() int { return f.maxPkt }

func header(tag string, size uint32) []byte {
	return []byte(tag + hexSize(size))
}

func hexSize(n uint32) string {
	const hexdigits = "0123456789ABCDEF"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hexdigits[n&0xF]
		n >>= 4
	}
	return string(b)
}

func TestCommandOkayNoPayload(t *testing.T) {
	ch := newFakeChannel(64, []byte("OKAY"))
	e := NewEngine(ch)

	resp, err := e.Command(context.Background(), "reboot")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected OK, got %+v", resp)
	}
	if len(ch.writes) != 1 || string(ch.writes[0]) != "reboot" {
		t.Fatalf("unexpected writes: %v", ch.writes)
	}
}

func TestCommandFail(t *testing.T) {
	ch := newFakeChannel(64, []byte("FAILunknown command"))
	e := NewEngine(ch)

	resp, err := e.Command(context.Background(), "bogus")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if resp.OK {
		t.Fatalf("expected !OK, got %+v", resp)
	}
	if resp.Reason != "unknown command" {
		t.Fatalf("Reason = %q", resp.Reason)
	}
}

func TestCommandDataThenOkay(t *testing.T) {
	payload := []byte("0x0FCE")
	ch := newFakeChannel(64,
		header("DATA", uint32(len(payload))),
		payload,
		[]byte("OKAY"),
	)
	e := NewEngine(ch)

	resp, err := e.Command(context.Background(), "getvar:product")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if !resp.OK || !bytes.Equal(resp.Payload, payload) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCommandDataHeaderWithTrailingNUL(t *testing.T) {
	payload := []byte("abcd")
	h := append(header("DATA", uint32(len(payload))), 0)
	ch := newFakeChannel(64, h, payload, []byte("OKAY"))
	e := NewEngine(ch)

	resp, err := e.Command(context.Background(), "getvar:x")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if !resp.OK || !bytes.Equal(resp.Payload, payload) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCommandTimeoutOnEmptyRead(t *testing.T) {
	ch := newFakeChannel(64) // no inbound packets queued
	e := NewEngine(ch)

	_, err := e.Command(context.Background(), "getvar:x")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
}

func TestUploadHandshake(t *testing.T) {
	data := []byte("payload-bytes")
	sizeHex := hexSize(uint32(len(data)))
	ch := newFakeChannel(64,
		header("DATA", uint32(len(data))),
		[]byte("OKAY"),
	)
	e := NewEngine(ch)

	ok, err := e.Upload(context.Background(), data, false)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !ok {
		t.Fatal("expected upload to succeed")
	}
	if len(ch.writes) != 2 {
		t.Fatalf("expected 2 writes (header, payload), got %d", len(ch.writes))
	}
	if string(ch.writes[0]) != "download:"+sizeHex {
		t.Fatalf("header write = %q", ch.writes[0])
	}
	if !bytes.Equal(ch.writes[1], data) {
		t.Fatalf("payload write mismatch")
	}
}

func TestUploadSizeMismatchIsProtocolError(t *testing.T) {
	data := []byte("x")
	ch := newFakeChannel(64, header("DATA", 99))
	e := NewEngine(ch)

	_, err := e.Upload(context.Background(), data, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestCheckSignatureCmdSupported(t *testing.T) {
	ch := newFakeChannel(64,
		header("DATA", 0),
		[]byte("OKAY"),
	)
	e := NewEngine(ch)

	ok, err := e.CheckSignatureCmd(context.Background())
	if err != nil {
		t.Fatalf("CheckSignatureCmd: %v", err)
	}
	if !ok || !e.SignWithDataAllowed {
		t.Fatalf("expected signature:<size> to be reported supported")
	}
}

func TestCheckSignatureCmdUnsupported(t *testing.T) {
	ch := newFakeChannel(64, []byte("FAILunknown command"))
	e := NewEngine(ch)

	ok, err := e.CheckSignatureCmd(context.Background())
	if err != nil {
		t.Fatalf("CheckSignatureCmd: %v", err)
	}
	if ok || e.SignWithDataAllowed {
		t.Fatal("expected signature:<size> to be reported unsupported")
	}
}
