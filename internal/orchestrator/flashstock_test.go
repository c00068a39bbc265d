package orchestrator

import (
	"bytes"
	"context"
	"testing"

	"github.com/remittor/sxflasher/internal/protocol"
)

func TestSetActiveSlotTargetsCurrentSlotNotOpposite(t *testing.T) {
	ch := newFakeChannel([]byte("OKAY"))
	eng := protocol.NewEngine(ch)
	o := New(eng, nil, nil)
	o.mu.Lock()
	o.vars = DeviceVars{CurrentSlot: "b"}
	o.mu.Unlock()

	if err := o.setActiveSlot(context.Background(), Options{Test: 0}); err != nil {
		t.Fatalf("setActiveSlot: %v", err)
	}
	if len(ch.writes) != 1 || !bytes.Equal(ch.writes[0], []byte("set_active:b")) {
		t.Fatalf("writes = %q, want [\"set_active:b\"]", ch.writes)
	}
	if v := o.Vars(); v.CurrentSlot != "b" {
		t.Fatalf("CurrentSlot = %q, want %q", v.CurrentSlot, "b")
	}
}

func TestSetActiveSlotNoOpWhenSlotUnknown(t *testing.T) {
	eng := protocol.NewEngine(panicChannel{t})
	o := New(eng, nil, nil)
	o.mu.Lock()
	o.vars = DeviceVars{CurrentSlot: ""}
	o.mu.Unlock()

	if err := o.setActiveSlot(context.Background(), Options{Test: 0}); err != nil {
		t.Fatalf("setActiveSlot: %v", err)
	}
}

func TestSetActiveSlotSkipsDeviceInSyntheticMode(t *testing.T) {
	eng := protocol.NewEngine(panicChannel{t})
	o := New(eng, nil, nil)
	o.mu.Lock()
	o.vars = DeviceVars{CurrentSlot: "a"}
	o.mu.Unlock()

	if err := o.setActiveSlot(context.Background(), Options{Test: 100}); err != nil {
		t.Fatalf("setActiveSlot: %v", err)
	}
}

func TestLun0SizeUFS(t *testing.T) {
	info := make([]byte, 0x20)
	info[0] = 0 // ufs descriptor size
	// raw sector count at pos = descSz + 0x1C = 0x1C, big-endian.
	info[0x1C], info[0x1D], info[0x1E], info[0x1F] = 0x00, 0x00, 0x01, 0x00 // 256

	ch := newFakeChannel([]byte("DATA"+hexSize(uint32(len(info)))), info, []byte("OKAY"))
	eng := protocol.NewEngine(ch)
	o := New(eng, nil, nil)
	o.mu.Lock()
	o.vars = DeviceVars{UFSInfo: "__UFS__", SectorSize: 4096}
	o.mu.Unlock()

	got, err := o.lun0Size(context.Background(), 0)
	if err != nil {
		t.Fatalf("lun0Size: %v", err)
	}
	want := 256 * 4096 / 1024
	if got != want {
		t.Fatalf("lun0Size = %d, want %d", got, want)
	}
}

func TestLun0SizeEMMC(t *testing.T) {
	info := make([]byte, 0xD8)
	// raw sector count at pos = 0xD4, little-endian.
	info[0xD4], info[0xD5], info[0xD6], info[0xD7] = 0x80, 0x00, 0x00, 0x00 // 128

	ch := newFakeChannel([]byte("DATA"+hexSize(uint32(len(info)))), info, []byte("OKAY"))
	eng := protocol.NewEngine(ch)
	o := New(eng, nil, nil)
	o.mu.Lock()
	o.vars = DeviceVars{UFSInfo: "", SectorSize: 4096}
	o.mu.Unlock()

	got, err := o.lun0Size(context.Background(), 0)
	if err != nil {
		t.Fatalf("lun0Size: %v", err)
	}
	want := 128 * 4096 / 1024
	if got != want {
		t.Fatalf("lun0Size = %d, want %d", got, want)
	}
}

func TestLun0SizeSyntheticTestMode(t *testing.T) {
	eng := protocol.NewEngine(panicChannel{t})
	o := New(eng, nil, nil)

	got, err := o.lun0Size(context.Background(), 100)
	if err != nil {
		t.Fatalf("lun0Size: %v", err)
	}
	if got != 0x10 {
		t.Fatalf("lun0Size = %d, want %d", got, 0x10)
	}
}

func TestLun0SizeShortResponseIsError(t *testing.T) {
	short := make([]byte, 8)
	ch := newFakeChannel([]byte("DATA"+hexSize(uint32(len(short)))), short, []byte("OKAY"))
	eng := protocol.NewEngine(ch)
	o := New(eng, nil, nil)
	o.mu.Lock()
	o.vars = DeviceVars{UFSInfo: "__UFS__", SectorSize: 4096}
	o.mu.Unlock()

	if _, err := o.lun0Size(context.Background(), 0); err == nil {
		t.Fatal("expected error for short Get-ufs-info response")
	}
}
