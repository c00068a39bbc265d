package ta

import (
	"bytes"
	"testing"
)

func TestCatalogResolveByName(t *testing.T) {
	addr, err := DefaultCatalog.Resolve("flash_mode")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if addr != (Addr{Part: 2, Code: 10100}) {
		t.Fatalf("got %v", addr)
	}
}

func TestCatalogResolveByInt(t *testing.T) {
	addr, err := DefaultCatalog.Resolve(2050)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if addr != (Addr{Part: 2, Code: 2050}) {
		t.Fatalf("got %v", addr)
	}
	if DefaultCatalog.Name(addr) != "LAST_BOOT_LOG" {
		t.Fatalf("Name = %q", DefaultCatalog.Name(addr))
	}
}

func TestCatalogResolveUnknownName(t *testing.T) {
	if _, err := DefaultCatalog.Resolve("NOT_A_REAL_UNIT"); err == nil {
		t.Fatal("expected error for unknown name")
	}
}

func TestCatalogUnknownCodeHasNoName(t *testing.T) {
	if name := DefaultCatalog.Name(Addr{Part: 2, Code: 999999}); name != "" {
		t.Fatalf("expected empty name, got %q", name)
	}
}

func TestProtectedUnits(t *testing.T) {
	if !IsProtected(Addr{Part: 2, Code: 2003}) {
		t.Fatal("2003 should be protected")
	}
	if IsProtected(Addr{Part: 2, Code: 2050}) {
		t.Fatal("2050 should not be protected")
	}
	if IsProtected(Addr{Part: 1, Code: 2003}) {
		t.Fatal("partition 1 units are never protected")
	}
}

func TestParseFileBasic(t *testing.T) {
	input := []byte(`// header comment
02
089A 0004 01 02 03 04

0002 0002
  AA BB
`)
	records, err := ParseFile(input)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Addr != (Addr{Part: 2, Code: 0x89A}) {
		t.Fatalf("record 0 addr = %v", records[0].Addr)
	}
	if !bytes.Equal(records[0].Value, []byte{1, 2, 3, 4}) {
		t.Fatalf("record 0 value = %v", records[0].Value)
	}
	if !bytes.Equal(records[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("record 1 value = %v", records[1].Value)
	}
}

func TestParseFileZeroSizeRecordEmitsImmediately(t *testing.T) {
	input := []byte("01\n0755 0000\n1AAC 0002\n  01 02\n")
	records, err := ParseFile(input)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if len(records[0].Value) != 0 {
		t.Fatalf("expected zero-length value, got %v", records[0].Value)
	}
}

func TestParseFileUnderrunIsError(t *testing.T) {
	input := []byte("02\n0002 0004\n  AA BB\n")
	if _, err := ParseFile(input); err == nil {
		t.Fatal("expected error for underrun record")
	}
}

func TestParseFileOverrunIsError(t *testing.T) {
	input := []byte("02\n0002 0001\n  AA BB\n")
	if _, err := ParseFile(input); err == nil {
		t.Fatal("expected error for overrun record")
	}
}

func TestEmitFileRoundTrip(t *testing.T) {
	records := []Record{
		{Addr: Addr{Part: 2, Code: 10100}, Value: []byte{0x01}},
		{Addr: Addr{Part: 2, Code: 2050}, Value: make([]byte, 20)},
	}
	emitted := EmitFile(records)
	parsed, err := ParseFile(emitted)
	if err != nil {
		t.Fatalf("re-parse of emitted file failed: %v\n%s", err, emitted)
	}
	if len(parsed) != len(records) {
		t.Fatalf("got %d records after round-trip, want %d", len(parsed), len(records))
	}
	for i := range records {
		if parsed[i].Addr != records[i].Addr {
			t.Fatalf("record %d addr = %v, want %v", i, parsed[i].Addr, records[i].Addr)
		}
		if !bytes.Equal(parsed[i].Value, records[i].Value) {
			t.Fatalf("record %d value mismatch", i)
		}
	}
}

func TestEmitFileRoundTripWideCode(t *testing.T) {
	records := []Record{
		{Addr: Addr{Part: 2, Code: 0x1046B}, Value: make([]byte, 65600)},
	}
	emitted := EmitFile(records)
	parsed, err := ParseFile(emitted)
	if err != nil {
		t.Fatalf("re-parse of emitted file failed: %v", err)
	}
	if len(parsed) != 1 || parsed[0].Addr != records[0].Addr {
		t.Fatalf("got %+v, want %+v", parsed, records)
	}
	if !bytes.Equal(parsed[0].Value, records[0].Value) {
		t.Fatalf("value mismatch: got %d bytes, want %d", len(parsed[0].Value), len(records[0].Value))
	}
}

func TestParseDump(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0x1F, 0x40}) // code 8000
	buf.Write([]byte{0, 0, 0, 3})       // size 3
	buf.Write([]byte{0xDE, 0xAD, 0xBE})

	records, err := ParseDump(2, buf.Bytes())
	if err != nil {
		t.Fatalf("ParseDump: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Addr != (Addr{Part: 2, Code: 8000}) {
		t.Fatalf("addr = %v", records[0].Addr)
	}
	if !bytes.Equal(records[0].Value, []byte{0xDE, 0xAD, 0xBE}) {
		t.Fatalf("value = %v", records[0].Value)
	}
}

func TestParseDumpTruncated(t *testing.T) {
	if _, err := ParseDump(2, []byte{0, 0, 0, 1, 0, 0}); err == nil {
		t.Fatal("expected error for truncated dump")
	}
}
