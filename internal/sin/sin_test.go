package sin

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/remittor/sxflasher/internal/protocol"
)

func buildSinArchive(t *testing.T, gzipped bool, imgname string, cmsData []byte, chunks [][]byte) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	writeEntry := func(name string, data []byte) {
		hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644, Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	writeEntry(imgname+".cms", cmsData)
	for _, c := range chunks {
		writeEntry(imgname+".sin", c)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}

	if !gzipped {
		return padTo512(tarBuf.Bytes())
	}

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(padTo512(tarBuf.Bytes())); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return gzBuf.Bytes()
}

func padTo512(data []byte) []byte {
	if len(data) >= 512 {
		return data
	}
	out := make([]byte, 512)
	copy(out, data)
	return out
}

func TestImageNameUncompressed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.sin")
	archive := buildSinArchive(t, false, "boot_a", []byte{0x30, 0x82, 0x01, 0x02}, [][]byte{{1, 2, 3}})
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	name, err := ImageName(path)
	if err != nil {
		t.Fatalf("ImageName: %v", err)
	}
	if name != "boot_a" {
		t.Fatalf("got %q", name)
	}
}

func TestImageNameGzipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.sin")
	archive := buildSinArchive(t, true, "boot_a", []byte{0x30, 0x82, 0x01, 0x02}, [][]byte{{1, 2, 3}})
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	name, err := ImageName(path)
	if err != nil {
		t.Fatalf("ImageName: %v", err)
	}
	if name != "boot_a" {
		t.Fatalf("got %q", name)
	}
}

// fakeCommander records every command/upload call for assertions.
type fakeCommander struct {
	commands []string
	uploads  [][]byte
	getvars  map[string]string
}

func (f *fakeCommander) Command(_ context.Context, msg string) (*protocol.Response, error) {
	f.commands = append(f.commands, msg)
	return &protocol.Response{OK: true}, nil
}

func (f *fakeCommander) Upload(_ context.Context, data []byte, _ bool) (bool, error) {
	f.uploads = append(f.uploads, append([]byte(nil), data...))
	return true, nil
}

func (f *fakeCommander) Getvar(_ context.Context, name string) ([]byte, error) {
	return []byte(f.getvars[name]), nil
}

func TestDispatchFlashNoSlot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.sin")
	cms := []byte{0x30, 0x82, 0x01, 0x02}
	chunk := []byte{0xAA, 0xBB, 0xCC}
	archive := buildSinArchive(t, false, "xboot", cms, [][]byte{chunk})
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	eng := &fakeCommander{getvars: map[string]string{}}
	opts := DispatchOptions{Aux: AuxFlash, MaxDownloadSize: 1 << 20, SignWithDataAllow: true}

	if err := Dispatch(context.Background(), eng, path, opts); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(eng.uploads) != 2 {
		t.Fatalf("got %d uploads, want 2 (signature + chunk)", len(eng.uploads))
	}
	if !bytes.Equal(eng.uploads[0], cms) {
		t.Fatalf("first upload should be CMS data")
	}
	if !bytes.Equal(eng.uploads[1], chunk) {
		t.Fatalf("second upload should be the image chunk")
	}

	wantCmds := []string{"erase:xboot", "flash:xboot"}
	if len(eng.commands) != len(wantCmds) {
		t.Fatalf("got commands %v, want %v", eng.commands, wantCmds)
	}
	for i, c := range wantCmds {
		if eng.commands[i] != c {
			t.Fatalf("command %d = %q, want %q", i, eng.commands[i], c)
		}
	}
}

func TestDispatchSlottedErase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.sin")
	cms := []byte{0x30, 0x82, 0x01, 0x02}
	chunk := []byte{0x01}
	archive := buildSinArchive(t, false, "system", cms, [][]byte{chunk})
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	eng := &fakeCommander{getvars: map[string]string{"has-slot:system": "yes"}}
	opts := DispatchOptions{Aux: AuxFlash, CurrentSlot: "a", MaxDownloadSize: 1 << 20, SignWithDataAllow: true}

	if err := Dispatch(context.Background(), eng, path, opts); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	wantCmds := []string{"erase:system_a", "flash:system_a"}
	if len(eng.commands) != len(wantCmds) {
		t.Fatalf("got commands %v, want %v", eng.commands, wantCmds)
	}
	for i, c := range wantCmds {
		if eng.commands[i] != c {
			t.Fatalf("command %d = %q, want %q", i, eng.commands[i], c)
		}
	}
}

func TestDispatchRepartitionImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "part.sin")
	cms := []byte{0x30, 0x82, 0x01, 0x02}
	chunk := []byte{0x01}
	archive := buildSinArchive(t, false, "partitionimage_3", cms, [][]byte{chunk})
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	eng := &fakeCommander{}
	opts := DispatchOptions{Aux: AuxRepartition, MaxDownloadSize: 1 << 20, SignWithDataAllow: true}

	if err := Dispatch(context.Background(), eng, path, opts); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	wantCmds := []string{"Repartition:3"}
	if len(eng.commands) != len(wantCmds) || eng.commands[0] != wantCmds[0] {
		t.Fatalf("got %v, want %v", eng.commands, wantCmds)
	}
}

func TestDispatchRejectsBadCMSMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.sin")
	archive := buildSinArchive(t, false, "xboot", []byte{0x00, 0x00}, [][]byte{{1}})
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	eng := &fakeCommander{}
	opts := DispatchOptions{Aux: AuxFlash, MaxDownloadSize: 1 << 20}
	if err := Dispatch(context.Background(), eng, path, opts); err == nil {
		t.Fatal("expected error for bad CMS magic")
	}
}
