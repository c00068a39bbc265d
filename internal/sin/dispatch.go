package sin

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/remittor/sxflasher/internal/protocol"
)

// Commander is the subset of protocol.Engine the dispatcher drives.
// Declared locally so this package can be exercised with a fake in
// tests without constructing a real transport.Channel.
type Commander interface {
	Command(ctx context.Context, msg string) (*protocol.Response, error)
	Upload(ctx context.Context, data []byte, sign bool) (bool, error)
	Getvar(ctx context.Context, name string) ([]byte, error)
}

// AuxCommand selects the per-chunk command issued after each image
// chunk's upload: "" issues none (chunks are only uploaded, with no
// erase), "flash" erases before the first chunk and flashes each one,
// and "Repartition" is used for partitioning runs.
type AuxCommand string

const (
	AuxNone        AuxCommand = ""
	AuxFlash       AuxCommand = "flash"
	AuxRepartition AuxCommand = "Repartition"
)

// DispatchOptions configures one SIN file's dispatch.
type DispatchOptions struct {
	Aux                AuxCommand
	RepartitionNumber  string // not read by Dispatch: Repartition:<N> takes N from the "partitionimage_<N>" image name
	CurrentSlot        string // "a", "b", or "" if the device has no slots
	MaxDownloadSize    int
	SignWithDataAllow  bool
	DryRun             bool
}

// Dispatch streams one SIN archive: it reads the leading CMS signature
// and uploads it via the signature handshake, then uploads each image
// chunk in order, issuing an erase command before the first chunk and
// the configured aux command after each chunk. It mirrors
// sxflasher.py's process_sin tar-member loop member for member.
func Dispatch(ctx context.Context, eng Commander, path string, opts DispatchOptions) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("sin: stat %s: %w", path, err)
	}
	if info.Size() < 512 {
		return fmt.Errorf("sin: %s: incorrect SIN file size %d bytes", path, info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("sin: open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if gz, isGz, err := maybeGzip(f); err != nil {
		return err
	} else if isGz {
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	sinfn := filepath.Base(path)

	imgname := ""
	chunkNum := -2
	hasSlot := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("sin: %s: tar read: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		cname := sinfn + "/" + hdr.Name
		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("sin: %s: read %s: %w", path, hdr.Name, err)
		}
		if opts.MaxDownloadSize > 0 && len(data) > opts.MaxDownloadSize {
			return fmt.Errorf("sin: chunk %q too large: size %d, max %d", cname, len(data), opts.MaxDownloadSize)
		}
		if len(data) == 0 {
			return fmt.Errorf("sin: chunk %q is empty", cname)
		}

		if opts.DryRun {
			chunkNum++
			continue
		}

		chunkNum++
		if chunkNum == -1 {
			name, err := verifyCMSEntry(hdr.Name, data, cname)
			if err != nil {
				return err
			}
			imgname = name

			ok, err := eng.Upload(ctx, data, opts.SignWithDataAllow)
			if err != nil {
				return fmt.Errorf("sin: upload signature %q: %w", cname, err)
			}
			if !ok {
				return fmt.Errorf("sin: signature upload rejected for %q", cname)
			}
			if !opts.SignWithDataAllow {
				if resp, err := eng.Command(ctx, "signature"); err != nil {
					return fmt.Errorf("sin: signature command: %w", err)
				} else if !resp.OK {
					return fmt.Errorf("sin: signature command failed: %s", resp.Reason)
				}
			}
			continue
		}

		stem := strings.TrimSuffix(hdr.Name, filepath.Ext(hdr.Name))
		if stem != imgname {
			return fmt.Errorf("sin: %s: unexpected filename %q, expected stem %q", sinfn, hdr.Name, imgname)
		}

		if _, err := eng.Upload(ctx, data, false); err != nil {
			return fmt.Errorf("sin: upload chunk %q: %w", cname, err)
		}

		if chunkNum == 0 && opts.Aux == AuxFlash {
			eraseCmd, slotted, err := eraseCommandFor(ctx, eng, imgname, sinfn, opts.CurrentSlot)
			if err != nil {
				return err
			}
			hasSlot = slotted
			if eraseCmd != "" {
				if resp, err := eng.Command(ctx, eraseCmd); err != nil {
					return fmt.Errorf("sin: erase %q: %w", imgname, err)
				} else if !resp.OK {
					return fmt.Errorf("sin: erase %q failed: %s", imgname, resp.Reason)
				}
			}
		}

		if _, err := eng.Upload(ctx, data, false); err != nil {
			return fmt.Errorf("sin: upload chunk %q: %w", cname, err)
		}

		if opts.Aux != AuxNone {
			cmd := auxCommandFor(opts, imgname, sinfn, hasSlot)
			if resp, err := eng.Command(ctx, cmd); err != nil {
				return fmt.Errorf("sin: %s: %w", cmd, err)
			} else if !resp.OK {
				return fmt.Errorf("sin: %s failed: %s", cmd, resp.Reason)
			}
		}
	}

	return nil
}

func maybeGzip(f *os.File) (*gzip.Reader, bool, error) {
	magic := make([]byte, 2)
	n, err := f.Read(magic)
	if err != nil && err != io.EOF {
		return nil, false, fmt.Errorf("sin: peek magic: %w", err)
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return nil, false, fmt.Errorf("sin: seek: %w", serr)
	}
	if n == 2 && magic[0] == 0x1F && magic[1] == 0x8B {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, false, fmt.Errorf("sin: gzip header: %w", err)
		}
		return gz, true, nil
	}
	return nil, false, nil
}

func verifyCMSEntry(name string, data []byte, cname string) (string, error) {
	if !strings.HasSuffix(name, ".cms") {
		return "", fmt.Errorf("sin: %q has wrong extension for a CMS signature", cname)
	}
	if len(data) < 2 || !bytes.Equal(data[:2], []byte{0x30, 0x82}) {
		return "", fmt.Errorf("sin: %q has wrong CMS magic", cname)
	}
	return strings.TrimSuffix(name, filepath.Ext(name)), nil
}

func eraseCommandFor(ctx context.Context, eng Commander, imgname, sinfn, currentSlot string) (cmd string, hasSlot bool, err error) {
	cmd = "erase:" + imgname
	if currentSlot != "a" && currentSlot != "b" {
		return cmd, false, nil
	}

	raw, err := eng.Getvar(ctx, "has-slot:"+imgname)
	if err != nil {
		return "", false, fmt.Errorf("sin: query has-slot for %q: %w", imgname, err)
	}
	if string(raw) != "yes" {
		return cmd, false, nil
	}

	suffix := slotSuffix(sinfn, currentSlot)
	return "erase:" + imgname + suffix, true, nil
}

func auxCommandFor(opts DispatchOptions, imgname, sinfn string, hasSlot bool) string {
	if opts.Aux == AuxRepartition && strings.HasPrefix(imgname, "partitionimage_") {
		num := strings.TrimPrefix(imgname, "partitionimage_")
		return "Repartition:" + num
	}
	if hasSlot {
		return string(opts.Aux) + ":" + imgname + slotSuffix(sinfn, opts.CurrentSlot)
	}
	return string(opts.Aux) + ":" + imgname
}

// slotSuffix picks "_a"/"_b", inverted when sinfn names the "other"
// slot image (a single SIN that targets whichever slot is not active).
func slotSuffix(sinfn, currentSlot string) string {
	other := strings.Contains(sinfn, "_other")
	wantA := currentSlot == "a"
	if other {
		wantA = !wantA
	}
	if wantA {
		return "_a"
	}
	return "_b"
}
