package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/remittor/sxflasher/internal/ta"
)

// DumpAllTAToDir reads both TA partitions and writes one file per unit
// plus the raw partition blob under
// <outDir>/TA_<product>_<serialno>_<timestamp>/part_<n>/, returning the
// directory created. Grounded on somcusb.py's dump_all_ta(), which
// writes the same layout for offline inspection independent of a flash
// run.
func (o *Orchestrator) DumpAllTAToDir(ctx context.Context, outDir string) (string, error) {
	dumps, err := o.DumpAllTA(ctx)
	if err != nil {
		return "", err
	}

	v := o.Vars()
	stamp := time.Now().Format("20060102_150405")
	return writeTADump(outDir, v.Product, v.SerialNo, stamp, dumps)
}

func writeTADump(outDir, product, serialNo, stamp string, dumps map[uint8]TADump) (string, error) {
	root := filepath.Join(outDir, fmt.Sprintf("TA_%s_%s_%s", safeName(product), safeName(serialNo), stamp))

	for part, dump := range dumps {
		partDir := filepath.Join(root, fmt.Sprintf("part_%d", part))
		if err := os.MkdirAll(partDir, 0o755); err != nil {
			return "", fmt.Errorf("orchestrator: create %s: %w", partDir, err)
		}
		if err := os.WriteFile(filepath.Join(partDir, fmt.Sprintf("partition_%d.bin", part)), dump.Raw, 0o644); err != nil {
			return "", fmt.Errorf("orchestrator: write raw partition dump: %w", err)
		}
		for _, rec := range dump.Records {
			name := ta.DefaultCatalog.Name(rec.Addr)
			if name == "" {
				name = fmt.Sprintf("unknown_%d", rec.Addr.Code)
			}
			fname := fmt.Sprintf("ta_%04d_%s.dat", rec.Addr.Code, safeName(name))
			if err := os.WriteFile(filepath.Join(partDir, fname), rec.Value, 0o644); err != nil {
				return "", fmt.Errorf("orchestrator: write %s: %w", fname, err)
			}
		}
	}
	return root, nil
}

func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
