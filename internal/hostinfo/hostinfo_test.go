package hostinfo

import (
	"context"
	"testing"
)

func TestNowReturnsPositiveTotals(t *testing.T) {
	r, err := Now(context.Background())
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if r.MemTotalMB == 0 {
		t.Fatal("expected a nonzero total memory reading")
	}
	if r.GoVersion == "" {
		t.Fatal("expected a Go version string")
	}
}
