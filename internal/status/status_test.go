package status

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/remittor/sxflasher/internal/orchestrator"
)

var errBoom = errors.New("boom")

func TestServerTracksEventsAndServesState(t *testing.T) {
	s := NewServer()
	s.Track(orchestrator.Event{Phase: orchestrator.PhaseConnect, Message: "connected"})
	s.Track(orchestrator.Event{Phase: orchestrator.PhaseDone, Message: "flash complete"})

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	c := NewClient(ts.URL)

	st, err := c.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !st.Done || st.Phase != orchestrator.PhaseDone {
		t.Fatalf("unexpected state: %+v", st)
	}

	lines, err := c.LogTail(context.Background())
	if err != nil {
		t.Fatalf("LogTail: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
}

func TestServerTracksErrorEvent(t *testing.T) {
	s := NewServer()
	s.Track(orchestrator.Event{Phase: orchestrator.PhaseSin, Message: "boot.sin", Err: errBoom})

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	c := NewClient(ts.URL)
	st, err := c.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Error == "" {
		t.Fatal("expected a non-empty error field")
	}
}
