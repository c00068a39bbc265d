package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/remittor/sxflasher/internal/orchestrator"
)

func TestPhaseIndexOrdering(t *testing.T) {
	if phaseIndex(orchestrator.PhaseConnect) != 0 {
		t.Fatal("connect should be first")
	}
	if phaseIndex(orchestrator.PhaseDone) != len(phaseOrder)-1 {
		t.Fatal("done should be last")
	}
	if phaseIndex("unknown-phase") != 0 {
		t.Fatal("unknown phase should fall back to 0")
	}
}

func TestRenderBarBounds(t *testing.T) {
	if got := renderBar(0, 10); !strings.Contains(got, "░") {
		t.Fatalf("zero progress should be all empty: %q", got)
	}
	if got := renderBar(1, 10); strings.Contains(got, "░") {
		t.Fatalf("full progress should have no empty cells: %q", got)
	}
}

func TestUpdateRecordsEventsAndQuitsOnDone(t *testing.T) {
	events := make(chan orchestrator.Event, 1)
	m := New(events)

	next, cmd := m.Update(eventMsg{Phase: orchestrator.PhaseSin, Message: "boot.sin"})
	m = next.(Model)
	if m.phase != orchestrator.PhaseSin || m.message != "boot.sin" {
		t.Fatalf("unexpected model state: %+v", m)
	}
	if cmd == nil {
		t.Fatal("expected a follow-up command to keep waiting for events")
	}

	next, cmd = m.Update(eventMsg{Phase: orchestrator.PhaseDone, Message: "ok", Err: errors.New("boom")})
	m = next.(Model)
	if !m.done || m.errMsg == "" {
		t.Fatalf("expected done=true and a recorded error, got %+v", m)
	}
	if cmd == nil {
		t.Fatal("expected tea.Quit to be returned")
	}
	msg := cmd()
	if _, ok := msg.(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg, got %T", msg)
	}
}

func TestViewRendersCurrentPhase(t *testing.T) {
	m := New(nil)
	m.phase = orchestrator.PhaseSin
	m.message = "flashing boot.sin"
	out := m.View()
	if !strings.Contains(out, "flashing boot.sin") {
		t.Fatalf("view missing message:\n%s", out)
	}
}
