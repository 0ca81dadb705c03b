package api

import (
	"context"
	"testing"
	"time"

	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/store/memory"
)

func newTestScheduler(t *testing.T) *ReconciliationScheduler {
	t.Helper()
	log := discardLogger()
	return NewReconciliationScheduler(fleet.New(memory.New(), fleet.WithLogger(log)), log)
}

func TestRuns_DoesNotWaitForPass(t *testing.T) {
	rs := newTestScheduler(t)
	if _, err := rs.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// Hold the pass lock as a long-running pass would.
	rs.passMu.Lock()
	defer rs.passMu.Unlock()

	done := make(chan []ReconcileRun, 1)
	go func() { done <- rs.Runs() }()

	select {
	case runs := <-done:
		if len(runs) != 1 {
			t.Fatalf("Expected 1 run, got %d", len(runs))
		}
		if runs[0].Trigger != "manual" {
			t.Errorf("Expected manual trigger, got %s", runs[0].Trigger)
		}
	case <-time.After(time.Second):
		t.Fatal("Runs blocked behind a pass in progress")
	}
}

func TestRuns_KeepsNewestFirst(t *testing.T) {
	rs := newTestScheduler(t)
	for i := 0; i < maxRuns+3; i++ {
		rs.record(ReconcileRun{ID: string(rune('a' + i)), Trigger: "manual"})
	}

	runs := rs.Runs()

	if len(runs) != maxRuns {
		t.Fatalf("Expected %d runs, got %d", maxRuns, len(runs))
	}
	if want := string(rune('a' + maxRuns + 2)); runs[0].ID != want {
		t.Errorf("Expected newest run %s first, got %s", want, runs[0].ID)
	}
	if want := string(rune('a' + 3)); runs[len(runs)-1].ID != want {
		t.Errorf("Expected oldest kept run %s last, got %s", want, runs[len(runs)-1].ID)
	}
}
