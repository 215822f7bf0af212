package runstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRun(id string) *Run {
	return &Run{
		ID:           id,
		ModuleID:     "mod-1",
		Method:       "deploy",
		InstanceName: "default",
		Params:       map[string]any{"target": "prod", "retries": float64(3)},
		SessionID:    "sess-1",
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	run := newTestRun("run-1")
	if err := s.Create(run); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("status = %s, want %s", got.Status, StatusRunning)
	}
	if got.Method != "deploy" || got.InstanceName != "default" || got.SessionID != "sess-1" {
		t.Fatalf("run fields did not round trip: %+v", got)
	}
	if got.Params["target"] != "prod" || got.Params["retries"] != float64(3) {
		t.Fatalf("params did not round trip: %v", got.Params)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not recorded")
	}
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(ghost) = %v, want ErrNotFound", err)
	}
	if err := s.SetStatus("ghost", StatusRunning); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetStatus(ghost) = %v, want ErrNotFound", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(newTestRun("run-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.SetStatus("run-1", StatusWaitingInput); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := s.Get("run-1")
	if got.Status != StatusWaitingInput {
		t.Fatalf("status = %s, want %s", got.Status, StatusWaitingInput)
	}

	if err := s.Fail("run-1", "elicitation timed out"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ = s.Get("run-1")
	if got.Status != StatusFailed || got.Error != "elicitation timed out" {
		t.Fatalf("after Fail: status=%s error=%q", got.Status, got.Error)
	}

	if err := s.Complete("run-1", map[string]any{"ok": true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ = s.Get("run-1")
	if got.Status != StatusCompleted || got.Error != "" {
		t.Fatalf("after Complete: status=%s error=%q", got.Status, got.Error)
	}
	result, ok := got.Result.(map[string]any)
	if !ok || result["ok"] != true {
		t.Fatalf("result did not round trip: %v", got.Result)
	}
}

func TestCheckpointsOrderedByStep(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(newTestRun("run-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	values := []any{"yes", float64(42), map[string]any{"pick": "blue"}}
	for i, v := range values {
		cp := Checkpoint{RunID: "run-1", Step: i + 1, Kind: "text", Value: v}
		if err := s.AppendCheckpoint(cp); err != nil {
			t.Fatalf("AppendCheckpoint(%d): %v", i+1, err)
		}
	}

	got, err := s.Checkpoints("run-1")
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if len(got) != len(values) {
		t.Fatalf("got %d checkpoints, want %d", len(got), len(values))
	}
	for i, cp := range got {
		if cp.Step != i+1 {
			t.Fatalf("checkpoint %d has step %d, want %d", i, cp.Step, i+1)
		}
	}
	if got[0].Value != "yes" || got[1].Value != float64(42) {
		t.Fatalf("checkpoint values did not round trip: %v, %v", got[0].Value, got[1].Value)
	}
	if nested, ok := got[2].Value.(map[string]any); !ok || nested["pick"] != "blue" {
		t.Fatalf("nested checkpoint value did not round trip: %v", got[2].Value)
	}

	if empty, err := s.Checkpoints("other"); err != nil || len(empty) != 0 {
		t.Fatalf("Checkpoints(other) = (%v, %v), want empty", empty, err)
	}
}

func TestDuplicateCheckpointStepRejected(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(newTestRun("run-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	cp := Checkpoint{RunID: "run-1", Step: 1, Kind: "text", Value: "a"}
	if err := s.AppendCheckpoint(cp); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}
	if err := s.AppendCheckpoint(cp); err == nil {
		t.Fatal("duplicate (run, step) checkpoint should be rejected")
	}
}

func TestListActive(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := s.Create(newTestRun(id)); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	if err := s.SetStatus("run-2", StatusWaitingInput); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := s.Complete("run-3", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active runs, want 2", len(active))
	}
	ids := map[string]bool{}
	for _, run := range active {
		ids[run.ID] = true
	}
	if !ids["run-1"] || !ids["run-2"] {
		t.Fatalf("active runs = %v, want run-1 and run-2", ids)
	}
}

func TestPurgeTerminal(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"done", "broken", "waiting"} {
		if err := s.Create(newTestRun(id)); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	if err := s.AppendCheckpoint(Checkpoint{RunID: "done", Step: 1, Kind: "text", Value: "x"}); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}
	if err := s.Complete("done", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Fail("broken", "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := s.SetStatus("waiting", StatusWaitingInput); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if n, err := s.PurgeTerminal(time.Hour); err != nil || n != 0 {
		t.Fatalf("PurgeTerminal(1h) = (%d, %v), want no purge of recent runs", n, err)
	}

	time.Sleep(20 * time.Millisecond)
	n, err := s.PurgeTerminal(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("PurgeTerminal: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d runs, want 2", n)
	}

	if _, err := s.Get("done"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("completed run still present: %v", err)
	}
	if _, err := s.Get("waiting"); err != nil {
		t.Fatalf("waiting run was purged: %v", err)
	}
	if cps, err := s.Checkpoints("done"); err != nil || len(cps) != 0 {
		t.Fatalf("checkpoints of purged run survived: (%v, %v)", cps, err)
	}
}
