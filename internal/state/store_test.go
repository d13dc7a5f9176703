package state

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testRun(id string, start time.Time) Run {
	return Run{
		RunID:        id,
		Command:      CommandBuild,
		PipelineHash: "ph-abc",
		StartTime:    start,
		Mode:         CacheModeCached,
		Status:       RunStatusRunning,
	}
}

func TestStore_SaveAndLoadRun(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	run := testRun("run-1", time.Unix(100, 0).UTC())
	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "runs", "run-1", "run.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"previous_run_id": null`) || !strings.Contains(string(data), `"end_time": null`) {
		t.Fatalf("expected nullable fields to be present; got: %s", data)
	}

	loaded, err := store.LoadRun("run-1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if loaded.PipelineHash != "ph-abc" || !loaded.StartTime.Equal(run.StartTime) {
		t.Fatalf("loaded run mismatch: %+v", loaded)
	}
}

func TestStore_RejectsInvalidRun(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	run := testRun("", time.Time{})
	run.Command = "deploy"
	err := store.SaveRun(run)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"run_id is required", "invalid command", "start_time is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestStore_LoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	if err := store.SaveRun(testRun("r", time.Unix(1, 0).UTC())); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	p := filepath.Join(dir, "runs", "r", "run.json")
	data, _ := os.ReadFile(p)
	data = []byte(strings.Replace(string(data), "{", `{"surprise": 1,`, 1))
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadRun("r"); err == nil {
		t.Fatal("expected strict decoding to reject unknown fields")
	}
}

func TestStore_StepsRoundTrip(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	steps := []StepRecord{
		{Index: 0, Name: "from", Kind: "from", State: "CACHED", Key: "k0"},
		{Index: 1, Name: "deps", Kind: "pip", State: "FAILED", Key: "k1", ExitCode: 1, DurationMS: 1200},
		{Index: 2, Name: "server", Kind: "cmd", State: "SKIPPED"},
	}
	if err := store.SaveSteps("r", steps); err != nil {
		t.Fatalf("SaveSteps: %v", err)
	}
	got, err := store.LoadSteps("r")
	if err != nil {
		t.Fatalf("LoadSteps: %v", err)
	}
	if len(got) != 3 || got[1].ExitCode != 1 || got[2].State != "SKIPPED" {
		t.Fatalf("steps mismatch: %+v", got)
	}
	if err := store.SaveSteps("r", []StepRecord{{Index: -1}}); err == nil {
		t.Fatal("expected validation error for bad step record")
	}
}

func TestStore_LoadFailureMissingIsNotExist(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	if err := store.SaveRun(testRun("ok", time.Unix(1, 0).UTC())); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if _, err := store.LoadFailure("ok"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestStore_HistoryMostRecentFirst(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	base := time.Unix(1000, 0).UTC()
	for i, id := range []string{"c", "a", "b"} {
		if err := store.SaveRun(testRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}
	step := "deps"
	if err := store.SaveFailure("a", Failure{FailureClass: FailureClassStep, Step: &step, ErrorCode: "DependencyInstallFailed", ErrorMessage: "exit 1", ExitCode: 1}); err != nil {
		t.Fatalf("SaveFailure: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(store.runsRootDir(), "garbage"), 0o755); err != nil {
		t.Fatal(err)
	}

	hist, err := store.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var ids []string
	for _, h := range hist {
		ids = append(ids, h.Run.RunID)
	}
	if strings.Join(ids, ",") != "b,a,c" {
		t.Fatalf("order = %v", ids)
	}
	if hist[1].Failure == nil || hist[1].Failure.ErrorCode != "DependencyInstallFailed" {
		t.Fatalf("expected failure attached to run a: %+v", hist[1])
	}

	limited, _ := store.History(1)
	if len(limited) != 1 || limited[0].Run.RunID != "b" {
		t.Fatalf("limited = %+v", limited)
	}
}
