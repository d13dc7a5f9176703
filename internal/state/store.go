package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store persists run records under <stateDir>/runs/<run-id>/:
//
//	run.json      Run
//	steps.json    []StepRecord
//	failure.json  Failure, only for failed runs
//
// Every write is atomic and durable (file sync, rename, dir sync).
type Store struct {
	stateDir string
}

func NewStore(stateDir string) (*Store, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state dir is required")
	}
	return &Store{stateDir: stateDir}, nil
}

func (s *Store) runsRootDir() string {
	return filepath.Join(s.stateDir, "runs")
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.runsRootDir(), runID)
}

// ListRunIDs returns the run IDs on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && strings.TrimSpace(e.Name()) != "" {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	return s.writeJSON(run.RunID, "run.json", run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if err := s.readJSON(runID, "run.json", &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

func (s *Store) SaveSteps(runID string, steps []StepRecord) error {
	var errs []error
	for i, st := range steps {
		if err := st.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("steps[%d]: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid steps: %w", err)
	}
	if steps == nil {
		steps = []StepRecord{}
	}
	return s.writeJSON(runID, "steps.json", steps)
}

func (s *Store) LoadSteps(runID string) ([]StepRecord, error) {
	var steps []StepRecord
	if err := s.readJSON(runID, "steps.json", &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *Store) SaveFailure(runID string, failure Failure) error {
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	return s.writeJSON(runID, "failure.json", failure)
}

// LoadFailure returns the run's failure. The error wraps fs.ErrNotExist when
// the run did not fail.
func (s *Store) LoadFailure(runID string) (Failure, error) {
	var failure Failure
	if err := s.readJSON(runID, "failure.json", &failure); err != nil {
		return Failure{}, err
	}
	if err := failure.Validate(); err != nil {
		return Failure{}, fmt.Errorf("invalid failure on disk: %w", err)
	}
	return failure, nil
}

// RunSummary pairs a run with its failure, if any.
type RunSummary struct {
	Run     Run      `json:"run"`
	Failure *Failure `json:"failure,omitempty"`
}

// History returns up to limit runs, most recent first. A limit <= 0 means
// all runs. Unreadable run directories are skipped.
func (s *Store) History(limit int) ([]RunSummary, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, 0, len(ids))
	for _, id := range ids {
		run, err := s.LoadRun(id)
		if err != nil {
			continue
		}
		sum := RunSummary{Run: run}
		if f, err := s.LoadFailure(id); err == nil {
			sum.Failure = &f
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Run.StartTime.After(out[j].Run.StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Latest returns the most recent run of the given command.
func (s *Store) Latest(cmd Command) (Run, bool, error) {
	hist, err := s.History(0)
	if err != nil {
		return Run{}, false, err
	}
	for _, h := range hist {
		if h.Run.Command == cmd {
			return h.Run, true, nil
		}
	}
	return Run{}, false, nil
}

func (s *Store) writeJSON(runID, name string, v any) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	dir := s.runDir(runID)
	if err := ensureDirDurable(dir, 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := jsonMarshalStable(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := writeFileAtomicDurable(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Store) readJSON(runID, name string, dst any) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	return readJSONStrict(filepath.Join(s.runDir(runID), name), dst)
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("decoding %s: trailing content", filepath.Base(path))
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	if parent := filepath.Dir(dir); parent != dir {
		return fsyncDir(parent)
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
