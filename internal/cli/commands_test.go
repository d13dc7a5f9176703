package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxprov/internal/state"
	"voxprov/internal/verify"
)

func newCompanion(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

type stubProber struct{ missing string }

func (p stubProber) LookPath(_ context.Context, name string) (string, error) {
	if name == p.missing {
		return "", errors.New("not found")
	}
	return "/usr/bin/" + name, nil
}

func (stubProber) PythonVersion(context.Context) (string, error)         { return "3.10.12", nil }
func (stubProber) ModuleVersion(context.Context, string) (string, error) { return "99.0.0", nil }
func (stubProber) Import(context.Context, string) error                  { return nil }
func (stubProber) DirExists(context.Context, string) (bool, error)       { return true, nil }
func (stubProber) LoadModel(context.Context, string) error               { return nil }

func TestVerify_Healthy(t *testing.T) {
	ws := newWorkspace(t)
	report, err := ws.session(ws.config()).verifyWith(context.Background(), stubProber{}, VerifyRequest{})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Contains(t, ws.Stdout.String(), "0 failed")
}

func TestVerify_MissingBinaryExitsOne(t *testing.T) {
	ws := newWorkspace(t)
	report, err := ws.session(ws.config()).verifyWith(context.Background(), stubProber{missing: "ffmpeg"}, VerifyRequest{JSON: true})
	require.Error(t, err)
	assert.Equal(t, ExitStepFailure, ExitCode(err))
	require.Len(t, report.Failed(), 1)

	var decoded verify.Report
	require.NoError(t, json.Unmarshal(ws.Stdout.Bytes(), &decoded))
	assert.Len(t, decoded.Results, len(report.Results))
}

func TestVerify_WithoutImage(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.session(ws.config()).Verify(context.Background(), VerifyRequest{})
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

func TestHistory_ListsRuns(t *testing.T) {
	ws := newWorkspace(t)
	cfg := ws.config()
	_, err := ws.session(cfg).Build(context.Background(), BuildRequest{})
	require.NoError(t, err)
	ws.write(t, "requirements.txt", "nonexistent-package==0.0.0\n")
	_, err = ws.session(cfg).Build(context.Background(), BuildRequest{})
	require.Error(t, err)

	ws.Stdout.Reset()
	runs, err := ws.session(cfg).History(HistoryRequest{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, state.RunStatusFailed, runs[0].Run.Status)
	require.NotNil(t, runs[0].Failure)
	assert.Equal(t, state.RunStatusSucceeded, runs[1].Run.Status)
	out := ws.Stdout.String()
	assert.Contains(t, out, "COMMAND")
	assert.Contains(t, out, "step/DependencyInstallFailed step=deps")

	ws.Stdout.Reset()
	_, err = ws.session(cfg).History(HistoryRequest{Limit: 1, JSON: true})
	require.NoError(t, err)
	var decoded []state.RunSummary
	require.NoError(t, json.Unmarshal(ws.Stdout.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, runs[0].Run.RunID, decoded[0].Run.RunID)
}

func TestHistory_Empty(t *testing.T) {
	ws := newWorkspace(t)
	runs, err := ws.session(ws.config()).History(HistoryRequest{JSON: true})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.JSONEq(t, "[]", ws.Stdout.String())
}

func TestPlan_ReportsCacheHitsAfterBuild(t *testing.T) {
	ws := newWorkspace(t)
	cfg := ws.config()

	before, err := ws.session(cfg).Plan(context.Background(), PlanRequest{})
	require.NoError(t, err)
	require.Len(t, before, 8)
	for _, r := range before {
		assert.False(t, r.Cached, r.Name)
	}

	_, err = ws.session(cfg).Build(context.Background(), BuildRequest{})
	require.NoError(t, err)

	ws.Stdout.Reset()
	after, err := ws.session(cfg).Plan(context.Background(), PlanRequest{JSON: true})
	require.NoError(t, err)
	for i, r := range after {
		assert.True(t, r.Cached, r.Name)
		assert.Equal(t, before[i].Key, r.Key, r.Name)
	}
	var decoded []PlannedStep
	require.NoError(t, json.Unmarshal(ws.Stdout.Bytes(), &decoded))
	assert.Equal(t, after, decoded)
}

func TestRender_WritesDockerfile(t *testing.T) {
	ws := newWorkspace(t)
	out := filepath.Join(ws.Out, "docker", "Dockerfile")
	require.NoError(t, ws.session(ws.config()).Render(out))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), "FROM python:3.10-slim")
	assert.Contains(t, string(b), "WORKDIR /app")
	assert.Contains(t, string(b), "EXPOSE 8765")
	assert.Contains(t, string(b), `CMD ["uvicorn","api.server:app","--host","0.0.0.0","--port","8765"]`)
}

func TestRender_Stdout(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, ws.session(ws.config()).Render(""))
	assert.Contains(t, ws.Stdout.String(), "FROM python:3.10-slim")
}
