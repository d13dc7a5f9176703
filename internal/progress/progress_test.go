package progress

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxprov/internal/core"
	"voxprov/internal/pipeline"
)

func TestDisabledManagerIsNoop(t *testing.T) {
	m := NewManager(Config{Enabled: false})
	b := m.CreateBar(3, "image", nil)
	b.Increment()
	b.Complete()
	b.Abort()
	m.Wait()
	m.Shutdown()
}

func TestBuildObserver_CountsTerminalSteps(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(Config{Enabled: true, Writer: &buf})
	o := NewBuildObserver(m, "voice-backend", 3)

	steps := []core.Step{{Name: "from"}, {Name: "deps"}, {Name: "source"}}
	states := []pipeline.StepState{pipeline.StepCached, pipeline.StepCompleted, pipeline.StepCompleted}
	for i, s := range steps {
		o.OnStepStart(i, s)
		o.OnStepTerminal(i, s, states[i], nil, 0)
	}
	o.Finish()
	assert.Equal(t, 3, o.Done())
}

func TestBuildObserver_FailureAbortsBar(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(Config{Enabled: true, Writer: &buf})
	o := NewBuildObserver(m, "voice-backend", 3)

	o.OnStepStart(0, core.Step{Name: "deps"})
	o.OnStepTerminal(0, core.Step{Name: "deps"}, pipeline.StepFailed, nil, 0)
	o.OnStepTerminal(1, core.Step{Name: "source"}, pipeline.StepSkipped, nil, 0)
	o.Finish()
	assert.Equal(t, 2, o.Done())
}

func TestIsTTY(t *testing.T) {
	assert.False(t, IsTTY(nil))
	assert.False(t, IsTTY(&bytes.Buffer{}))

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, IsTTY(f))
	assert.True(t, ShouldShowProgress(true))
}
