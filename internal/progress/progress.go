// Package progress renders build progress bars on interactive terminals.
package progress

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"voxprov/internal/core"
	"voxprov/internal/pipeline"
)

type Config struct {
	Enabled bool
	Writer  io.Writer
}

type Manager struct {
	container *mpb.Progress
	enabled   bool
	mu        sync.Mutex
}

type Bar struct {
	bar     *mpb.Bar
	enabled bool
}

func NewManager(config Config) *Manager {
	if !config.Enabled {
		return &Manager{enabled: false}
	}

	writer := config.Writer
	if writer == nil {
		writer = os.Stderr
	}

	container := mpb.New(
		mpb.WithOutput(writer),
		mpb.WithRefreshRate(120*time.Millisecond),
		mpb.WithWaitGroup(&sync.WaitGroup{}),
	)
	return &Manager{container: container, enabled: true}
}

// CreateBar adds a bar whose trailing label is produced by label on every refresh.
func (m *Manager) CreateBar(total int, description string, label func() string) *Bar {
	if !m.enabled || m.container == nil {
		return &Bar{enabled: false}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if label == nil {
		label = func() string { return "" }
	}
	bar := m.container.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(description+" ", decor.WC{W: len(description) + 1, C: decor.DindentRight}),
			decor.CountersNoUnit("(%d/%d)", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.NewPercentage("%.1f", decor.WCSyncSpace),
			decor.OnComplete(
				decor.Any(func(decor.Statistics) string { return label() }, decor.WCSyncSpace), " ✓ ",
			),
		),
	)
	return &Bar{bar: bar, enabled: true}
}

func (b *Bar) Increment() {
	if b.enabled && b.bar != nil {
		b.bar.Increment()
	}
}

// Complete marks the bar finished at its current count.
func (b *Bar) Complete() {
	if b.enabled && b.bar != nil {
		b.bar.SetTotal(b.bar.Current(), true)
	}
}

// Abort stops the bar, leaving it on screen.
func (b *Bar) Abort() {
	if b.enabled && b.bar != nil {
		b.bar.Abort(false)
	}
}

func (m *Manager) Wait() {
	if m.enabled && m.container != nil {
		m.container.Wait()
	}
}

func (m *Manager) Shutdown() {
	if m.enabled && m.container != nil {
		m.container.Shutdown()
	}
}

func IsTTY(writer io.Writer) bool {
	if writer == nil {
		return false
	}
	if file, ok := writer.(*os.File); ok {
		stat, err := file.Stat()
		if err != nil {
			return false
		}
		return (stat.Mode() & os.ModeCharDevice) != 0
	}
	return false
}

func ShouldShowProgress(forced bool) bool {
	if forced {
		return true
	}
	return IsTTY(os.Stderr)
}

// BuildObserver drives one bar across a pipeline run.
type BuildObserver struct {
	manager *Manager
	bar     *Bar
	current atomic.Value
	done    atomic.Int64
	failed  atomic.Bool
}

var _ pipeline.Observer = (*BuildObserver)(nil)

// NewBuildObserver creates a bar sized for steps named after image.
func NewBuildObserver(m *Manager, image string, steps int) *BuildObserver {
	o := &BuildObserver{manager: m}
	o.current.Store("")
	o.bar = m.CreateBar(steps, image, func() string {
		s, _ := o.current.Load().(string)
		return s
	})
	return o
}

func (o *BuildObserver) OnStepStart(_ int, step core.Step) {
	o.current.Store(step.Name)
}

func (o *BuildObserver) OnStepTerminal(_ int, step core.Step, state pipeline.StepState, _ *core.RunResult, _ time.Duration) {
	o.current.Store(step.Name + " " + string(state))
	if state == pipeline.StepFailed {
		o.failed.Store(true)
	}
	o.done.Add(1)
	o.bar.Increment()
}

// Done reports how many steps reached a terminal state.
func (o *BuildObserver) Done() int { return int(o.done.Load()) }

// Finish settles the bar and waits for the final render.
func (o *BuildObserver) Finish() {
	if o.failed.Load() {
		o.bar.Abort()
	} else {
		o.bar.Complete()
	}
	o.manager.Wait()
}
