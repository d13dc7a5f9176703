package launch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxprov/internal/core"
)

// TestHelperProcess is not a real test. It is re-executed by the launcher
// tests to play the part of the backend server.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: -- mode port")
		os.Exit(2)
	}
	mode, port := args[1], args[2]

	switch mode {
	case "serve":
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		fmt.Fprintln(os.Stderr, "INFO:     Uvicorn running on http://127.0.0.1:"+port)
		if err := http.ListenAndServe("127.0.0.1:"+port, mux); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "import-fail":
		fmt.Fprintln(os.Stderr, `ERROR:    Error loading ASGI app. Could not import module "api.server".`)
		os.Exit(1)
	case "import-fail-hang":
		fmt.Fprintln(os.Stderr, `ERROR:    Error loading ASGI app. Attribute "app" not found in module "api.server".`)
		time.Sleep(time.Minute)
	case "serve-then-import-fail":
		mux := http.NewServeMux()
		go func() { _ = http.ListenAndServe("127.0.0.1:"+port, mux) }()
		time.Sleep(time.Second)
		fmt.Fprintln(os.Stderr, `ERROR:    Error loading ASGI app. Attribute "app" not found in module "api.server".`)
		time.Sleep(time.Minute)
	case "bind-then-import-fail":
		ln, err := net.Listen("tcp", "127.0.0.1:"+port)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer ln.Close()
		time.Sleep(500 * time.Millisecond)
		fmt.Fprintln(os.Stderr, `ERROR:    Error loading ASGI app. Could not import module "api.server".`)
		time.Sleep(time.Minute)
	case "crash":
		fmt.Fprintln(os.Stderr, "RuntimeError: boom")
		os.Exit(3)
	case "never-ready":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func helperSpec(t *testing.T, mode string, port int) Spec {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return Spec{
		Argv:      []string{exe, "-test.run=^TestHelperProcess$", "--", mode, strconv.Itoa(port)},
		Dir:       "/",
		Env:       map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
		Host:      "127.0.0.1",
		Port:      port,
		Root:      t.TempDir(),
		Isolation: core.IsolationNone,
	}
}

func fastOptions() Options {
	return Options{
		ReadyTimeout: 10 * time.Second,
		StopTimeout:  2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}
}

func TestLauncher_ReadyThenStopped(t *testing.T) {
	port := freePort(t)
	opts := fastOptions()
	opts.HealthPath = "/health"
	l := New(helperSpec(t, "serve", port), opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		exit Exit
		err  error
	}
	out := make(chan result, 1)
	go func() {
		e, err := l.Run(ctx)
		out <- result{e, err}
	}()

	require.Eventually(t, l.Ready, 10*time.Second, 20*time.Millisecond)
	st := l.Status()
	assert.True(t, st.Ready)
	assert.NotZero(t, st.PID)

	cancel()
	select {
	case r := <-out:
		require.NoError(t, r.err)
		assert.Equal(t, ClassStopped, r.exit.Class)
		assert.Equal(t, ExitOK, r.exit.Code)
		assert.False(t, r.exit.BeforeReady)
	case <-time.After(10 * time.Second):
		t.Fatal("launcher did not return after cancel")
	}
	assert.False(t, l.Ready())
}

func TestLauncher_ImportFailure(t *testing.T) {
	l := New(helperSpec(t, "import-fail", freePort(t)), fastOptions())
	e, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ClassAppImport, e.Class)
	assert.Equal(t, ExitAppImport, e.Code)
	assert.True(t, e.BeforeReady)
	assert.Contains(t, e.Diagnostic, "Could not import module")
}

func TestLauncher_ImportFailureWhileSupervisorHangs(t *testing.T) {
	l := New(helperSpec(t, "import-fail-hang", freePort(t)), fastOptions())
	e, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ClassAppImport, e.Class)
	assert.Equal(t, ExitAppImport, e.Code)
}

func TestLauncher_ReloadImportFailureAfterPortBound(t *testing.T) {
	spec := helperSpec(t, "bind-then-import-fail", freePort(t))
	spec.Reload = true
	l := New(spec, fastOptions())

	done := make(chan Exit, 1)
	go func() {
		e, err := l.Run(context.Background())
		assert.NoError(t, err)
		done <- e
	}()
	select {
	case e := <-done:
		assert.Equal(t, ClassAppImport, e.Class)
		assert.Equal(t, ExitAppImport, e.Code)
		assert.True(t, e.BeforeReady)
		assert.Contains(t, e.Diagnostic, "Could not import module")
	case <-time.After(8 * time.Second):
		t.Fatal("launcher did not stop after the import failure")
	}
}

func TestLauncher_ReloadFatalAfterReadyStopsServer(t *testing.T) {
	spec := helperSpec(t, "serve-then-import-fail", freePort(t))
	spec.Reload = true
	l := New(spec, fastOptions())

	e, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitAppImport, e.Code)
	assert.False(t, e.BeforeReady)
}

func TestLauncher_ReloadReadyOnHTTPAnswer(t *testing.T) {
	port := freePort(t)
	spec := helperSpec(t, "serve", port)
	spec.Reload = true
	l := New(spec, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = l.Run(ctx)
	}()
	require.Eventually(t, l.Ready, 10*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}

func TestLauncher_CrashBeforeReady(t *testing.T) {
	l := New(helperSpec(t, "crash", freePort(t)), fastOptions())
	e, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ClassServerExited, e.Class)
	assert.Equal(t, ExitServerExited, e.Code)
	assert.Equal(t, 3, e.ProcessExit)
}

func TestLauncher_ReadyTimeout(t *testing.T) {
	opts := fastOptions()
	opts.ReadyTimeout = 300 * time.Millisecond
	l := New(helperSpec(t, "never-ready", freePort(t)), opts)
	e, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitServerExited, e.Code)
	assert.True(t, e.BeforeReady)
}

func TestLauncher_WaitReadyAfterExit(t *testing.T) {
	l := New(helperSpec(t, "crash", freePort(t)), fastOptions())
	require.NoError(t, l.Start())
	err := l.WaitReady(context.Background())
	assert.ErrorIs(t, err, ErrExitedBeforeReady)
	<-l.Done()
	require.NotNil(t, l.Exit())
}

func TestLauncher_StartTwice(t *testing.T) {
	l := New(helperSpec(t, "crash", freePort(t)), fastOptions())
	require.NoError(t, l.Start())
	assert.Error(t, l.Start())
	<-l.Done()
}

type fakeSource struct {
	ready bool
}

func (f fakeSource) Ready() bool { return f.ready }
func (f fakeSource) Status() Status {
	return Status{PID: 42, Addr: "0.0.0.0:8000", Ready: f.ready}
}

func TestStatusRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "voxprov_test_total"}))

	srv := httptest.NewServer(NewStatusRouter(fakeSource{ready: false}, reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `"pid":42`)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "voxprov_test_total")

	ready := httptest.NewServer(NewStatusRouter(fakeSource{ready: true}, nil))
	defer ready.Close()
	resp, err = http.Get(ready.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ready.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeStatus_ShutsDownOnCancel(t *testing.T) {
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- ServeStatus(ctx, addr, http.NotFoundHandler(), nil)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("status server did not stop")
	}
}
