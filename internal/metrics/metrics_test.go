package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	before := testutil.ToFloat64(stepsTotal.WithLabelValues("pip", "COMPLETED"))
	RecordStep("pip", "COMPLETED", 2*time.Second)
	RecordStep("cmd", "SKIPPED", 0)
	RecordBuild(false)
	RecordCacheOp("redis", "get", "hit")
	RecordCacheBytes("redis", "read", 512)
	RecordCacheBytes("redis", "read", 0)
	SetServerReady(true)
	RecordServerExit("app_import")

	if v := testutil.ToFloat64(stepsTotal.WithLabelValues("pip", "COMPLETED")); v != before+1 {
		t.Fatalf("steps: %v", v)
	}
	if v := testutil.ToFloat64(buildsTotal.WithLabelValues("failure")); v < 1 {
		t.Fatalf("builds: %v", v)
	}
	if v := testutil.ToFloat64(cacheBytes.WithLabelValues("redis", "read")); v != 512 {
		t.Fatalf("cache bytes: %v", v)
	}
	if v := testutil.ToFloat64(serverReady); v != 1 {
		t.Fatalf("ready: %v", v)
	}
	SetServerReady(false)
	if v := testutil.ToFloat64(serverReady); v != 0 {
		t.Fatalf("ready after reset: %v", v)
	}
	if n := testutil.CollectAndCount(stepDuration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("test")

	p := filepath.Join(t.TempDir(), "voxprov.prom")
	if err := WriteTextfile(p, reg); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `voxprov_build_info{version="test"} 1`) {
		t.Fatalf("unexpected textfile:\n%s", data)
	}
}
