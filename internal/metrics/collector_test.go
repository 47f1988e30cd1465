package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	fserrors "github.com/donkomura/fsspec-chfs/pkg/errors"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "chfs",
			Subsystem: "test",
		}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9090 {
			t.Errorf("default port = %d, want 9090", collector.config.Port)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
		if collector.config.Namespace != "chfs" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "chfs")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		collector.RecordOperation("cat", time.Millisecond, 10, nil)
		collector.UpdateActiveSessions(3)
		if n := len(collector.Operations()); n != 0 {
			t.Errorf("disabled collector recorded %d operations", n)
		}
		if err := collector.Start(context.Background()); err != nil {
			t.Errorf("Start() on disabled collector = %v", err)
		}
		if collector.Addr() != "" {
			t.Errorf("disabled collector listening on %q", collector.Addr())
		}
	})
}

func TestRecordOperation(t *testing.T) {
	collector, err := NewCollector(&Config{Enabled: true, Namespace: "chfs"})
	if err != nil {
		t.Fatal(err)
	}

	collector.RecordOperation("pipe", 10*time.Millisecond, 100, nil)
	collector.RecordOperation("pipe", 30*time.Millisecond, 300, nil)
	collector.RecordOperation("cat", time.Millisecond, 0,
		fserrors.NewError(fserrors.ErrCodeNotFound, "missing"))

	ops := collector.Operations()
	pipe, ok := ops["pipe"]
	if !ok {
		t.Fatal("pipe not recorded")
	}
	if pipe.Count != 2 {
		t.Errorf("pipe count = %d, want 2", pipe.Count)
	}
	if pipe.TotalSize != 400 {
		t.Errorf("pipe total size = %d, want 400", pipe.TotalSize)
	}
	if pipe.AvgDuration != 20*time.Millisecond {
		t.Errorf("pipe avg duration = %v, want 20ms", pipe.AvgDuration)
	}
	if pipe.AvgSize != 200 {
		t.Errorf("pipe avg size = %v, want 200", pipe.AvgSize)
	}
	if ops["cat"].Errors != 1 {
		t.Errorf("cat errors = %d, want 1", ops["cat"].Errors)
	}

	body := scrape(t, collector)
	for _, want := range []string{
		`chfs_operations_total{operation="pipe",status="success"} 2`,
		`chfs_operations_total{operation="cat",status="error"} 1`,
		`chfs_errors_total{code="NOT_FOUND",operation="cat"} 1`,
		`chfs_operation_size_bytes_count{operation="pipe"} 2`,
		`chfs_operation_duration_seconds_count{operation="cat"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"taxonomy code", fserrors.NewError(fserrors.ErrCodeSessionError, "down"), "SESSION_ERROR"},
		{"wrapped", fserrors.Session("connect", errors.New("refused")), "SESSION_ERROR"},
		{"plain error", errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActiveSessions(t *testing.T) {
	collector, err := NewCollector(&Config{Enabled: true, Namespace: "chfs"})
	if err != nil {
		t.Fatal(err)
	}

	collector.TrackSessions(func() int { return 4 })
	collector.updatePeriodicMetrics()

	if body := scrape(t, collector); !strings.Contains(body, "chfs_active_sessions 4") {
		t.Errorf("active sessions gauge not updated:\n%s", body)
	}
}

func TestResetMetrics(t *testing.T) {
	collector, err := NewCollector(nil)
	if err != nil {
		t.Fatal(err)
	}
	collector.RecordOperation("ls", time.Millisecond, 0, nil)
	collector.ResetMetrics()

	if n := len(collector.Operations()); n != 0 {
		t.Errorf("operations after reset = %d, want 0", n)
	}
	if body := scrape(t, collector); !strings.Contains(body, `chfs_operations_total{operation="ls",status="success"} 1`) {
		t.Error("prometheus counters should survive reset")
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	collector, err := NewCollector(&Config{Enabled: true, Port: 0, Namespace: "chfs", UpdateInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer collector.Stop(ctx)

	collector.RecordOperation("touch", time.Millisecond, 0, nil)

	_, port, err := net.SplitHostPort(collector.Addr())
	if err != nil {
		t.Fatal(err)
	}
	base := "http://127.0.0.1:" + port
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/debug/operations")
	if err != nil {
		t.Fatalf("GET /debug/operations: %v", err)
	}
	defer resp.Body.Close()
	var doc struct {
		Operations []struct {
			Name  string `json:"name"`
			Count int64  `json:"count"`
		} `json:"operations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Operations) != 1 || doc.Operations[0].Name != "touch" || doc.Operations[0].Count != 1 {
		t.Errorf("unexpected operations: %+v", doc.Operations)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "chfs_operations_total") {
		t.Error("/metrics missing operations_total")
	}
}

func TestStopWithoutStart(t *testing.T) {
	collector, err := NewCollector(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := collector.Stop(context.Background()); err != nil {
		t.Errorf("Stop() without Start() = %v, want nil", err)
	}
}
