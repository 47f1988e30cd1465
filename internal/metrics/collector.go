package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/donkomura/fsspec-chfs/pkg/errors"
)

// Collector records filesystem operations as Prometheus metrics and keeps a
// per-operation summary for the debug endpoint. It implements
// fsspec.Recorder.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	activeSessions    prometheus.Gauge

	operations map[string]*OperationMetrics
	lastReset  time.Time

	// sessions, if set, is polled every UpdateInterval.
	sessions func() int

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// Config represents metrics configuration
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	Namespace      string        `yaml:"namespace"`
	Subsystem      string        `yaml:"subsystem"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Port:           9090,
		Path:           "/metrics",
		Namespace:      "chfs",
		UpdateInterval: 15 * time.Second,
	}
}

// OperationMetrics summarizes one operation name.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a collector. A disabled collector records nothing.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	c := &Collector{
		config:     config,
		logger:     slog.Default().With("component", "metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// TrackSessions sets the live-session source sampled by the update loop.
func (c *Collector) TrackSessions(fn func() int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = fn
}

// Handler serves the Prometheus exposition of the collector's registry.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint and starts the update loop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port %d: %w", c.config.Port, err)
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.listener = ln
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", "error", err)
		}
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	if c.config.UpdateInterval > 0 {
		go c.updateLoop(loopCtx)
	}

	c.logger.Info("metrics endpoint started", "addr", ln.Addr().String(), "path", c.config.Path)
	return nil
}

// Addr returns the address the endpoint listens on, or "" before Start.
func (c *Collector) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop shuts the endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one completed operation. A nil err counts as
// success; failures are also counted by error code.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, err error) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if err != nil {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
	if err != nil {
		c.errorCounter.With(prometheus.Labels{"operation": operation, "code": classifyError(err)}).Inc()
	}
}

// UpdateActiveSessions sets the live-session gauge.
func (c *Collector) UpdateActiveSessions(n int) {
	if !c.config.Enabled {
		return
	}
	c.activeSessions.Set(float64(n))
}

// Operations returns a copy of the per-operation summaries.
func (c *Collector) Operations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the summaries. Prometheus counters are cumulative and
// are not reset.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operations_total",
			Help:      "Total number of filesystem operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operation_size_bytes",
			Help:      "Bytes moved by filesystem operations",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 12), // 64B to 256MiB
		},
		[]string{"operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of failed operations by error code",
		},
		[]string{"operation", "code"},
	)

	c.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "active_sessions",
			Help:      "Number of live storage sessions",
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.errorCounter,
		c.activeSessions,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// classifyError returns the taxonomy code of err, or "other" for errors
// outside the taxonomy.
func classifyError(err error) string {
	code := errors.GetCode(err)
	if code == "" {
		return "other"
	}
	return string(code)
}

func (c *Collector) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.updatePeriodicMetrics()
		}
	}
}

func (c *Collector) updatePeriodicMetrics() {
	c.mu.RLock()
	fn := c.sessions
	c.mu.RUnlock()

	if fn != nil {
		c.UpdateActiveSessions(fn())
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"chfs-metrics"}`))
}

type operationSummary struct {
	Name string `json:"name"`
	OperationMetrics
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	ops := c.Operations()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	summary := make([]operationSummary, 0, len(names))
	for _, name := range names {
		summary = append(summary, operationSummary{Name: name, OperationMetrics: ops[name]})
	}

	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"uptime":     time.Since(lastReset).String(),
		"last_reset": lastReset,
		"operations": summary,
	})
}
