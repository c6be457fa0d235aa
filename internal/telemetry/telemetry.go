// Package telemetry pushes run metrics to a Prometheus Pushgateway.
// The CLI is a short-lived batch process that cannot be scraped, so the
// final state of each run is pushed instead.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
	"github.com/bihealth/hpc-access-cli/internal/config"
)

// Recorder collects the metrics of one run and pushes them out.
type Recorder struct {
	operations  *prometheus.CounterVec
	lastRun     prometheus.Gauge
	lastSuccess prometheus.Gauge
	duration    prometheus.Gauge

	pusher *push.Pusher
	logger *zap.Logger
}

// NewRecorder creates a recorder that pushes to the configured
// pushgateway, grouped by command and instance hostname so the
// commands do not overwrite each other's run gauges. Metrics live in
// a private registry so repeated construction stays safe.
func NewRecorder(cfg config.TelemetryConfig, command string, logger *zap.Logger) *Recorder {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hpcaccess_sync_operations_total",
			Help: "Reconciliation operations of the run by kind and operation.",
		}, []string{"kind", "operation"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hpcaccess_sync_last_run_timestamp_seconds",
			Help: "Unix time of the last completed run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hpcaccess_sync_last_run_success",
			Help: "Whether the last run succeeded (1) or failed (0).",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hpcaccess_sync_last_run_duration_seconds",
			Help: "Wall clock duration of the last run.",
		}),
		logger: logger.Named("telemetry"),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(r.operations, r.lastRun, r.lastSuccess, r.duration)

	r.pusher = push.New(cfg.PushgatewayURL, cfg.JobName).
		Gatherer(registry).
		Grouping("command", command)
	if hostname, err := os.Hostname(); err == nil {
		r.pusher = r.pusher.Grouping("instance", hostname)
	}
	return r
}

// ObserveOperations counts the reconciliation operations of the run.
func (r *Recorder) ObserveOperations(ops *records.OperationsContainer) {
	for _, op := range ops.LdapGroupOps {
		r.operations.WithLabelValues("ldap_group", string(op.Operation)).Inc()
	}
	for _, op := range ops.LdapUserOps {
		r.operations.WithLabelValues("ldap_user", string(op.Operation)).Inc()
	}
	for _, op := range ops.FsOps {
		r.operations.WithLabelValues("fs", string(op.Operation)).Inc()
	}
}

// ObserveRun stamps the outcome gauges of a run that started at start.
func (r *Recorder) ObserveRun(start time.Time, runErr error) {
	r.lastRun.SetToCurrentTime()
	r.duration.Set(time.Since(start).Seconds())
	if runErr == nil {
		r.lastSuccess.Set(1)
	} else {
		r.lastSuccess.Set(0)
	}
}

// Push sends the collected metrics to the pushgateway. Metrics of other
// jobs in the same group are left alone.
func (r *Recorder) Push(ctx context.Context) error {
	if err := r.pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	r.logger.Debug("pushed metrics to pushgateway")
	return nil
}
