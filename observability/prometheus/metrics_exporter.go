package prometheus

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-taskfiber/core"
)

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskSpawnedTotal   *prom.CounterVec
	taskExitedTotal    *prom.CounterVec
	contextSwitchTotal *prom.CounterVec
	pollWakeupTotal    *prom.CounterVec
	timeoutFiredTotal  *prom.CounterVec
	acceptRetryTotal   *prom.CounterVec
	runQueueDepth      *prom.GaugeVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "taskfiber"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	spawnedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_spawned_total",
		Help:      "Total number of tasks spawned.",
	}, []string{"proc"})
	exitedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_exited_total",
		Help:      "Total number of tasks exited.",
	}, []string{"proc"})
	switchVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "context_switch_total",
		Help:      "Total number of swaps from the event loop into a task.",
	}, []string{"proc"})
	pollVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "poll_wakeup_total",
		Help:      "Total number of poller wakeups by source.",
	}, []string{"proc", "source"})
	timeoutVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "timeout_fired_total",
		Help:      "Total number of expired timeouts.",
	}, []string{"proc"})
	acceptVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "accept_retry_total",
		Help:      "Total number of accept-loop retries.",
	}, []string{"server", "reason"})
	depthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "runqueue_depth",
		Help:      "Run-queue length at the start of a loop turn.",
	}, []string{"proc"})

	var err error
	if spawnedVec, err = registerCollector(reg, spawnedVec); err != nil {
		return nil, err
	}
	if exitedVec, err = registerCollector(reg, exitedVec); err != nil {
		return nil, err
	}
	if switchVec, err = registerCollector(reg, switchVec); err != nil {
		return nil, err
	}
	if pollVec, err = registerCollector(reg, pollVec); err != nil {
		return nil, err
	}
	if timeoutVec, err = registerCollector(reg, timeoutVec); err != nil {
		return nil, err
	}
	if acceptVec, err = registerCollector(reg, acceptVec); err != nil {
		return nil, err
	}
	if depthVec, err = registerCollector(reg, depthVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskSpawnedTotal:   spawnedVec,
		taskExitedTotal:    exitedVec,
		contextSwitchTotal: switchVec,
		pollWakeupTotal:    pollVec,
		timeoutFiredTotal:  timeoutVec,
		acceptRetryTotal:   acceptVec,
		runQueueDepth:      depthVec,
	}, nil
}

// RecordTaskSpawned counts task creation.
func (m *MetricsExporter) RecordTaskSpawned(procName string) {
	if m == nil {
		return
	}
	m.taskSpawnedTotal.WithLabelValues(normalizeLabel(procName, "unknown")).Inc()
}

// RecordTaskExited counts task completion.
func (m *MetricsExporter) RecordTaskExited(procName string) {
	if m == nil {
		return
	}
	m.taskExitedTotal.WithLabelValues(normalizeLabel(procName, "unknown")).Inc()
}

// RecordContextSwitch counts swaps into tasks.
func (m *MetricsExporter) RecordContextSwitch(procName string) {
	if m == nil {
		return
	}
	m.contextSwitchTotal.WithLabelValues(normalizeLabel(procName, "unknown")).Inc()
}

// RecordRunQueueDepth records run-queue length.
func (m *MetricsExporter) RecordRunQueueDepth(procName string, depth int) {
	if m == nil {
		return
	}
	m.runQueueDepth.WithLabelValues(normalizeLabel(procName, "unknown")).Set(float64(depth))
}

// RecordPollWakeup counts poller wakeups by source.
func (m *MetricsExporter) RecordPollWakeup(procName string, source string) {
	if m == nil {
		return
	}
	m.pollWakeupTotal.WithLabelValues(normalizeLabel(procName, "unknown"), normalizeLabel(source, "unknown")).Inc()
}

// RecordTimeoutFired counts expired timeouts.
func (m *MetricsExporter) RecordTimeoutFired(procName string) {
	if m == nil {
		return
	}
	m.timeoutFiredTotal.WithLabelValues(normalizeLabel(procName, "unknown")).Inc()
}

// RecordAcceptRetry counts accept-loop retries.
func (m *MetricsExporter) RecordAcceptRetry(serverName string, reason string) {
	if m == nil {
		return
	}
	m.acceptRetryTotal.WithLabelValues(normalizeLabel(serverName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
