package prometheus

import (
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("taskfiber", reg)
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordTaskSpawned("proc-a")
	exporter.RecordTaskSpawned("proc-a")
	exporter.RecordTaskExited("proc-a")
	exporter.RecordContextSwitch("proc-a")
	exporter.RecordRunQueueDepth("proc-a", 5)
	exporter.RecordPollWakeup("proc-a", "io")
	exporter.RecordTimeoutFired("proc-a")
	exporter.RecordAcceptRetry("echo", "resource-exhausted")

	if got := testutil.ToFloat64(exporter.taskSpawnedTotal.WithLabelValues("proc-a")); got != 2 {
		t.Fatalf("spawned total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exporter.taskExitedTotal.WithLabelValues("proc-a")); got != 1 {
		t.Fatalf("exited total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.runQueueDepth.WithLabelValues("proc-a")); got != 5 {
		t.Fatalf("runqueue depth = %v, want 5", got)
	}
	if got := testutil.ToFloat64(exporter.pollWakeupTotal.WithLabelValues("proc-a", "io")); got != 1 {
		t.Fatalf("poll wakeup total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.acceptRetryTotal.WithLabelValues("echo", "resource-exhausted")); got != 1 {
		t.Fatalf("accept retry total = %v, want 1", got)
	}
}

func TestMetricsExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("taskfiber", reg)
	if err != nil {
		t.Fatalf("first NewMetricsExporter failed: %v", err)
	}
	second, err := NewMetricsExporter("taskfiber", reg)
	if err != nil {
		t.Fatalf("second NewMetricsExporter failed: %v", err)
	}

	first.RecordTimeoutFired("proc-a")
	second.RecordTimeoutFired("proc-a")

	if got := testutil.ToFloat64(second.timeoutFiredTotal.WithLabelValues("proc-a")); got != 2 {
		t.Fatalf("shared timeout total = %v, want 2 after reuse", got)
	}
}

func TestMetricsExporter_EmptyLabelsNormalized(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("taskfiber", reg)
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordTaskSpawned("")
	if got := testutil.ToFloat64(exporter.taskSpawnedTotal.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("normalized label total = %v, want 1", got)
	}
}
