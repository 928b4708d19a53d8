package taskfiber_test

import (
	"context"
	"testing"
	"time"

	taskfiber "github.com/Swind/go-taskfiber"
	"github.com/Swind/go-taskfiber/core"
)

// TestFacade_SpawnSleepYield exercises the root re-exports end to end.
func TestFacade_SpawnSleepYield(t *testing.T) {
	var ran bool
	err := taskfiber.Run(func(ctx context.Context) {
		taskfiber.Spawn(ctx, func(ctx context.Context) {
			taskfiber.Sleep(ctx, 5*time.Millisecond)
			ran = true
		})
		taskfiber.Yield(ctx)
	}, &core.ProcConfig{Name: "facade", Logger: core.NewNoOpLogger()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !ran {
		t.Error("spawned task did not run")
	}
}

// TestFacade_QutexAndDeadline combines the re-exported sync types.
func TestFacade_QutexAndDeadline(t *testing.T) {
	var held bool
	err := taskfiber.Run(func(ctx context.Context) {
		var q taskfiber.Qutex
		q.Lock(ctx)
		held = true
		dl := taskfiber.NewDeadline(ctx, 100*time.Millisecond)
		defer dl.Cancel()
		q.Unlock(ctx)
	}, &core.ProcConfig{Name: "facade-sync", Logger: core.NewNoOpLogger()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !held {
		t.Error("qutex was never held")
	}
}
