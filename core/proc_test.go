package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func testConfig(name string) *ProcConfig {
	return &ProcConfig{Name: name, Logger: NewNoOpLogger()}
}

// TestRun_FirstResumptionOrder tests FIFO scheduling
// Given: three tasks spawned A, B, C on one proc
// When: the proc runs them
// Then: their first resumptions happen in spawn order
func TestRun_FirstResumptionOrder(t *testing.T) {
	var order []string
	err := Run(func(ctx context.Context) {
		for _, tag := range []string{"A", "B", "C"} {
			Spawn(ctx, func(ctx context.Context) {
				order = append(order, tag)
			})
		}
	}, testConfig("order"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := strings.Join(order, "")
	if got != "ABC" {
		t.Errorf("first resumption order: got = %q, want %q", got, "ABC")
	}
}

// TestYield_ReturnsSwitchCount verifies the diagnostic switch count:
// with exactly one other runnable task, Yield reports one switch.
func TestYield_ReturnsSwitchCount(t *testing.T) {
	var switchesA, switchesB int
	err := Run(func(ctx context.Context) {
		Spawn(ctx, func(ctx context.Context) {
			switchesA = Yield(ctx)
		})
		Spawn(ctx, func(ctx context.Context) {
			switchesB = Yield(ctx)
		})
	}, testConfig("yield"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if switchesA != 1 {
		t.Errorf("A switch count: got = %d, want 1", switchesA)
	}
	if switchesB != 1 {
		t.Errorf("B switch count: got = %d, want 1", switchesB)
	}
}

// TestRun_TerminatesWhenTasksExit tests scheduler shutdown
// Given: a proc whose tasks all finish
// When: the last non-system task exits
// Then: Run returns
func TestRun_TerminatesWhenTasksExit(t *testing.T) {
	done := make(chan struct{})
	go func() {
		Run(func(ctx context.Context) {
			Spawn(ctx, func(ctx context.Context) {
				Sleep(ctx, 10*time.Millisecond)
			})
			Sleep(ctx, 5*time.Millisecond)
		}, testConfig("term"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not terminate after all tasks exited")
	}
}

// TestSystask_DoesNotBlockShutdown tests the systask census
// Given: a system task suspended in a long sleep
// When: every ordinary task exits
// Then: Run returns without waiting for the systask
func TestSystask_DoesNotBlockShutdown(t *testing.T) {
	done := make(chan struct{})
	go func() {
		Run(func(ctx context.Context) {
			Spawn(ctx, func(ctx context.Context) {
				System(ctx)
				Sleep(ctx, 10*time.Second)
			})
			Sleep(ctx, 10*time.Millisecond)
		}, testConfig("systask"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("systask kept the proc alive")
	}
}

// TestMigrate_MovesTaskToAnotherProc tests explicit migration
// Given: a task on the main proc that calls Migrate with no target
// When: it resumes
// Then: it runs on a different proc and the main proc can shut down
func TestMigrate_MovesTaskToAnotherProc(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	var before, after *Proc

	err := Run(func(ctx context.Context) {
		Spawn(ctx, func(ctx context.Context) {
			defer wg.Done()
			before = CurrentProc(ctx)
			Migrate(ctx, nil)
			after = CurrentProc(ctx)
		})
		// give the spawned task a chance to run before the main task exits
		Yield(ctx)
	}, testConfig("migrate"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	waitDone(t, &wg, 2*time.Second)
	if before == nil || after == nil {
		t.Fatal("task did not record its procs")
	}
	if before == after {
		t.Error("task did not change procs on Migrate")
	}
}

// TestMigrate_ToNamedProc migrates to an explicitly chosen proc.
func TestMigrate_ToNamedProc(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	parked := make(chan *Proc, 1)

	// a proc that stays alive on a slow task long enough to be a target
	target, err := StartProc(func(ctx context.Context) {
		Sleep(ctx, 500*time.Millisecond)
	}, testConfig("target"))
	if err != nil {
		t.Fatalf("StartProc failed: %v", err)
	}

	err = Run(func(ctx context.Context) {
		Spawn(ctx, func(ctx context.Context) {
			defer wg.Done()
			Migrate(ctx, target)
			parked <- CurrentProc(ctx)
		})
		Yield(ctx)
	}, testConfig("migrate-named"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	waitDone(t, &wg, 2*time.Second)
	got := <-parked
	if got != target {
		t.Errorf("migrated proc: got = %s, want %s", got.Name(), target.Name())
	}
}

// TestMigrate_CarriesPendingDeadline verifies that a deadline armed
// before migration still fires on the destination proc.
func TestMigrate_CarriesPendingDeadline(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	var caught error

	err := Run(func(ctx context.Context) {
		Spawn(ctx, func(ctx context.Context) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					caught, _ = r.(error)
				}
			}()
			dl := NewDeadline(ctx, 60*time.Millisecond)
			defer dl.Cancel()
			Migrate(ctx, nil)
			Sleep(ctx, time.Second)
		})
		Yield(ctx)
	}, testConfig("migrate-deadline"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	waitDone(t, &wg, 3*time.Second)
	if caught != ErrDeadlineReached {
		t.Errorf("injected failure after migration: got = %v, want ErrDeadlineReached", caught)
	}
}

// TestDump_ListsTasks verifies the diagnostic listing.
func TestDump_ListsTasks(t *testing.T) {
	var dump string
	err := Run(func(ctx context.Context) {
		SetName(ctx, "dumper")
		Spawn(ctx, func(ctx context.Context) {
			SetName(ctx, "idler")
			Sleep(ctx, 20*time.Millisecond)
		})
		Yield(ctx)
		SetState(ctx, "dumping")
		dump = Dump(ctx)
	}, testConfig("dump"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !strings.Contains(dump, "dumper") {
		t.Errorf("dump missing current task: %q", dump)
	}
	if !strings.Contains(dump, "idler") {
		t.Errorf("dump missing spawned task: %q", dump)
	}
	if !strings.Contains(dump, "dumping") {
		t.Errorf("dump missing state string: %q", dump)
	}
}

func waitDone(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for tasks")
	}
}
