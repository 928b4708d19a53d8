package taskfiber

import "github.com/Swind/go-taskfiber/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the taskfiber package for most use cases.

// TaskFunc is the body of a task
type TaskFunc = core.TaskFunc

// Proc is a per-thread scheduler
type Proc = core.Proc

// ProcConfig configures a Proc
type ProcConfig = core.ProcConfig

// Qutex is a FIFO-fair task-level mutex
type Qutex = core.Qutex

// Rendez is a condition variable over a Qutex
type Rendez = core.Rendez

// Deadline is a scoped timeout on the current task
type Deadline = core.Deadline

// Interest describes descriptor readiness conditions
type Interest = core.Interest

// PollFD is one descriptor entry of a multi-fd Poll
type PollFD = core.PollFD

// Logger, Field and RetryPolicy are the ambient logging and backoff types
type (
	Logger      = core.Logger
	Field       = core.Field
	RetryPolicy = core.RetryPolicy
)

// Metrics is the runtime observability interface
type Metrics = core.Metrics

// Interest bits
const (
	Readable = core.Readable
	Writable = core.Writable
	ErrHup   = core.ErrHup
)

// Error kinds
var (
	ErrTaskInterrupted = core.ErrTaskInterrupted
	ErrDeadlineReached = core.ErrDeadlineReached
	ErrTimedOut        = core.ErrTimedOut
	ErrChannelClosed   = core.ErrChannelClosed
)

// Runtime entry points and the ctx-bound task API
var (
	Run        = core.Run
	RunStack   = core.RunStack
	StartProc  = core.StartProc
	Spawn      = core.Spawn
	SpawnStack = core.SpawnStack
	Yield      = core.Yield
	Sleep      = core.Sleep
	Cancel     = core.Cancel
	Migrate    = core.Migrate
	TaskID     = core.TaskID
	SetName    = core.SetName
	SetState   = core.SetState
	System     = core.System
	Dump       = core.Dump
	FDWait     = core.FDWait
	Poll       = core.Poll

	NewDeadline = core.NewDeadline
	CurrentProc = core.CurrentProc
)
