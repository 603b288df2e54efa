package events

import (
	"time"
)

// Type names a lifecycle or runtime occurrence for one kernel.
type Type string

const (
	// Lifecycle transitions, one per state entered.
	KernelPreparing    Type = "kernel.preparing"
	KernelPullingImage Type = "kernel.pulling-image"
	KernelCreating     Type = "kernel.creating"
	KernelRunning      Type = "kernel.running"
	KernelRestarting   Type = "kernel.restarting"
	KernelTerminating  Type = "kernel.terminating"
	KernelTerminated   Type = "kernel.terminated"
	KernelError        Type = "kernel.error"

	// Runtime observations.
	KernelUnexpectedExit Type = "kernel.unexpected-exit"
	KernelOOMKilled      Type = "kernel.oom-killed"

	// Agent-level notifications.
	AgentStarted    Type = "agent.started"
	AgentTerminated Type = "agent.terminated"
)

// Event is one kernel (or agent) occurrence reported to the manager.
// Seq increases per kernel so the manager can detect reordering; events for
// different kernels carry independent sequences.
type Event struct {
	KernelID  string    `msgpack:"kernel_id"`
	Type      Type      `msgpack:"type"`
	Reason    string    `msgpack:"reason,omitempty"`
	ExitCode  *uint32   `msgpack:"exit_code,omitempty"`
	Seq       uint64    `msgpack:"seq"`
	Terminal  bool      `msgpack:"terminal"`
	Timestamp time.Time `msgpack:"timestamp"`
}

