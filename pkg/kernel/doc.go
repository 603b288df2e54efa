/*
Package kernel implements the lifecycle manager for compute session kernels.

A kernel is one sandboxed user workload running in its own container. The
manager owns every kernel on the node: it drives creation from resource
reservation through image pull to a running container, supervises the
container for unexpected exits, restarts or tears kernels down, and persists
each kernel so that a restarted agent can re-adopt containers that survived.

# Architecture

	┌────────────────── KERNEL LIFECYCLE MANAGER ──────────────────┐
	│                                                               │
	│  RPC dispatcher ──► Create / Destroy / Restart / Execute      │
	│                          │                                    │
	│  ┌───────────────────────▼────────────────────────┐          │
	│  │                 State machine                   │          │
	│  │                                                 │          │
	│  │  PREPARING ─► PULLING-IMAGE ─► CREATING         │          │
	│  │       │             │             │             │          │
	│  │       │             │             ▼             │          │
	│  │       │             │          RUNNING ◄──┐     │          │
	│  │       │             │             │       │     │          │
	│  │       │             │        RESTARTING ──┘     │          │
	│  │       │             │             │             │          │
	│  │       ▼             ▼             ▼             │          │
	│  │   TERMINATING ───────────────► TERMINATED       │          │
	│  │   (any non-terminal state may also enter ERROR) │          │
	│  └───────────────────────┬────────────────────────┘          │
	│                          │                                    │
	│         one event per transition, persisted record            │
	│                          │                                    │
	│  ┌─────────────┐  ┌──────▼──────┐  ┌───────────────┐         │
	│  │ slot        │  │ event       │  │ bbolt kernel  │         │
	│  │ registry    │  │ pipeline    │  │ record store  │         │
	│  └─────────────┘  └─────────────┘  └───────────────┘         │
	│                                                               │
	│  exit monitors ──► classify: OOM / clean exit / crash         │
	│  idle sweeper  ──► destroy kernels idle past the timeout      │
	└───────────────────────────────────────────────────────────────┘

# Resource Accounting

Slots are reserved atomically when a kernel enters PREPARING and released
exactly once when it reaches a terminal state, including every failure path.
Teardown is best effort for the container but unconditional for the
reservation: a dead container may leak, reserved capacity may not.

# Exit Classification

An unexpected container exit observed while RUNNING is classified before the
manager reacts. OOM kills terminate the kernel because the same workload
would be killed again. Clean zero exits mean the session finished and the
kernel is terminated. Non-zero exits are treated as transient crashes and the
container is recreated in place, bounded by a restart budget per time window;
a kernel that exhausts its budget is terminated. Each container instance
carries a generation counter so an exit observation from an already replaced
container is discarded.

# Crash Recovery

Every state transition persists the kernel record to a bbolt store. On
startup, before the RPC server accepts commands, Reconcile matches records
against the containers the runtime still reports: running containers with a
matching record are adopted (slots re-reserved, accelerator devices re-bound,
exit monitor re-attached), while half-created kernels, vanished containers,
and unrecorded containers carrying the kernel label are cleaned up.
*/
package kernel
