/*
Package agent assembles the per-node agent process.

The agent composes four subsystems over shared infrastructure:

	┌────────────────────────── AGENT ──────────────────────────┐
	│                                                            │
	│  manager ──ZMQ ROUTER──► rpc server ──► dispatcher         │
	│                                             │              │
	│  slot registry ◄──── kernel lifecycle manager ────► bbolt  │
	│        │                     │                             │
	│        │              containerd runtime                   │
	│        │                     │                             │
	│        │               event broker ────► metrics          │
	│        │                     │                             │
	│  manager ◄──ZMQ DEALER── event pipeline (events+heartbeat) │
	│                                                            │
	│  control HTTP: /healthz /readyz /metrics POST /shutdown    │
	└────────────────────────────────────────────────────────────┘

Startup order matters: accelerator discovery feeds the slot registry's
capacity, reconciliation re-adopts containers that survived an agent
restart, background loops come up next, and the command server starts last
so no command ever observes a half-built agent. Shutdown reverses it: the
command server stops first, kernels are destroyed with reason
agent-termination, and the pipeline flushes the final events before the
process exits.
*/
package agent
