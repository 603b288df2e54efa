package events

import "time"

// KernelInfo is a point-in-time view of one kernel inside a heartbeat.
type KernelInfo struct {
	ID           string            `msgpack:"id"`
	Image        string            `msgpack:"image"`
	State        string            `msgpack:"state"`
	Occupied     map[string]string `msgpack:"occupied"`
	LastActivity time.Time         `msgpack:"last_activity"`
}

// HeartbeatSnapshot summarizes the node for the manager: total and allocated
// slots plus every live kernel with its state. Snapshots are built fresh per
// tick, never mutated after construction, and discarded after transmission.
type HeartbeatSnapshot struct {
	AgentID   string            `msgpack:"agent_id"`
	Address   string            `msgpack:"addr"`
	Capacity  map[string]string `msgpack:"capacity"`
	Allocated map[string]string `msgpack:"allocated"`
	Kernels   []KernelInfo      `msgpack:"kernels"`
	Timestamp time.Time         `msgpack:"timestamp"`
}
