/*
Package metrics provides Prometheus metrics and health checking for the agent.

All metrics are registered against the default Prometheus registry at package
init and exposed through the control server's /metrics endpoint. A Collector
samples the kernel manager and slot registry on an interval and renders the
results into gauges; counters and histograms are updated inline at the call
sites they measure.

# Metrics Catalog

Kernel metrics:

	agent_kernels_total{state}           gauge    kernels tracked, by state
	agent_kernel_transitions_total{state} counter state transitions by state entered
	agent_kernel_restarts_total          counter  container restarts

Resource slot metrics:

	agent_slot_capacity{slot}   gauge  total node capacity per slot
	agent_slot_allocated{slot}  gauge  reserved amount per slot

RPC metrics:

	agent_commands_total{kind,status}      counter   commands by kind and outcome
	agent_command_duration_seconds{kind}   histogram handling latency
	agent_commands_deduplicated_total      counter   replays from the dedup cache

Event pipeline metrics:

	agent_events_published_total       counter  events handed to the pipeline
	agent_event_send_failures_total    counter  failed delivery attempts
	agent_heartbeats_sent_total        counter  heartbeats transmitted

Image metrics:

	agent_image_pulls_total{status}       counter   pull attempts by outcome
	agent_image_pull_duration_seconds     histogram pull latency

# Health Checking

Components register themselves with RegisterComponent and refresh their
status with UpdateComponent. GetHealth aggregates every registered component
for the liveness endpoint; GetReadiness checks only the critical components
(containerd, rpc, pipeline) so the agent does not advertise readiness before
it can actually serve commands.
*/
package metrics
