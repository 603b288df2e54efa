/*
Package log provides structured logging for the agent built on zerolog.

All agent components log through a shared global logger configured once at
startup via Init. Components obtain child loggers carrying identifying
fields (component, agent_id, kernel_id, container_id) so that log lines
from concurrent kernel operations remain attributable:

	logger := log.WithComponent("kernel-manager")
	logger.Info().Str("kernel_id", id).Msg("kernel created")

Output is JSON when collected by the node's log shipper and human-readable
console format for interactive runs, selected by Config.JSONOutput.
*/
package log
