package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BusyPolicy controls what happens to a lifecycle command that arrives while
// another command for the same kernel is still in flight.
type BusyPolicy string

const (
	// BusyPolicyQueue queues the command behind the in-flight one.
	BusyPolicyQueue BusyPolicy = "queue"
	// BusyPolicyReject rejects the command with a kernel-busy failure.
	BusyPolicyReject BusyPolicy = "reject"
)

// Config holds the full agent configuration.
type Config struct {
	// AgentID identifies this agent to the manager. Generated from the
	// hostname when empty.
	AgentID string `yaml:"agent_id"`

	// RPCBindAddr is the ZeroMQ endpoint the command server binds to.
	RPCBindAddr string `yaml:"rpc_bind_addr"`

	// EventAddr is the manager's ZeroMQ event endpoint that heartbeats and
	// lifecycle events are delivered to.
	EventAddr string `yaml:"event_addr"`

	// ControlAddr is the HTTP listen address for the watcher control
	// surface (health, metrics, graceful shutdown).
	ControlAddr string `yaml:"control_addr"`

	// ContainerdSocket is the containerd socket path (empty = default).
	ContainerdSocket string `yaml:"containerd_socket"`

	// ContainerdNamespace scopes all agent containers.
	ContainerdNamespace string `yaml:"containerd_namespace"`

	// ScratchRoot is where per-kernel work directories are created.
	ScratchRoot string `yaml:"scratch_root"`

	// DataDir holds the agent's on-disk kernel registry.
	DataDir string `yaml:"data_dir"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	// IdleTimeout destroys kernels with no activity within the window.
	// Zero disables the idle sweeper.
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Image pull retry budget.
	PullAttempts int           `yaml:"pull_attempts"`
	PullBackoff  time.Duration `yaml:"pull_backoff"`
	PullTimeout  time.Duration `yaml:"pull_timeout"`

	// RuntimeTimeout bounds individual container runtime calls.
	RuntimeTimeout time.Duration `yaml:"runtime_timeout"`

	// Automatic restart budget for recoverable container exits.
	RestartLimit  int           `yaml:"restart_limit"`
	RestartWindow time.Duration `yaml:"restart_window"`

	// ExecTimeout bounds a single code execution inside a kernel.
	ExecTimeout time.Duration `yaml:"exec_timeout"`

	// DedupCacheSize bounds the dispatcher's recent-command cache.
	DedupCacheSize int `yaml:"dedup_cache_size"`

	// EventQueueDepth bounds the outbound event queue before coalescing
	// kicks in.
	EventQueueDepth int `yaml:"event_queue_depth"`

	// BusyPolicy selects queueing vs. rejection for concurrent commands
	// against the same kernel.
	BusyPolicy BusyPolicy `yaml:"busy_policy"`

	// Capacity overrides. Zero means "discover from the host".
	CPUCores    int   `yaml:"cpu_cores"`
	MemoryBytes int64 `yaml:"memory_bytes"`

	// Accelerators lists the plugin names to load at startup.
	Accelerators []string `yaml:"accelerators"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a config populated with defaults suitable for a Linux
// worker node.
func Default() *Config {
	return &Config{
		RPCBindAddr:         "tcp://*:6001",
		EventAddr:           "tcp://127.0.0.1:5002",
		ControlAddr:         "127.0.0.1:6009",
		ContainerdNamespace: "backend-ai",
		ScratchRoot:         "/var/lib/backend.ai/scratches",
		DataDir:             "/var/lib/backend.ai/agent",
		HeartbeatInterval:   3 * time.Second,
		HeartbeatTimeout:    1 * time.Second,
		IdleTimeout:         10 * time.Minute,
		SweepInterval:       10 * time.Second,
		PullAttempts:        3,
		PullBackoff:         1 * time.Second,
		PullTimeout:         5 * time.Minute,
		RuntimeTimeout:      30 * time.Second,
		RestartLimit:        3,
		RestartWindow:       5 * time.Minute,
		ExecTimeout:         3 * time.Minute,
		DedupCacheSize:      1024,
		EventQueueDepth:     256,
		BusyPolicy:          BusyPolicyQueue,
		LogLevel:            "info",
	}
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("agent_id not set and hostname unavailable: %w", err)
		}
		c.AgentID = host
	}
	if c.RPCBindAddr == "" {
		return fmt.Errorf("rpc_bind_addr must not be empty")
	}
	if c.EventAddr == "" {
		return fmt.Errorf("event_addr must not be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.PullAttempts < 1 {
		return fmt.Errorf("pull_attempts must be at least 1, got %d", c.PullAttempts)
	}
	if c.RestartLimit < 0 {
		return fmt.Errorf("restart_limit must not be negative, got %d", c.RestartLimit)
	}
	if c.DedupCacheSize < 1 {
		return fmt.Errorf("dedup_cache_size must be at least 1, got %d", c.DedupCacheSize)
	}
	if c.EventQueueDepth < 1 {
		return fmt.Errorf("event_queue_depth must be at least 1, got %d", c.EventQueueDepth)
	}
	switch c.BusyPolicy {
	case BusyPolicyQueue, BusyPolicyReject:
	case "":
		c.BusyPolicy = BusyPolicyQueue
	default:
		return fmt.Errorf("unknown busy_policy %q", c.BusyPolicy)
	}
	return nil
}
