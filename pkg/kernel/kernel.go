package kernel

import (
	"errors"
	"fmt"
	"time"

	"github.com/nokchalatte/backend.ai-agent/pkg/accelerator"
	"github.com/nokchalatte/backend.ai-agent/pkg/events"
	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
	"github.com/nokchalatte/backend.ai-agent/pkg/runtime"
)

// KernelIDLabel is attached to every kernel container so the agent can
// re-identify its own containers after a process restart.
const KernelIDLabel = "ai.backend.kernel-id"

var (
	// ErrKernelNotFound indicates the kernel id is unknown to this agent.
	ErrKernelNotFound = errors.New("kernel not found")

	// ErrKernelNotRunning indicates an operation that requires a running
	// kernel (execute, restart) hit a kernel in another state.
	ErrKernelNotRunning = errors.New("kernel is not running")

	// ErrInvalidRequest indicates a malformed creation request.
	ErrInvalidRequest = errors.New("invalid kernel request")
)

// State is a kernel's lifecycle state. The numeric order matches lifecycle
// order for the forward path; the manager enforces the full transition
// table, not bare numeric comparison.
type State int

const (
	StatePreparing State = iota + 1
	StatePullingImage
	StateCreating
	StateRunning
	StateRestarting
	StateTerminating
	StateTerminated
	StateError
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StatePullingImage:
		return "pulling-image"
	case StateCreating:
		return "creating"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions may leave s.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateError
}

// validNext is the lifecycle transition table.
var validNext = map[State][]State{
	StatePreparing:    {StatePullingImage, StateTerminating, StateError},
	StatePullingImage: {StateCreating, StateTerminating, StateError},
	StateCreating:     {StateRunning, StateTerminating, StateError},
	StateRunning:      {StateRestarting, StateTerminating, StateError},
	StateRestarting:   {StateRunning, StateTerminating, StateError},
	StateTerminating:  {StateTerminated},
}

// canTransition reports whether from -> to is a legal lifecycle step.
func canTransition(from, to State) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// eventFor maps a state entry to its lifecycle event type.
func eventFor(s State) events.Type {
	switch s {
	case StatePreparing:
		return events.KernelPreparing
	case StatePullingImage:
		return events.KernelPullingImage
	case StateCreating:
		return events.KernelCreating
	case StateRunning:
		return events.KernelRunning
	case StateRestarting:
		return events.KernelRestarting
	case StateTerminating:
		return events.KernelTerminating
	case StateTerminated:
		return events.KernelTerminated
	default:
		return events.KernelError
	}
}

// Request describes one kernel to create.
type Request struct {
	// KernelID is optional; a fresh id is generated when empty. Restarting
	// kernels reuse their id.
	KernelID string

	Image     string
	Command   []string
	Env       []string
	Resources resource.SlotSet
}

// Validate rejects requests the lifecycle manager cannot act on.
func (r *Request) Validate() error {
	if r.Image == "" {
		return fmt.Errorf("%w: image must not be empty", ErrInvalidRequest)
	}
	if len(r.Resources) == 0 {
		return fmt.Errorf("%w: resource requirements must not be empty", ErrInvalidRequest)
	}
	for name, q := range r.Resources {
		if q.IsNegative() {
			return fmt.Errorf("%w: negative quantity for slot %q", ErrInvalidRequest, name)
		}
	}
	return nil
}

// Kernel is one sandboxed compute session. All fields are guarded by the
// manager; only the lifecycle manager mutates a kernel.
type Kernel struct {
	ID      string
	Request Request

	State       State
	ContainerID runtime.ContainerID

	reservation *resource.Reservation
	devices     map[resource.SlotName][]accelerator.DeviceID

	CreatedAt    time.Time
	LastActivity time.Time
	TerminatedAt time.Time

	// containerGen distinguishes container instances across restarts, so a
	// stale exit observation from a replaced container is ignored.
	containerGen uint64

	// restartsInWindow tracks automatic restart timestamps for the bounded
	// restart budget.
	restartsInWindow []time.Time

	numQueries uint64
}

// Info is an immutable external view of a kernel.
type Info struct {
	ID           string
	Image        string
	State        State
	ContainerID  string
	Occupied     resource.SlotSet
	CreatedAt    time.Time
	LastActivity time.Time
	NumQueries   uint64
}

func (k *Kernel) info() Info {
	var occupied resource.SlotSet
	if k.reservation != nil {
		occupied = k.reservation.Slots.Clone()
	}
	return Info{
		ID:           k.ID,
		Image:        k.Request.Image,
		State:        k.State,
		ContainerID:  string(k.ContainerID),
		Occupied:     occupied,
		CreatedAt:    k.CreatedAt,
		LastActivity: k.LastActivity,
		NumQueries:   k.numQueries,
	}
}
