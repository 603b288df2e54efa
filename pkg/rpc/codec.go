package rpc

import (
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nokchalatte/backend.ai-agent/pkg/kernel"
	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
)

// Kind names an agent command.
type Kind string

const (
	KindCreateKernel  Kind = "create_kernel"
	KindDestroyKernel Kind = "destroy_kernel"
	KindRestartKernel Kind = "restart_kernel"
	KindExecute       Kind = "execute"
	KindRefreshIdle   Kind = "refresh_idle_timeout"
	KindQueryCapacity Kind = "query_capacity"
	KindPing          Kind = "ping"
	KindReset         Kind = "reset"
)

// FailureCode classifies a command failure for the manager.
type FailureCode string

const (
	CodeInvalidArgument       FailureCode = "invalid-argument"
	CodeKernelNotFound        FailureCode = "kernel-not-found"
	CodeKernelNotRunning      FailureCode = "kernel-not-running"
	CodeInsufficientResources FailureCode = "insufficient-resources"
	CodeKernelBusy            FailureCode = "kernel-busy"
	CodeInternal              FailureCode = "internal"
)

// ErrKernelBusy is returned under the reject busy policy when a command
// arrives for a kernel that already has one in flight.
var ErrKernelBusy = errors.New("kernel has a command in flight")

// timeNow is swapped in tests.
var timeNow = time.Now

// Request is one command envelope. ID is assigned by the manager and is the
// deduplication key: redelivered commands carry the same ID.
type Request struct {
	ID      string             `msgpack:"id"`
	Kind    Kind               `msgpack:"kind"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// Response answers one Request, matched by ID.
type Response struct {
	ID      string             `msgpack:"id"`
	OK      bool               `msgpack:"ok"`
	Result  msgpack.RawMessage `msgpack:"result,omitempty"`
	Failure *Failure           `msgpack:"failure,omitempty"`
}

// Failure carries a typed error across the wire.
type Failure struct {
	Code    FailureCode `msgpack:"code"`
	Message string      `msgpack:"message"`
}

// Command payloads.

type CreatePayload struct {
	KernelID  string            `msgpack:"kernel_id,omitempty"`
	Image     string            `msgpack:"image"`
	Command   []string          `msgpack:"command,omitempty"`
	Env       []string          `msgpack:"env,omitempty"`
	Resources map[string]string `msgpack:"resources"`
}

type DestroyPayload struct {
	KernelID string `msgpack:"kernel_id"`
	Reason   string `msgpack:"reason,omitempty"`
}

type RestartPayload struct {
	KernelID string `msgpack:"kernel_id"`
}

type ExecutePayload struct {
	KernelID string   `msgpack:"kernel_id"`
	Command  []string `msgpack:"command"`
}

type RefreshIdlePayload struct {
	KernelID string `msgpack:"kernel_id"`
}

// Command results.

type KernelResult struct {
	KernelID    string            `msgpack:"kernel_id"`
	State       string            `msgpack:"state"`
	ContainerID string            `msgpack:"container_id,omitempty"`
	Occupied    map[string]string `msgpack:"occupied"`
}

type ExecuteResult struct {
	ExitCode uint32 `msgpack:"exit_code"`
	Stdout   string `msgpack:"stdout,omitempty"`
	Stderr   string `msgpack:"stderr,omitempty"`
}

type CapacityResult struct {
	Capacity  map[string]string `msgpack:"capacity"`
	Allocated map[string]string `msgpack:"allocated"`
	Available map[string]string `msgpack:"available"`
}

type PingResult struct {
	Now time.Time `msgpack:"now"`
}

func kernelResult(info kernel.Info) KernelResult {
	return KernelResult{
		KernelID:    info.ID,
		State:       info.State.String(),
		ContainerID: info.ContainerID,
		Occupied:    info.Occupied.ToStringMap(),
	}
}

// okResponse marshals a result into a successful response. A marshal failure
// here is a programming error and is reported as internal.
func okResponse(id string, result interface{}) *Response {
	if result == nil {
		return &Response{ID: id, OK: true}
	}
	data, err := msgpack.Marshal(result)
	if err != nil {
		return failResponse(id, err)
	}
	return &Response{ID: id, OK: true, Result: data}
}

// failResponse classifies err into a wire failure.
func failResponse(id string, err error) *Response {
	code := CodeInternal
	switch {
	case errors.Is(err, kernel.ErrInvalidRequest):
		code = CodeInvalidArgument
	case errors.Is(err, kernel.ErrKernelNotFound):
		code = CodeKernelNotFound
	case errors.Is(err, kernel.ErrKernelNotRunning):
		code = CodeKernelNotRunning
	case errors.Is(err, resource.ErrInsufficientResources):
		code = CodeInsufficientResources
	case errors.Is(err, ErrKernelBusy):
		code = CodeKernelBusy
	}
	return &Response{
		ID:      id,
		OK:      false,
		Failure: &Failure{Code: code, Message: err.Error()},
	}
}
