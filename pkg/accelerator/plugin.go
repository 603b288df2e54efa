package accelerator

import (
	"context"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/shopspring/decimal"

	"github.com/nokchalatte/backend.ai-agent/pkg/resource"
)

// DeviceID identifies one accelerator unit within its plugin's family.
type DeviceID string

// Plugin is implemented once per accelerator family. Plugins are discovered
// at agent startup and are read-only collaborators afterwards; assignment
// bookkeeping is internal to the plugin and guarded by its own lock.
type Plugin interface {
	// Name returns the slot kind this plugin provides (e.g. "cuda.device").
	Name() resource.SlotName

	// Discover probes the host for available units. Called once at startup;
	// an error disables this resource kind for the session.
	Discover(ctx context.Context) (decimal.Decimal, error)

	// Assign claims count free units for a kernel and returns their IDs.
	// The claim is held until Release.
	Assign(ctx context.Context, kernelID string, count decimal.Decimal) ([]DeviceID, error)

	// Release returns a kernel's units to the free pool. Idempotent.
	Release(kernelID string)

	// Restore re-establishes a recorded assignment after an agent restart,
	// while the kernel's container still holds the devices.
	Restore(kernelID string, ids []DeviceID) error

	// DeviceSpecs renders assigned units as runtime-injectable device
	// entries for the container spec.
	DeviceSpecs(ids []DeviceID) []specs.LinuxDevice
}
