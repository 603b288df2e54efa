package resource

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// SlotName identifies a resource kind ("cpu", "mem", or an accelerator kind
// such as "cuda.device").
type SlotName string

const (
	// SlotCPU is measured in cores; fractional cores are valid.
	SlotCPU SlotName = "cpu"
	// SlotMemory is measured in bytes.
	SlotMemory SlotName = "mem"
)

// SlotSet maps resource kinds to quantities. Quantities are decimals rather
// than floats so that repeated reserve/release cycles cannot drift.
type SlotSet map[SlotName]decimal.Decimal

// NewSlotSet builds a SlotSet from int64 quantities, which covers the common
// whole-unit case (cores, bytes, devices).
func NewSlotSet(quantities map[SlotName]int64) SlotSet {
	s := make(SlotSet, len(quantities))
	for name, q := range quantities {
		s[name] = decimal.NewFromInt(q)
	}
	return s
}

// Clone returns an independent copy.
func (s SlotSet) Clone() SlotSet {
	out := make(SlotSet, len(s))
	for name, q := range s {
		out[name] = q
	}
	return out
}

// Add accumulates other into s in place.
func (s SlotSet) Add(other SlotSet) {
	for name, q := range other {
		s[name] = s[name].Add(q)
	}
}

// Sub subtracts other from s in place. Results clamp at zero; a release can
// never drive an allocated total negative.
func (s SlotSet) Sub(other SlotSet) {
	for name, q := range other {
		v := s[name].Sub(q)
		if v.IsNegative() {
			v = decimal.Zero
		}
		s[name] = v
	}
}

// Covers reports whether s has at least the quantity of every kind requested
// in req. Kinds absent from s count as zero.
func (s SlotSet) Covers(req SlotSet) bool {
	for name, q := range req {
		if s[name].LessThan(q) {
			return false
		}
	}
	return true
}

// Get returns the quantity for a kind, zero if absent.
func (s SlotSet) Get(name SlotName) decimal.Decimal {
	return s[name]
}

// IsZero reports whether every quantity in s is zero.
func (s SlotSet) IsZero() bool {
	for _, q := range s {
		if !q.IsZero() {
			return false
		}
	}
	return true
}

// Names returns the slot kinds in sorted order.
func (s SlotSet) Names() []SlotName {
	names := make([]SlotName, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ToStringMap renders quantities as decimal strings, the wire representation
// used in responses and heartbeats.
func (s SlotSet) ToStringMap() map[string]string {
	out := make(map[string]string, len(s))
	for name, q := range s {
		out[string(name)] = q.String()
	}
	return out
}

// SlotSetFromStringMap parses the wire representation back into a SlotSet.
func SlotSetFromStringMap(m map[string]string) (SlotSet, error) {
	s := make(SlotSet, len(m))
	for name, v := range m {
		q, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity %q for slot %q: %w", v, name, err)
		}
		if q.IsNegative() {
			return nil, fmt.Errorf("negative quantity %q for slot %q", v, name)
		}
		s[SlotName(name)] = q
	}
	return s, nil
}

func (s SlotSet) String() string {
	parts := make([]string, 0, len(s))
	for _, name := range s.Names() {
		parts = append(parts, fmt.Sprintf("%s=%s", name, s[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
