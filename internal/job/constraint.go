package job

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Constraint is a device condition that must hold for a job to run.
type Constraint uint16

const (
	ConstraintCharging Constraint = 1 << iota
	ConstraintBatteryNotLow
	ConstraintIdle
	ConstraintStorageNotLow
	ConstraintNetwork          // any connected network
	ConstraintUnmeteredNetwork // e.g. wifi
)

var constraintNames = []struct {
	c    Constraint
	name string
}{
	{ConstraintCharging, "charging"},
	{ConstraintBatteryNotLow, "battery_not_low"},
	{ConstraintIdle, "idle"},
	{ConstraintStorageNotLow, "storage_not_low"},
	{ConstraintNetwork, "network"},
	{ConstraintUnmeteredNetwork, "unmetered_network"},
}

func (c Constraint) String() string {
	for _, n := range constraintNames {
		if n.c == c {
			return n.name
		}
	}
	return fmt.Sprintf("constraint(%d)", uint16(c))
}

// ParseConstraint resolves a constraint by its wire name.
func ParseConstraint(name string) (Constraint, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, n := range constraintNames {
		if n.name == name {
			return n.c, nil
		}
	}
	return 0, fmt.Errorf("unknown constraint %q", name)
}

// ConstraintSet is a bitmask of constraints. The zero value requires nothing.
// On the wire it is a list of constraint names.
type ConstraintSet uint16

// NewConstraintSet builds a set from the given constraints.
func NewConstraintSet(cs ...Constraint) ConstraintSet {
	var s ConstraintSet
	for _, c := range cs {
		s |= ConstraintSet(c)
	}
	return s
}

// Has reports whether c is part of the set.
func (s ConstraintSet) Has(c Constraint) bool {
	return s&ConstraintSet(c) != 0
}

// With returns a copy of the set including c.
func (s ConstraintSet) With(c Constraint) ConstraintSet {
	return s | ConstraintSet(c)
}

// List returns the constraints in declaration order.
func (s ConstraintSet) List() []Constraint {
	var out []Constraint
	for _, n := range constraintNames {
		if s.Has(n.c) {
			out = append(out, n.c)
		}
	}
	return out
}

// Empty reports whether the set requires nothing.
func (s ConstraintSet) Empty() bool {
	return s == 0
}

func (s ConstraintSet) String() string {
	list := s.List()
	names := make([]string, len(list))
	for i, c := range list {
		names[i] = c.String()
	}
	return strings.Join(names, ",")
}

// known reports whether every bit in the set maps to a declared constraint.
func (s ConstraintSet) known() bool {
	var all ConstraintSet
	for _, n := range constraintNames {
		all |= ConstraintSet(n.c)
	}
	return s&^all == 0
}

// MarshalJSON encodes the set as a list of names.
func (s ConstraintSet) MarshalJSON() ([]byte, error) {
	list := s.List()
	names := make([]string, len(list))
	for i, c := range list {
		names[i] = c.String()
	}
	return json.Marshal(names)
}

// UnmarshalJSON decodes a list of constraint names.
func (s *ConstraintSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("constraints must be a list of names: %w", err)
	}
	var set ConstraintSet
	for _, name := range names {
		c, err := ParseConstraint(name)
		if err != nil {
			return err
		}
		set = set.With(c)
	}
	*s = set
	return nil
}
