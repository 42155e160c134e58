// Package conditions tracks the device conditions that job constraints are
// evaluated against. Conditions are simulated: they change only through Set
// or Update, typically driven by the API or the demo command.
package conditions

import (
	"encoding/json"
	"fmt"
	"jobscheduler/internal/job"
	"strings"
)

// NetworkType is the kind of connectivity the device currently has.
type NetworkType string

const (
	NetworkNone      NetworkType = "none"
	NetworkMetered   NetworkType = "metered"
	NetworkUnmetered NetworkType = "unmetered"
)

// ParseNetworkType resolves a network type by name.
func ParseNetworkType(s string) (NetworkType, error) {
	switch n := NetworkType(strings.ToLower(strings.TrimSpace(s))); n {
	case NetworkNone, NetworkMetered, NetworkUnmetered:
		return n, nil
	case "":
		return NetworkNone, nil
	default:
		return "", fmt.Errorf("unknown network type %q", s)
	}
}

// UnmarshalJSON rejects unknown network types.
func (n *NetworkType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseNetworkType(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// State is a snapshot of device conditions.
type State struct {
	Charging      bool        `json:"charging"`
	BatteryNotLow bool        `json:"batteryNotLow"`
	Idle          bool        `json:"idle"`
	StorageNotLow bool        `json:"storageNotLow"`
	Network       NetworkType `json:"network"`
}

// Default is the state a monitor starts in when none is configured:
// healthy battery and storage, not charging, not idle, no network.
func Default() State {
	return State{
		BatteryNotLow: true,
		StorageNotLow: true,
		Network:       NetworkNone,
	}
}

func (s State) holds(c job.Constraint) bool {
	switch c {
	case job.ConstraintCharging:
		return s.Charging
	case job.ConstraintBatteryNotLow:
		return s.BatteryNotLow
	case job.ConstraintIdle:
		return s.Idle
	case job.ConstraintStorageNotLow:
		return s.StorageNotLow
	case job.ConstraintNetwork:
		return s.Network == NetworkMetered || s.Network == NetworkUnmetered
	case job.ConstraintUnmeteredNetwork:
		return s.Network == NetworkUnmetered
	default:
		return false
	}
}

// Satisfies reports whether every constraint in set holds.
func (s State) Satisfies(set job.ConstraintSet) bool {
	return s.Unmet(set).Empty()
}

// Unmet returns the subset of constraints that do not hold.
func (s State) Unmet(set job.ConstraintSet) job.ConstraintSet {
	var unmet job.ConstraintSet
	for _, c := range set.List() {
		if !s.holds(c) {
			unmet = unmet.With(c)
		}
	}
	return unmet
}
