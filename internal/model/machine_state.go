package model

// MachineCondition enumerates the recognized machine conditions.
type MachineCondition string

const (
	ConditionOff       MachineCondition = "off"
	ConditionIdle      MachineCondition = "idle"
	ConditionWorking   MachineCondition = "working"
	ConditionRetooling MachineCondition = "retooling"
	ConditionBroken    MachineCondition = "broken"
)

// Conditions lists all valid machine conditions.
var Conditions = []MachineCondition{
	ConditionOff,
	ConditionIdle,
	ConditionWorking,
	ConditionRetooling,
	ConditionBroken,
}

// Valid reports whether c is one of the recognized conditions.
func (c MachineCondition) Valid() bool {
	for _, known := range Conditions {
		if c == known {
			return true
		}
	}
	return false
}

// MachineState represents one time interval during which a machine was in a
// given condition, with optional power/production metrics.
//
// (MachineID, Start) is the natural key: at most one state per machine may
// begin at a given start time. Intervals are half-open [Start, Stop) in
// seconds since epoch and must not overlap per machine.
type MachineState struct {
	ID        int64            `gorm:"primaryKey" json:"id"`
	MachineID int64            `gorm:"not null;uniqueIndex:uq_machine_state_start,priority:1;index:idx_machine_state_stop,priority:1" json:"machine_id"`
	Start     int64            `gorm:"not null;uniqueIndex:uq_machine_state_start,priority:2" json:"start"`
	Stop      int64            `gorm:"not null;index:idx_machine_state_stop,priority:2" json:"stop"`
	Condition MachineCondition `gorm:"size:32;not null" json:"condition"`

	MinPowerConsumption *float64 `json:"min_power_consumption,omitempty"`
	MaxPowerConsumption *float64 `json:"max_power_consumption,omitempty"`
	AvgPowerConsumption *float64 `json:"avg_power_consumption,omitempty"`
	TotalEnergy         *float64 `json:"total_energy,omitempty"`
	Pieces              *int64   `json:"pieces,omitempty"`
}
