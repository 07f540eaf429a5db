// Package store implements the transactional core: the machine lifecycle
// operations and the machine-state upsert with interval conflict resolution.
//
// Every operation runs inside a single database transaction spanning the
// existence check, the conflict query and the write, so that two concurrent
// requests for overlapping intervals of the same machine cannot both succeed.
// No entity state is cached between requests.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"mes-backend/internal/fault"
	"mes-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	// DB exposes the underlying handle for collaborators outside the core
	// (subscription management, push alert lookups).
	DB() *gorm.DB

	CreateMachine(ctx context.Context, name string) (model.Machine, error)
	PatchMachine(ctx context.Context, id int64, patch MachinePatch) (model.Machine, error)
	DeleteMachine(ctx context.Context, id int64) error
	ListMachines(ctx context.Context) ([]model.Machine, error)

	UpsertMachineState(ctx context.Context, in StateUpsert) (model.MachineState, error)
}

// MachinePatch carries the optional fields of a machine patch. Nil fields are
// left unchanged; the version increments regardless.
type MachinePatch struct {
	Name *string
}

// StateUpsert is a proposed machine state, already shape-validated by the API
// layer (start <= stop, condition is a known value).
type StateUpsert struct {
	MachineID int64
	Start     int64
	Stop      int64
	Condition model.MachineCondition

	MinPowerConsumption *float64
	MaxPowerConsumption *float64
	AvgPowerConsumption *float64
	TotalEnergy         *float64
	Pieces              *int64
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// CreateMachine inserts a new machine with version 1. Name uniqueness is
// enforced by the store; a violation surfaces as a persistence error.
func (s *gormStore) CreateMachine(ctx context.Context, name string) (model.Machine, error) {
	machine := model.Machine{Name: name, Version: 1}
	if err := s.db.WithContext(ctx).Create(&machine).Error; err != nil {
		return model.Machine{}, fmt.Errorf("create machine: %w", err)
	}
	return machine, nil
}

// PatchMachine applies the supplied fields to the machine and increments its
// version by exactly 1, even when no field effectively changed.
func (s *gormStore) PatchMachine(ctx context.Context, id int64, patch MachinePatch) (model.Machine, error) {
	var machine model.Machine
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&machine, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &fault.MachineNotFound{MachineID: id}
			}
			return fmt.Errorf("fetch machine %d: %w", id, err)
		}

		if patch.Name != nil {
			machine.Name = *patch.Name
		}
		machine.Version++

		if err := tx.Save(&machine).Error; err != nil {
			return fmt.Errorf("save machine %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return model.Machine{}, err
	}
	return machine, nil
}

// DeleteMachine removes the machine and all of its states atomically. Deleting
// a non-existent machine succeeds: the postcondition already holds.
func (s *gormStore) DeleteMachine(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("machine_id = ?", id).Delete(&model.MachineState{}).Error; err != nil {
			return fmt.Errorf("delete states of machine %d: %w", id, err)
		}
		if err := tx.Exec(
			"DELETE FROM subscription_machine_mapping WHERE machine_id = ?", id).Error; err != nil {
			return fmt.Errorf("clear subscription links of machine %d: %w", id, err)
		}
		if err := tx.Delete(&model.Machine{}, id).Error; err != nil {
			return fmt.Errorf("delete machine %d: %w", id, err)
		}
		return nil
	})
}

// ListMachines returns all machines sorted by name ascending, ties broken by
// id ascending.
func (s *gormStore) ListMachines(ctx context.Context) ([]model.Machine, error) {
	machines := make([]model.Machine, 0)
	if err := s.db.WithContext(ctx).Order("name ASC, id ASC").Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	return machines, nil
}

// UpsertMachineState resolves the proposed interval against the machine's
// existing states and applies the write, all in one transaction.
//
// A state is keyed by (machine_id, start). Re-submitting the same start is an
// update of that state: stop and the metrics may change, the condition may
// not. Any other state whose half-open interval [start, stop) intersects the
// proposed one is a conflict.
func (s *gormStore) UpsertMachineState(ctx context.Context, in StateUpsert) (model.MachineState, error) {
	var state model.MachineState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var machineExists bool
		if err := tx.Model(&model.Machine{}).
			Select("count(*) > 0").
			Where("id = ?", in.MachineID).
			Find(&machineExists).Error; err != nil {
			return fmt.Errorf("check machine %d: %w", in.MachineID, err)
		}
		if !machineExists {
			return &fault.MachineNotFound{MachineID: in.MachineID}
		}

		found := true
		if err := tx.Where("machine_id = ? AND start = ?", in.MachineID, in.Start).
			First(&state).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("fetch state (%d, %d): %w", in.MachineID, in.Start, err)
			}
			found = false
			state = model.MachineState{MachineID: in.MachineID, Start: in.Start}
		}

		if found && state.Condition != in.Condition {
			return &fault.ConditionChanged{
				Old: string(state.Condition),
				New: string(in.Condition),
			}
		}

		// Two intervals intersect iff other.start < stop AND other.stop > start.
		// The one exception is the state at the same start whose stop does not
		// exceed the proposed stop: that is this very state being extended
		// forward, not a conflict. Ordering by start keeps the reported
		// conflict deterministic when several states intersect.
		var conflicts []model.MachineState
		if err := tx.Model(&model.MachineState{}).
			Select("start", "stop").
			Where("machine_id = ? AND start < ? AND stop > ?", in.MachineID, in.Stop, in.Start).
			Where("NOT (start = ? AND stop <= ?)", in.Start, in.Stop).
			Order("start ASC").
			Limit(1).
			Find(&conflicts).Error; err != nil {
			return fmt.Errorf("overlap query for machine %d: %w", in.MachineID, err)
		}
		if len(conflicts) > 0 {
			return &fault.StateOverlap{
				MachineID: in.MachineID,
				Start:     conflicts[0].Start,
				Stop:      conflicts[0].Stop,
			}
		}

		state.Stop = in.Stop
		state.Condition = in.Condition
		state.MinPowerConsumption = in.MinPowerConsumption
		state.MaxPowerConsumption = in.MaxPowerConsumption
		state.AvgPowerConsumption = in.AvgPowerConsumption
		state.TotalEnergy = in.TotalEnergy
		state.Pieces = in.Pieces

		if err := tx.Save(&state).Error; err != nil {
			return fmt.Errorf("save state (%d, %d): %w", in.MachineID, in.Start, err)
		}
		return nil
	})
	if err != nil {
		return model.MachineState{}, err
	}
	return state, nil
}
