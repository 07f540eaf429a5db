package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mes-backend/internal/fault"
	"mes-backend/internal/model"
	"mes-backend/internal/store"
	"mes-backend/internal/ws"
)

// machineStatePutRequest uses pointer fields so that a legitimate zero value
// (e.g. start == 0) is distinguishable from a missing field.
type machineStatePutRequest struct {
	MachineID *int64  `json:"machine_id" binding:"required"`
	Start     *int64  `json:"start" binding:"required"`
	Stop      *int64  `json:"stop" binding:"required"`
	Condition *string `json:"condition" binding:"required"`

	MinPowerConsumption *float64 `json:"min_power_consumption"`
	MaxPowerConsumption *float64 `json:"max_power_consumption"`
	AvgPowerConsumption *float64 `json:"avg_power_consumption"`
	TotalEnergy         *float64 `json:"total_energy"`
	Pieces              *int64   `json:"pieces"`
}

// PutMachineState handles POST /api/v1/machine-state: the upsert of a
// machine's state interval.
func (h *Handler) PutMachineState(c *gin.Context) {
	var req machineStatePutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortFault(c, &fault.SchemaViolation{Why: err.Error()})
		return
	}

	condition := model.MachineCondition(*req.Condition)
	if !condition.Valid() {
		abortFault(c, &fault.SchemaViolation{Why: "unknown condition: " + *req.Condition})
		return
	}
	if req.TotalEnergy != nil && *req.TotalEnergy < 0 {
		abortFault(c, &fault.SchemaViolation{Why: "total_energy must be non-negative"})
		return
	}
	if req.Pieces != nil && *req.Pieces < 0 {
		abortFault(c, &fault.SchemaViolation{Why: "pieces must be non-negative"})
		return
	}
	if *req.Start > *req.Stop {
		abortFault(c, &fault.ConstraintViolation{Why: "stop before start"})
		return
	}

	state, err := h.store.UpsertMachineState(c.Request.Context(), store.StateUpsert{
		MachineID:           *req.MachineID,
		Start:               *req.Start,
		Stop:                *req.Stop,
		Condition:           condition,
		MinPowerConsumption: req.MinPowerConsumption,
		MaxPowerConsumption: req.MaxPowerConsumption,
		AvgPowerConsumption: req.AvgPowerConsumption,
		TotalEnergy:         req.TotalEnergy,
		Pieces:              req.Pieces,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	h.hub.Broadcast(ws.EventPutMachineState, state)
	if h.alerts != nil && state.Condition == model.ConditionBroken {
		h.alerts.Dispatch(state.MachineID)
	}
	c.JSON(http.StatusOK, gin.H{"id": state.ID})
}
