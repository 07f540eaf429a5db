package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mes-backend/internal/fault"
	"mes-backend/internal/store"
	"mes-backend/internal/ws"
)

type machinePostRequest struct {
	Name *string `json:"name" binding:"required"`
}

// PostMachine handles POST /api/v1/machines.
func (h *Handler) PostMachine(c *gin.Context) {
	var req machinePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortFault(c, &fault.SchemaViolation{Why: err.Error()})
		return
	}
	if *req.Name == "" {
		abortFault(c, &fault.ConstraintViolation{Why: "empty machine name"})
		return
	}

	machine, err := h.store.CreateMachine(c.Request.Context(), *req.Name)
	if err != nil {
		abortError(c, err)
		return
	}

	h.flushCache()
	h.hub.Broadcast(ws.EventPutMachine, machine)
	c.JSON(http.StatusOK, gin.H{"id": machine.ID, "version": machine.Version})
}

type machinePatchRequest struct {
	Name *string `json:"name"`
}

// PatchMachine handles PATCH /api/v1/machines/:id.
func (h *Handler) PatchMachine(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abortFault(c, &fault.SchemaViolation{Why: "invalid machine id"})
		return
	}

	var req machinePatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortFault(c, &fault.SchemaViolation{Why: err.Error()})
		return
	}
	if req.Name == nil {
		abortFault(c, &fault.ConstraintViolation{Why: "empty patch"})
		return
	}
	if *req.Name == "" {
		abortFault(c, &fault.ConstraintViolation{Why: "empty machine name"})
		return
	}

	machine, err := h.store.PatchMachine(c.Request.Context(), id, store.MachinePatch{Name: req.Name})
	if err != nil {
		abortError(c, err)
		return
	}

	h.flushCache()
	h.hub.Broadcast(ws.EventPutMachine, machine)
	c.JSON(http.StatusOK, gin.H{"version": machine.Version})
}

// DeleteMachine handles DELETE /api/v1/machines/:id. Deletion is idempotent:
// a non-existent id is a success.
func (h *Handler) DeleteMachine(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abortFault(c, &fault.SchemaViolation{Why: "invalid machine id"})
		return
	}

	if err := h.store.DeleteMachine(c.Request.Context(), id); err != nil {
		abortError(c, err)
		return
	}

	h.flushCache()
	h.hub.Broadcast(ws.EventDeleteMachine, gin.H{"id": id})
	c.Status(http.StatusOK)
}

// GetMachines handles GET /api/v1/machines.
func (h *Handler) GetMachines(c *gin.Context) {
	machines, err := h.store.ListMachines(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, machines)
}
