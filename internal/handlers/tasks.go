package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/conductor/internal/engine"
	"github.com/yungbote/conductor/internal/pkg/apperr"
	"github.com/yungbote/conductor/internal/services"
)

type TaskHandler struct {
	intake      *services.IntakeService
	queries     *services.QueryService
	coordinator *engine.Coordinator
}

func NewTaskHandler(intake *services.IntakeService, queries *services.QueryService, coordinator *engine.Coordinator) *TaskHandler {
	return &TaskHandler{intake: intake, queries: queries, coordinator: coordinator}
}

func (h *TaskHandler) Create(c *gin.Context) {
	var req services.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	task, err := h.intake.Submit(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrDuplicateTask):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, apperr.ErrUnknownTask):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": task.ID, "identity_hash": task.IdentityHash})
}

func (h *TaskHandler) Get(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	detail, err := h.queries.GetTaskDetail(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *TaskHandler) Summary(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	summary, err := h.queries.GetWorkflowSummary(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *TaskHandler) Cancel(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := h.coordinator.Cancel(c.Request.Context(), id, req.Reason); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, apperr.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
