// Package handlers exposes the task mutation gateway over HTTP.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/auth"
	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/task/dto"
	"github.com/todoflow/todoflow/internal/task/models"
	"github.com/todoflow/todoflow/internal/task/service"
)

// TaskHandlers serves the per-user task routes.
type TaskHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

// NewTaskHandlers creates the HTTP handlers for the task API.
func NewTaskHandlers(svc *service.Service, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "task_handlers")),
	}
}

// RegisterRoutes mounts the task API under /api/v1/users/:user_id/tasks. The
// auth middleware runs first; requestUser then enforces that the path user
// matches the token user.
func (h *TaskHandlers) RegisterRoutes(router gin.IRouter, authMW gin.HandlerFunc) {
	tasks := router.Group("/api/v1/users/:user_id/tasks", authMW, h.requestUser)
	tasks.POST("", h.createTask)
	tasks.GET("", h.listTasks)
	tasks.GET("/:task_id", h.getTask)
	tasks.PATCH("/:task_id", h.updateTask)
	tasks.POST("/:task_id/complete", h.completeTask)
	tasks.DELETE("/:task_id", h.deleteTask)
}

// requestUser rejects requests whose path user differs from the token user.
// A mismatch is 403: the caller is authenticated, just not allowed here.
func (h *TaskHandlers) requestUser(c *gin.Context) {
	tokenUser, ok := auth.UserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	pathUser, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	if pathUser != tokenUser {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *TaskHandlers) taskID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *TaskHandlers) createTask(c *gin.Context) {
	userID, _ := auth.UserID(c)

	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	input := service.CreateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		Priority:    models.Priority(req.Priority),
		Tags:        req.Tags,
		IsRecurring: req.IsRecurring,
		DueDate:     req.DueDate,
		RemindAt:    req.RemindAt,
	}
	if req.RecurrencePattern != nil {
		p := models.RecurrencePattern(*req.RecurrencePattern)
		input.RecurrencePattern = &p
	}

	task, err := h.service.CreateTask(c.Request.Context(), userID, input)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromTask(task))
}

func (h *TaskHandlers) listTasks(c *gin.Context) {
	userID, _ := auth.UserID(c)

	tasks, err := h.service.ListTasks(c.Request.Context(), userID)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	taskDTOs := make([]dto.TaskDTO, 0, len(tasks))
	for _, task := range tasks {
		taskDTOs = append(taskDTOs, dto.FromTask(task))
	}
	c.JSON(http.StatusOK, dto.ListTasksResponse{
		Tasks: taskDTOs,
		Total: len(tasks),
	})
}

func (h *TaskHandlers) getTask(c *gin.Context) {
	userID, _ := auth.UserID(c)
	taskID, ok := h.taskID(c)
	if !ok {
		return
	}

	task, err := h.service.GetTask(c.Request.Context(), userID, taskID)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTask(task))
}

func (h *TaskHandlers) updateTask(c *gin.Context) {
	userID, _ := auth.UserID(c)
	taskID, ok := h.taskID(c)
	if !ok {
		return
	}

	var req dto.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	input := service.UpdateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		IsRecurring: req.IsRecurring,
	}
	if req.Priority != nil {
		p := models.Priority(*req.Priority)
		input.Priority = &p
	}
	if req.RecurrencePattern.Set {
		if req.RecurrencePattern.Value == nil {
			input.ClearRecurrence = true
		} else {
			p := models.RecurrencePattern(*req.RecurrencePattern.Value)
			input.RecurrencePattern = &p
		}
	}
	if req.DueDate.Set {
		if req.DueDate.Value == nil {
			input.ClearDueDate = true
		} else {
			input.DueDate = req.DueDate.Value
		}
	}
	if req.RemindAt.Set {
		if req.RemindAt.Value == nil {
			input.ClearRemindAt = true
		} else {
			input.RemindAt = req.RemindAt.Value
		}
	}

	task, err := h.service.UpdateTask(c.Request.Context(), userID, taskID, input)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTask(task))
}

func (h *TaskHandlers) completeTask(c *gin.Context) {
	userID, _ := auth.UserID(c)
	taskID, ok := h.taskID(c)
	if !ok {
		return
	}

	req := dto.CompleteTaskRequest{IsCompleted: true}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	task, err := h.service.CompleteTask(c.Request.Context(), userID, taskID, req.IsCompleted)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTask(task))
}

func (h *TaskHandlers) deleteTask(c *gin.Context) {
	userID, _ := auth.UserID(c)
	taskID, ok := h.taskID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteTask(c.Request.Context(), userID, taskID); err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
