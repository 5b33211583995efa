package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"gorm.io/gorm"

	spiderDB "spider-admin/internal/spiderd/db"
)

const defaultExecutionListLimit = 50

type ExecutionHandler struct {
	DB *gorm.DB
}

func NewExecutionHandler(gdb *gorm.DB) *ExecutionHandler {
	return &ExecutionHandler{DB: gdb}
}

func (h *ExecutionHandler) GetExecutions(ctx context.Context, c *app.RequestContext) {
	limit := defaultExecutionListLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	query := h.DB.Order("id DESC").Limit(limit)
	if spiderID := c.Query("spider_id"); spiderID != "" {
		query = query.Where("spider_id = ?", spiderID)
	}
	var entries []spiderDB.ExecutionLog
	if result := query.Find(&entries); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch executions: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *ExecutionHandler) GetExecutionByID(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var entry spiderDB.ExecutionLog
	if result := h.DB.First(&entry, id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Execution not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch execution: " + result.Error.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, entry)
}
