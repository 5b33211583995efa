package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	spiderDB "spider-admin/internal/spiderd/db"
	"spider-admin/internal/spiderd/engine"
)

type ScheduleHandler struct {
	DB        *gorm.DB
	Scheduler *engine.Scheduler
	Log       zerolog.Logger
}

func NewScheduleHandler(gdb *gorm.DB, scheduler *engine.Scheduler, logger zerolog.Logger) *ScheduleHandler {
	return &ScheduleHandler{DB: gdb, Scheduler: scheduler, Log: logger.With().Str("component", "api").Logger()}
}

type CreateScheduleRequest struct {
	SpiderID       uint   `json:"spider_id" validate:"required"`
	CronExpression string `json:"cron_expression" validate:"required"`
	IsActive       *bool  `json:"is_active"`
}

type UpdateScheduleRequest struct {
	CronExpression *string `json:"cron_expression"`
	IsActive       *bool   `json:"is_active"`
}

func (h *ScheduleHandler) CreateSchedule(ctx context.Context, c *app.RequestContext) {
	var req CreateScheduleRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	// Reject malformed cron expressions before anything is persisted.
	if err := engine.ValidateCron(req.CronExpression); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	var spider spiderDB.Spider
	if err := h.DB.First(&spider, req.SpiderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Spider not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Error verifying spider: " + err.Error()})
		}
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	schedule := spiderDB.Schedule{
		SpiderID:       req.SpiderID,
		CronExpression: req.CronExpression,
		IsActive:       active,
	}
	if result := h.DB.Create(&schedule); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create schedule: " + result.Error.Error()})
		return
	}

	if err := h.Scheduler.OnScheduleCreated(&schedule); err != nil {
		// The row exists but no timer does; surface that to the operator.
		h.Log.Error().Uint("schedule_id", schedule.ID).Err(err).Msg("schedule persisted but not registered")
		c.JSON(http.StatusInternalServerError, utils.H{
			"error":    "Schedule saved but could not be registered: " + err.Error(),
			"schedule": schedule,
		})
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (h *ScheduleHandler) GetSchedules(ctx context.Context, c *app.RequestContext) {
	query := h.DB.Order("id ASC")
	if spiderID := c.Query("spider_id"); spiderID != "" {
		query = query.Where("spider_id = ?", spiderID)
	}
	var schedules []spiderDB.Schedule
	if result := query.Find(&schedules); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch schedules: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, schedules)
}

func (h *ScheduleHandler) GetScheduleByID(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var schedule spiderDB.Schedule
	if result := h.DB.First(&schedule, id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Schedule not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch schedule: " + result.Error.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (h *ScheduleHandler) UpdateSchedule(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req UpdateScheduleRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	if req.CronExpression != nil {
		if err := engine.ValidateCron(*req.CronExpression); err != nil {
			c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
			return
		}
	}

	var schedule spiderDB.Schedule
	if result := h.DB.First(&schedule, id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Schedule not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch schedule: " + result.Error.Error()})
		}
		return
	}

	if req.CronExpression != nil {
		schedule.CronExpression = *req.CronExpression
	}
	if req.IsActive != nil {
		schedule.IsActive = *req.IsActive
	}
	if result := h.DB.Save(&schedule); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to update schedule: " + result.Error.Error()})
		return
	}

	if err := h.Scheduler.OnScheduleUpdated(&schedule); err != nil {
		h.Log.Error().Uint("schedule_id", schedule.ID).Err(err).Msg("schedule updated but timer not reconciled")
		c.JSON(http.StatusInternalServerError, utils.H{
			"error":    "Schedule saved but timer could not be reconciled: " + err.Error(),
			"schedule": schedule,
		})
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (h *ScheduleHandler) DeleteSchedule(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if result := h.DB.Delete(&spiderDB.Schedule{}, id); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete schedule: " + result.Error.Error()})
		return
	}
	h.Scheduler.OnScheduleDeleted(id)
	c.JSON(http.StatusOK, utils.H{"message": "Schedule deleted"})
}
