package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	spiderDB "spider-admin/internal/spiderd/db"
	"spider-admin/internal/spiderd/engine"
)

type SpiderHandler struct {
	DB         *gorm.DB
	Scheduler  *engine.Scheduler
	Dispatcher *engine.Dispatcher
	Log        zerolog.Logger
}

func NewSpiderHandler(gdb *gorm.DB, scheduler *engine.Scheduler, dispatcher *engine.Dispatcher, logger zerolog.Logger) *SpiderHandler {
	return &SpiderHandler{DB: gdb, Scheduler: scheduler, Dispatcher: dispatcher, Log: logger.With().Str("component", "api").Logger()}
}

type CreateSpiderRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	ScriptPath  string `json:"script_path" validate:"required"`
	IsActive    *bool  `json:"is_active"`
}

type UpdateSpiderRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	ScriptPath  *string `json:"script_path"`
	IsActive    *bool   `json:"is_active"`
}

func parseIDParam(c *app.RequestContext) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return 0, false
	}
	return uint(id), true
}

func (h *SpiderHandler) CreateSpider(ctx context.Context, c *app.RequestContext) {
	var req CreateSpiderRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	spider := spiderDB.Spider{
		Name:        req.Name,
		Description: req.Description,
		ScriptPath:  req.ScriptPath,
		IsActive:    active,
	}
	if result := h.DB.Create(&spider); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create spider: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusCreated, spider)
}

func (h *SpiderHandler) GetSpiders(ctx context.Context, c *app.RequestContext) {
	var spiders []spiderDB.Spider
	if result := h.DB.Find(&spiders); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch spiders: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, spiders)
}

func (h *SpiderHandler) GetSpiderByID(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var spider spiderDB.Spider
	if result := h.DB.First(&spider, id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Spider not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch spider: " + result.Error.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, spider)
}

func (h *SpiderHandler) UpdateSpider(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req UpdateSpiderRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}

	var spider spiderDB.Spider
	if result := h.DB.First(&spider, id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Spider not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch spider: " + result.Error.Error()})
		}
		return
	}

	wasActive := spider.IsActive
	if req.Name != nil {
		spider.Name = *req.Name
	}
	if req.Description != nil {
		spider.Description = *req.Description
	}
	if req.ScriptPath != nil {
		spider.ScriptPath = *req.ScriptPath
	}
	if req.IsActive != nil {
		spider.IsActive = *req.IsActive
	}
	if result := h.DB.Save(&spider); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to update spider: " + result.Error.Error()})
		return
	}

	switch {
	case wasActive && !spider.IsActive:
		if err := h.Scheduler.OnSpiderDeactivated(spider.ID); err != nil {
			h.Log.Error().Uint("spider_id", spider.ID).Err(err).Msg("deactivation cascade failed")
		}
	case !wasActive && spider.IsActive:
		if err := h.Scheduler.OnSpiderActivated(spider.ID); err != nil {
			h.Log.Error().Uint("spider_id", spider.ID).Err(err).Msg("reactivation reload failed")
		}
	}
	c.JSON(http.StatusOK, spider)
}

// DeactivateSpider deactivates the spider, its schedules, and their timers.
func (h *SpiderHandler) DeactivateSpider(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.Scheduler.OnSpiderDeactivated(id); err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to deactivate spider: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Spider deactivated; schedules unscheduled"})
}

func (h *SpiderHandler) DeleteSpider(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var spider spiderDB.Spider
	if result := h.DB.First(&spider, id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Spider not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Error finding spider to delete: " + result.Error.Error()})
		}
		return
	}

	var schedules []spiderDB.Schedule
	h.DB.Where("spider_id = ?", id).Find(&schedules)
	for _, schedule := range schedules {
		h.Scheduler.OnScheduleDeleted(schedule.ID)
	}
	if result := h.DB.Where("spider_id = ?", id).Delete(&spiderDB.Schedule{}); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete spider schedules: " + result.Error.Error()})
		return
	}
	if result := h.DB.Delete(&spiderDB.Spider{}, id); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete spider: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Spider deleted"})
}

// RunSpider triggers one execution outside any cron fire and returns the
// resulting execution record.
func (h *SpiderHandler) RunSpider(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	entry, err := h.Dispatcher.Execute(ctx, id)
	switch {
	case errors.Is(err, engine.ErrMissingTarget):
		c.JSON(http.StatusNotFound, utils.H{"error": "Spider missing or inactive"})
	case errors.Is(err, engine.ErrOverlapSkipped):
		c.JSON(http.StatusConflict, utils.H{"error": "A run for this spider is already in flight"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to run spider: " + err.Error()})
	default:
		c.JSON(http.StatusCreated, entry)
	}
}
