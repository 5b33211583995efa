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
	"spider-admin/pkg/validation"
)

// redactedValue replaces secret variable values on every external read
// path; the dispatcher still delivers clear text to the child process.
const redactedValue = "******"

// importSchema validates environment import payloads.
const importSchema = `{
	"type": "object",
	"required": ["name", "variables"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"variables": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["key", "value"],
				"properties": {
					"key": {"type": "string", "minLength": 1},
					"value": {"type": "string"},
					"is_secret": {"type": "boolean"}
				}
			}
		}
	}
}`

type EnvironmentHandler struct {
	DB  *gorm.DB
	Log zerolog.Logger
}

func NewEnvironmentHandler(gdb *gorm.DB, logger zerolog.Logger) *EnvironmentHandler {
	return &EnvironmentHandler{DB: gdb, Log: logger.With().Str("component", "api").Logger()}
}

type CreateEnvironmentRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

type CreateVariableRequest struct {
	Key      string `json:"key" validate:"required"`
	Value    string `json:"value"`
	IsSecret bool   `json:"is_secret"`
}

type BindEnvironmentRequest struct {
	EnvironmentID uint `json:"environment_id" validate:"required"`
}

type ImportEnvironmentRequest struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Variables   []CreateVariableRequest `json:"variables"`
}

func (h *EnvironmentHandler) CreateEnvironment(ctx context.Context, c *app.RequestContext) {
	var req CreateEnvironmentRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	env := spiderDB.Environment{Name: req.Name, Description: req.Description}
	if result := h.DB.Create(&env); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create environment: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusCreated, env)
}

func (h *EnvironmentHandler) GetEnvironments(ctx context.Context, c *app.RequestContext) {
	var envs []spiderDB.Environment
	if result := h.DB.Find(&envs); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch environments: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, envs)
}

func (h *EnvironmentHandler) DeleteEnvironment(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if result := h.DB.Where("environment_id = ?", id).Delete(&spiderDB.EnvironmentVariable{}); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete environment variables: " + result.Error.Error()})
		return
	}
	if result := h.DB.Where("environment_id = ?", id).Delete(&spiderDB.SpiderEnvironment{}); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete environment bindings: " + result.Error.Error()})
		return
	}
	if result := h.DB.Delete(&spiderDB.Environment{}, id); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete environment: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Environment deleted"})
}

func (h *EnvironmentHandler) CreateVariable(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req CreateVariableRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	var env spiderDB.Environment
	if err := h.DB.First(&env, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Environment not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Error verifying environment: " + err.Error()})
		}
		return
	}
	variable := spiderDB.EnvironmentVariable{
		EnvironmentID: id,
		Key:           req.Key,
		Value:         req.Value,
		IsSecret:      req.IsSecret,
	}
	if result := h.DB.Create(&variable); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create variable: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusCreated, redactVariable(variable))
}

func (h *EnvironmentHandler) GetVariables(ctx context.Context, c *app.RequestContext) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var variables []spiderDB.EnvironmentVariable
	if result := h.DB.Where("environment_id = ?", id).Order("id ASC").Find(&variables); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch variables: " + result.Error.Error()})
		return
	}
	out := make([]spiderDB.EnvironmentVariable, 0, len(variables))
	for _, v := range variables {
		out = append(out, redactVariable(v))
	}
	c.JSON(http.StatusOK, out)
}

func redactVariable(v spiderDB.EnvironmentVariable) spiderDB.EnvironmentVariable {
	if v.IsSecret {
		v.Value = redactedValue
	}
	return v
}

// BindEnvironment links an environment to a spider. Binding order is
// creation order; on key collision the later binding wins at resolve time.
func (h *EnvironmentHandler) BindEnvironment(ctx context.Context, c *app.RequestContext) {
	spiderID, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req BindEnvironmentRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	var spider spiderDB.Spider
	if err := h.DB.First(&spider, spiderID).Error; err != nil {
		c.JSON(http.StatusNotFound, utils.H{"error": "Spider not found"})
		return
	}
	var env spiderDB.Environment
	if err := h.DB.First(&env, req.EnvironmentID).Error; err != nil {
		c.JSON(http.StatusNotFound, utils.H{"error": "Environment not found"})
		return
	}
	binding := spiderDB.SpiderEnvironment{SpiderID: spiderID, EnvironmentID: req.EnvironmentID}
	if result := h.DB.Create(&binding); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to bind environment: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusCreated, binding)
}

func (h *EnvironmentHandler) UnbindEnvironment(ctx context.Context, c *app.RequestContext) {
	spiderID, ok := parseIDParam(c)
	if !ok {
		return
	}
	envID := c.Param("envId")
	result := h.DB.Where("spider_id = ? AND environment_id = ?", spiderID, envID).Delete(&spiderDB.SpiderEnvironment{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to unbind environment: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Environment unbound"})
}

// ImportEnvironment creates an environment with its variables from one
// JSON document, validated against importSchema before anything is
// persisted.
func (h *EnvironmentHandler) ImportEnvironment(ctx context.Context, c *app.RequestContext) {
	body := c.Request.Body()
	if err := validation.ValidateJSONWithSchema(importSchema, string(body)); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Import payload failed validation", "validation_errors": err.Error()})
		return
	}
	var req ImportEnvironmentRequest
	if err := c.Bind(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	env := spiderDB.Environment{Name: req.Name, Description: req.Description}
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&env).Error; err != nil {
			return err
		}
		for _, v := range req.Variables {
			variable := spiderDB.EnvironmentVariable{
				EnvironmentID: env.ID,
				Key:           v.Key,
				Value:         v.Value,
				IsSecret:      v.IsSecret,
			}
			if err := tx.Create(&variable).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to import environment: " + err.Error()})
		return
	}
	h.Log.Info().Uint("environment_id", env.ID).Int("variables", len(req.Variables)).Msg("environment imported")
	c.JSON(http.StatusCreated, env)
}
