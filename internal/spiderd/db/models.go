package db

import (
	"time"

	"gorm.io/gorm"
)

// Execution statuses. An execution is created as StatusRunning and moves
// exactly once to StatusSuccess or StatusFailed.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Spider is an external executable script registered as a scraping job.
type Spider struct {
	gorm.Model         // Includes ID, CreatedAt, UpdatedAt, DeletedAt
	Name        string `json:"name" gorm:"index"`
	Description string `json:"description"`
	ScriptPath  string `json:"script_path"` // Absolute path, or relative to the configured script dir
	IsActive    bool   `json:"is_active" gorm:"index"`

	Schedules     []Schedule     `json:"-"` // Has many: a spider can have many schedules
	ExecutionLogs []ExecutionLog `json:"-"`
}

// Schedule is a cron recurrence rule bound to one spider.
type Schedule struct {
	gorm.Model
	SpiderID       uint   `json:"spider_id" gorm:"index"`
	CronExpression string `json:"cron_expression"` // Standard 5-field cron spec
	IsActive       bool   `json:"is_active" gorm:"index"`
}

// Environment is a named, reusable bag of variables injectable into a run.
type Environment struct {
	gorm.Model
	Name        string `json:"name" gorm:"index"`
	Description string `json:"description"`

	Variables []EnvironmentVariable `json:"-"`
}

// EnvironmentVariable is one key/value pair owned by an environment.
// Secret values are delivered to the child process in clear text but
// redacted on every external read path.
type EnvironmentVariable struct {
	gorm.Model
	EnvironmentID uint   `json:"environment_id" gorm:"index"`
	Key           string `json:"key"`
	Value         string `json:"value" gorm:"type:text"`
	IsSecret      bool   `json:"is_secret"`
}

// SpiderEnvironment binds an environment to a spider. Binding order is the
// row id order; on key collision the later binding wins.
type SpiderEnvironment struct {
	gorm.Model
	SpiderID      uint `json:"spider_id" gorm:"index"`
	EnvironmentID uint `json:"environment_id" gorm:"index"`
}

// ExecutionLog records one run of a spider's script.
type ExecutionLog struct {
	gorm.Model
	SpiderID     uint       `json:"spider_id" gorm:"index"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time"` // Nil until the run reaches a terminal status
	Status       string     `json:"status" gorm:"index"`
	LogContent   string     `json:"log_content" gorm:"type:text"`
	ErrorMessage string     `json:"error_message" gorm:"type:text"`
}
