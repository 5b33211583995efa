package events

import (
	"time"

	spiderDB "spider-admin/internal/spiderd/db"
)

// LogEvent types as seen on the wire.
const (
	TypeInitial = "initial"
	TypeUpdate  = "update"
	TypePong    = "pong"
)

// LogEvent is the envelope relayed to live observers of one execution.
// Initial carries a full snapshot on subscribe; Update carries the state
// after a dispatcher-driven transition.
type LogEvent struct {
	Type string             `json:"type"`
	Data *ExecutionSnapshot `json:"data,omitempty"`
}

// ExecutionSnapshot is the observer-facing projection of an ExecutionLog.
type ExecutionSnapshot struct {
	ID           uint       `json:"id"`
	SpiderID     uint       `json:"spider_id"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	Status       string     `json:"status"`
	LogContent   string     `json:"log_content"`
	ErrorMessage string     `json:"error_message"`
}

func Snapshot(entry *spiderDB.ExecutionLog) *ExecutionSnapshot {
	if entry == nil {
		return nil
	}
	return &ExecutionSnapshot{
		ID:           entry.ID,
		SpiderID:     entry.SpiderID,
		StartTime:    entry.StartTime,
		EndTime:      entry.EndTime,
		Status:       entry.Status,
		LogContent:   entry.LogContent,
		ErrorMessage: entry.ErrorMessage,
	}
}

// ExecutionEventPayload is sent to Kafka by the execution event relay.
type ExecutionEventPayload struct {
	ExecutionID  uint      `json:"execution_id"`
	SpiderID     uint      `json:"spider_id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
