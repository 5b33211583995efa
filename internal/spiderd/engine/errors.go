package engine

import "errors"

var (
	// ErrInvalidSchedule is returned when a cron expression does not parse;
	// the schedule stays unregistered.
	ErrInvalidSchedule = errors.New("invalid cron expression")
	// ErrMissingTarget is returned when a spider is absent or inactive;
	// the execution is skipped and no record is created.
	ErrMissingTarget = errors.New("spider missing or inactive")
	// ErrOverlapSkipped is returned when per-spider overlap control is
	// enabled and a run for the spider is already in flight.
	ErrOverlapSkipped = errors.New("execution skipped: previous run still in flight")
)
