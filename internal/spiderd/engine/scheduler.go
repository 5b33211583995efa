package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	spiderDB "spider-admin/internal/spiderd/db"
	"spider-admin/internal/spiderd/store"
)

const sweepReason = "process restarted before execution finished"

// cronParser validates 5-field cron specs up front so a malformed
// expression is rejected with ErrInvalidSchedule before it reaches the
// trigger engine.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron reports whether expr is a valid 5-field cron spec.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}

func scheduleTag(scheduleID uint) string {
	return fmt.Sprintf("schedule_id:%d", scheduleID)
}

func jobName(spiderID, scheduleID uint) string {
	return fmt.Sprintf("spider_%d_%d", spiderID, scheduleID)
}

// Scheduler owns the cron trigger engine and keeps its live timer set
// reconciled with the store: at most one live timer per schedule, and none
// for schedules that are inactive, deleted, or owned by an inactive
// spider. It never mutates the store except through the deactivation
// cascade, which is a store operation invoked on its behalf.
type Scheduler struct {
	store      store.Store
	dispatcher *Dispatcher
	cron       gocron.Scheduler
	log        zerolog.Logger

	// mu serializes timer-set mutations so a reschedule's cancel and
	// re-register cannot interleave with another mutation for the same id.
	mu sync.Mutex
}

func NewScheduler(st store.Store, dispatcher *Dispatcher, logger zerolog.Logger) (*Scheduler, error) {
	cronScheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		store:      st,
		dispatcher: dispatcher,
		cron:       cronScheduler,
		log:        logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start sweeps executions orphaned by a previous process, starts the
// timer loop, and registers one timer per active schedule.
func (s *Scheduler) Start() {
	s.log.Info().Msg("scheduler starting")
	if _, err := s.store.SweepStaleRunning(sweepReason); err != nil {
		s.log.Error().Err(err).Msg("stale running sweep failed")
	}
	s.cron.Start()
	s.LoadAll()
	s.log.Info().Msg("scheduler started")
}

func (s *Scheduler) Stop() {
	s.log.Info().Msg("scheduler stopping")
	if err := s.cron.Shutdown(); err != nil {
		s.log.Error().Err(err).Msg("error shutting down gocron scheduler")
	}
}

// LoadAll registers a timer for every active schedule whose spider is also
// active. One bad row never prevents the rest from loading.
func (s *Scheduler) LoadAll() {
	schedules, err := s.store.ListActiveSchedules()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load active schedules")
		return
	}
	loaded := 0
	for i := range schedules {
		if err := s.register(&schedules[i]); err != nil {
			s.log.Error().Uint("schedule_id", schedules[i].ID).Err(err).Msg("failed to register schedule")
			continue
		}
		loaded++
	}
	s.log.Info().Int("loaded", loaded).Int("total", len(schedules)).Msg("schedules loaded")
}

// OnScheduleCreated registers a timer for a newly created schedule if both
// the schedule and its spider are active.
func (s *Scheduler) OnScheduleCreated(schedule *spiderDB.Schedule) error {
	if !schedule.IsActive {
		return nil
	}
	return s.register(schedule)
}

// OnScheduleUpdated cancels the timer if the schedule became inactive and
// otherwise replaces it, so a cron-expression change takes effect without
// a window in which the old timer can still fire.
func (s *Scheduler) OnScheduleUpdated(schedule *spiderDB.Schedule) error {
	if !schedule.IsActive {
		s.cancel(schedule.ID)
		return nil
	}
	return s.register(schedule)
}

// OnScheduleDeleted cancels the schedule's timer. Cancelling an absent
// timer is not an error.
func (s *Scheduler) OnScheduleDeleted(scheduleID uint) {
	s.cancel(scheduleID)
}

// OnSpiderDeactivated deactivates the spider's schedules in the store and
// removes every corresponding timer.
func (s *Scheduler) OnSpiderDeactivated(spiderID uint) error {
	schedules, err := s.store.DeactivateSpiderCascade(spiderID)
	if err != nil {
		return err
	}
	for _, schedule := range schedules {
		s.cancel(schedule.ID)
	}
	s.log.Info().Uint("spider_id", spiderID).Int("schedules", len(schedules)).Msg("spider deactivated, timers removed")
	return nil
}

// OnSpiderActivated re-registers timers for the spider's active schedules
// after the spider comes back to the active state.
func (s *Scheduler) OnSpiderActivated(spiderID uint) error {
	schedules, err := s.store.ListSchedulesBySpider(spiderID)
	if err != nil {
		return err
	}
	for i := range schedules {
		if !schedules[i].IsActive {
			continue
		}
		if err := s.register(&schedules[i]); err != nil {
			s.log.Error().Uint("schedule_id", schedules[i].ID).Err(err).Msg("failed to re-register schedule")
		}
	}
	return nil
}

// register installs the schedule's timer, atomically replacing any
// existing timer for the same schedule id. A schedule whose spider is
// missing or inactive gets no timer.
func (s *Scheduler) register(schedule *spiderDB.Schedule) error {
	if err := ValidateCron(schedule.CronExpression); err != nil {
		return err
	}
	spider, err := s.store.GetSpider(schedule.SpiderID)
	if err != nil {
		return err
	}
	if !spider.IsActive {
		s.log.Warn().Uint("spider_id", schedule.SpiderID).Uint("schedule_id", schedule.ID).
			Msg("spider inactive, schedule not registered")
		s.cancel(schedule.ID)
		return nil
	}

	spiderID := schedule.SpiderID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.RemoveByTags(scheduleTag(schedule.ID))
	job, err := s.cron.NewJob(
		gocron.CronJob(schedule.CronExpression, false),
		gocron.NewTask(func(id uint) { s.fire(id) }, spiderID),
		gocron.WithName(jobName(spiderID, schedule.ID)),
		gocron.WithTags("schedule", scheduleTag(schedule.ID)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if next, err := job.NextRun(); err == nil {
		s.log.Info().Uint("schedule_id", schedule.ID).Uint("spider_id", spiderID).
			Str("cron", schedule.CronExpression).Time("next_run", next).Msg("schedule registered")
	} else {
		s.log.Info().Uint("schedule_id", schedule.ID).Uint("spider_id", spiderID).
			Str("cron", schedule.CronExpression).Msg("schedule registered")
	}
	return nil
}

func (s *Scheduler) cancel(scheduleID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.RemoveByTags(scheduleTag(scheduleID))
}

// fire runs one dispatch. gocron invokes it on its own goroutine, so slow
// subprocess I/O never blocks the timer loop or other schedules.
func (s *Scheduler) fire(spiderID uint) {
	start := time.Now()
	entry, err := s.dispatcher.Execute(context.Background(), spiderID)
	switch {
	case err != nil && entry == nil:
		// Missing targets and overlap skips are expected outcomes; the
		// fire itself must never take the scheduler down.
		s.log.Warn().Uint("spider_id", spiderID).Err(err).Msg("scheduled fire skipped")
	case err != nil:
		s.log.Error().Uint("spider_id", spiderID).Uint("execution_id", entry.ID).
			Err(err).Msg("scheduled fire could not persist its outcome")
	case entry != nil:
		s.log.Info().Uint("spider_id", spiderID).Uint("execution_id", entry.ID).
			Str("status", entry.Status).Dur("elapsed", time.Since(start)).Msg("scheduled fire finished")
	}
}

// HasTimer reports whether a live timer exists for the schedule id.
func (s *Scheduler) HasTimer(scheduleID uint) bool {
	tag := scheduleTag(scheduleID)
	for _, job := range s.cron.Jobs() {
		for _, t := range job.Tags() {
			if t == tag {
				return true
			}
		}
	}
	return false
}

// TimerCount reports the number of live timers.
func (s *Scheduler) TimerCount() int {
	return len(s.cron.Jobs())
}
