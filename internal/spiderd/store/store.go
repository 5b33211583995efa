package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	spiderDB "spider-admin/internal/spiderd/db"
)

var (
	// ErrStore wraps any persistence layer failure.
	ErrStore = errors.New("store error")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store is the persistence boundary the engine talks to. All calls are
// synchronous; implementations must not hold state across calls beyond the
// underlying connection pool.
type Store interface {
	GetSpider(id uint) (*spiderDB.Spider, error)
	CreateSpider(spider *spiderDB.Spider) error
	ListSpiderScriptPaths() ([]string, error)
	GetSchedule(id uint) (*spiderDB.Schedule, error)
	ListActiveSchedules() ([]spiderDB.Schedule, error)
	ListSchedulesBySpider(spiderID uint) ([]spiderDB.Schedule, error)
	ListEnvironmentBindings(spiderID uint) ([]spiderDB.SpiderEnvironment, error)
	ListEnvironmentVariables(environmentID uint) ([]spiderDB.EnvironmentVariable, error)
	CreateExecutionLog(entry *spiderDB.ExecutionLog) error
	UpdateExecutionLog(id uint, patch map[string]interface{}) error
	GetExecutionLog(id uint) (*spiderDB.ExecutionLog, error)
	SweepStaleRunning(reason string) (int64, error)
	DeactivateSpiderCascade(spiderID uint) ([]spiderDB.Schedule, error)
}

// GormStore implements Store on a gorm connection.
type GormStore struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewGormStore(gdb *gorm.DB, logger zerolog.Logger) *GormStore {
	return &GormStore{db: gdb, log: logger.With().Str("component", "store").Logger()}
}

var _ Store = (*GormStore)(nil)

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrStore, err)
}

func (s *GormStore) GetSpider(id uint) (*spiderDB.Spider, error) {
	var spider spiderDB.Spider
	if err := s.db.First(&spider, id).Error; err != nil {
		return nil, wrap(err)
	}
	return &spider, nil
}

func (s *GormStore) CreateSpider(spider *spiderDB.Spider) error {
	if err := s.db.Create(spider).Error; err != nil {
		return wrap(err)
	}
	return nil
}

// ListSpiderScriptPaths returns the script path of every spider, active or
// not, so the script scanner can skip files that are already registered.
func (s *GormStore) ListSpiderScriptPaths() ([]string, error) {
	var paths []string
	if err := s.db.Model(&spiderDB.Spider{}).Pluck("script_path", &paths).Error; err != nil {
		return nil, wrap(err)
	}
	return paths, nil
}

func (s *GormStore) GetSchedule(id uint) (*spiderDB.Schedule, error) {
	var schedule spiderDB.Schedule
	if err := s.db.First(&schedule, id).Error; err != nil {
		return nil, wrap(err)
	}
	return &schedule, nil
}

func (s *GormStore) ListActiveSchedules() ([]spiderDB.Schedule, error) {
	var schedules []spiderDB.Schedule
	if err := s.db.Where("is_active = ?", true).Order("id ASC").Find(&schedules).Error; err != nil {
		return nil, wrap(err)
	}
	return schedules, nil
}

func (s *GormStore) ListSchedulesBySpider(spiderID uint) ([]spiderDB.Schedule, error) {
	var schedules []spiderDB.Schedule
	if err := s.db.Where("spider_id = ?", spiderID).Order("id ASC").Find(&schedules).Error; err != nil {
		return nil, wrap(err)
	}
	return schedules, nil
}

// ListEnvironmentBindings returns bindings in binding order (row id order);
// the environment resolver relies on this for last-wins merging.
func (s *GormStore) ListEnvironmentBindings(spiderID uint) ([]spiderDB.SpiderEnvironment, error) {
	var bindings []spiderDB.SpiderEnvironment
	if err := s.db.Where("spider_id = ?", spiderID).Order("id ASC").Find(&bindings).Error; err != nil {
		return nil, wrap(err)
	}
	return bindings, nil
}

func (s *GormStore) ListEnvironmentVariables(environmentID uint) ([]spiderDB.EnvironmentVariable, error) {
	var variables []spiderDB.EnvironmentVariable
	if err := s.db.Where("environment_id = ?", environmentID).Order("id ASC").Find(&variables).Error; err != nil {
		return nil, wrap(err)
	}
	return variables, nil
}

func (s *GormStore) CreateExecutionLog(entry *spiderDB.ExecutionLog) error {
	if err := s.db.Create(entry).Error; err != nil {
		return wrap(err)
	}
	return nil
}

func (s *GormStore) UpdateExecutionLog(id uint, patch map[string]interface{}) error {
	res := s.db.Model(&spiderDB.ExecutionLog{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: execution log %d", ErrNotFound, id)
	}
	return nil
}

func (s *GormStore) GetExecutionLog(id uint) (*spiderDB.ExecutionLog, error) {
	var entry spiderDB.ExecutionLog
	if err := s.db.First(&entry, id).Error; err != nil {
		return nil, wrap(err)
	}
	return &entry, nil
}

// SweepStaleRunning marks every execution still in the running state as
// failed. Called once at engine start: the dispatcher writes terminal
// status before releasing its worker, so any running row at boot was
// orphaned by a previous process.
func (s *GormStore) SweepStaleRunning(reason string) (int64, error) {
	now := time.Now()
	res := s.db.Model(&spiderDB.ExecutionLog{}).
		Where("status = ?", spiderDB.StatusRunning).
		Updates(map[string]interface{}{
			"status":        spiderDB.StatusFailed,
			"end_time":      now,
			"error_message": reason,
		})
	if res.Error != nil {
		return 0, wrap(res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Warn().Int64("count", res.RowsAffected).Msg("marked stale running executions as failed")
	}
	return res.RowsAffected, nil
}

// DeactivateSpiderCascade deactivates a spider and all its schedules in one
// transaction and returns the affected schedules so the synchronizer can
// drop their timers.
func (s *GormStore) DeactivateSpiderCascade(spiderID uint) ([]spiderDB.Schedule, error) {
	var schedules []spiderDB.Schedule
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var spider spiderDB.Spider
		if err := tx.First(&spider, spiderID).Error; err != nil {
			return err
		}
		if err := tx.Model(&spider).Update("is_active", false).Error; err != nil {
			return err
		}
		if err := tx.Where("spider_id = ?", spiderID).Order("id ASC").Find(&schedules).Error; err != nil {
			return err
		}
		if len(schedules) == 0 {
			return nil
		}
		if err := tx.Model(&spiderDB.Schedule{}).Where("spider_id = ?", spiderID).Update("is_active", false).Error; err != nil {
			return err
		}
		for i := range schedules {
			schedules[i].IsActive = false
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return schedules, nil
}
