package store

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	spiderDB "spider-admin/internal/spiderd/db"
)

func setupStore(t *testing.T) (*GormStore, *gorm.DB, func()) {
	dbFile := "test_store_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	_ = os.Remove(dbFile)

	gormDB, err := gorm.Open(sqlite.Open(dbFile), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database '%s': %v", dbFile, err)
	}
	err = gormDB.AutoMigrate(&spiderDB.Spider{}, &spiderDB.Schedule{}, &spiderDB.Environment{},
		&spiderDB.EnvironmentVariable{}, &spiderDB.SpiderEnvironment{}, &spiderDB.ExecutionLog{})
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	cleanup := func() {
		sqlDB, err := gormDB.DB()
		if err == nil && sqlDB != nil {
			_ = sqlDB.Close()
		}
		_ = os.Remove(dbFile)
	}
	return NewGormStore(gormDB, zerolog.Nop()), gormDB, cleanup
}

func TestGetSpiderNotFound(t *testing.T) {
	st, _, cleanup := setupStore(t)
	defer cleanup()

	_, err := st.GetSpider(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveSchedules(t *testing.T) {
	st, gormDB, cleanup := setupStore(t)
	defer cleanup()

	spider := spiderDB.Spider{Name: "s", ScriptPath: "s.py", IsActive: true}
	require.NoError(t, gormDB.Create(&spider).Error)

	active := spiderDB.Schedule{SpiderID: spider.ID, CronExpression: "* * * * *", IsActive: true}
	inactive := spiderDB.Schedule{SpiderID: spider.ID, CronExpression: "0 0 * * *", IsActive: false}
	require.NoError(t, gormDB.Create(&active).Error)
	require.NoError(t, gormDB.Create(&inactive).Error)

	schedules, err := st.ListActiveSchedules()
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, active.ID, schedules[0].ID)
}

func TestEnvironmentBindingOrder(t *testing.T) {
	st, gormDB, cleanup := setupStore(t)
	defer cleanup()

	spider := spiderDB.Spider{Name: "s", ScriptPath: "s.py", IsActive: true}
	require.NoError(t, gormDB.Create(&spider).Error)

	envA := spiderDB.Environment{Name: "a"}
	envB := spiderDB.Environment{Name: "b"}
	require.NoError(t, gormDB.Create(&envA).Error)
	require.NoError(t, gormDB.Create(&envB).Error)

	require.NoError(t, gormDB.Create(&spiderDB.SpiderEnvironment{SpiderID: spider.ID, EnvironmentID: envA.ID}).Error)
	require.NoError(t, gormDB.Create(&spiderDB.SpiderEnvironment{SpiderID: spider.ID, EnvironmentID: envB.ID}).Error)

	bindings, err := st.ListEnvironmentBindings(spider.ID)
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, envA.ID, bindings[0].EnvironmentID)
	assert.Equal(t, envB.ID, bindings[1].EnvironmentID)
}

func TestUpdateExecutionLogPatch(t *testing.T) {
	st, _, cleanup := setupStore(t)
	defer cleanup()

	entry := &spiderDB.ExecutionLog{SpiderID: 1, StartTime: time.Now(), Status: spiderDB.StatusRunning}
	require.NoError(t, st.CreateExecutionLog(entry))
	require.NotZero(t, entry.ID)

	end := time.Now()
	err := st.UpdateExecutionLog(entry.ID, map[string]interface{}{
		"status":        spiderDB.StatusFailed,
		"end_time":      end,
		"error_message": "boom",
	})
	require.NoError(t, err)

	fetched, err := st.GetExecutionLog(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, spiderDB.StatusFailed, fetched.Status)
	assert.Equal(t, "boom", fetched.ErrorMessage)
	assert.NotNil(t, fetched.EndTime)

	err = st.UpdateExecutionLog(99999, map[string]interface{}{"status": spiderDB.StatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepStaleRunning(t *testing.T) {
	st, _, cleanup := setupStore(t)
	defer cleanup()

	stale := &spiderDB.ExecutionLog{SpiderID: 1, StartTime: time.Now(), Status: spiderDB.StatusRunning}
	done := &spiderDB.ExecutionLog{SpiderID: 1, StartTime: time.Now(), Status: spiderDB.StatusSuccess}
	require.NoError(t, st.CreateExecutionLog(stale))
	require.NoError(t, st.CreateExecutionLog(done))

	count, err := st.SweepStaleRunning("process restarted before execution finished")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	swept, err := st.GetExecutionLog(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, spiderDB.StatusFailed, swept.Status)
	assert.Equal(t, "process restarted before execution finished", swept.ErrorMessage)
	assert.NotNil(t, swept.EndTime)

	untouched, err := st.GetExecutionLog(done.ID)
	require.NoError(t, err)
	assert.Equal(t, spiderDB.StatusSuccess, untouched.Status)
}

func TestDeactivateSpiderCascade(t *testing.T) {
	st, gormDB, cleanup := setupStore(t)
	defer cleanup()

	spider := spiderDB.Spider{Name: "s", ScriptPath: "s.py", IsActive: true}
	require.NoError(t, gormDB.Create(&spider).Error)
	sched1 := spiderDB.Schedule{SpiderID: spider.ID, CronExpression: "* * * * *", IsActive: true}
	sched2 := spiderDB.Schedule{SpiderID: spider.ID, CronExpression: "0 * * * *", IsActive: true}
	require.NoError(t, gormDB.Create(&sched1).Error)
	require.NoError(t, gormDB.Create(&sched2).Error)

	schedules, err := st.DeactivateSpiderCascade(spider.ID)
	require.NoError(t, err)
	assert.Len(t, schedules, 2)
	for _, sc := range schedules {
		assert.False(t, sc.IsActive)
	}

	var reloaded spiderDB.Spider
	require.NoError(t, gormDB.First(&reloaded, spider.ID).Error)
	assert.False(t, reloaded.IsActive)

	var activeCount int64
	gormDB.Model(&spiderDB.Schedule{}).Where("spider_id = ? AND is_active = ?", spider.ID, true).Count(&activeCount)
	assert.Zero(t, activeCount)
}
