package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
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
	"spider-admin/internal/spiderd/hub"
	"spider-admin/internal/spiderd/store"
)

func setupEngineStore(t *testing.T) (*store.GormStore, *gorm.DB) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "test_engine_"+strconv.FormatInt(time.Now().UnixNano(), 10)+".db")

	gormDB, err := gorm.Open(sqlite.Open(dbFile), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	err = gormDB.AutoMigrate(&spiderDB.Spider{}, &spiderDB.Schedule{}, &spiderDB.Environment{},
		&spiderDB.EnvironmentVariable{}, &spiderDB.SpiderEnvironment{}, &spiderDB.ExecutionLog{})
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil && sqlDB != nil {
			_ = sqlDB.Close()
		}
	})
	return store.NewGormStore(gormDB, zerolog.Nop()), gormDB
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spider.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("Failed to write test script: %v", err)
	}
	return path
}

func newTestDispatcher(st store.Store, cfg DispatcherConfig) (*Dispatcher, *hub.Hub) {
	h := hub.New(zerolog.Nop())
	return NewDispatcher(st, h, nil, cfg, zerolog.Nop()), h
}

func TestExecuteSuccess(t *testing.T) {
	st, gormDB := setupEngineStore(t)
	d, _ := newTestDispatcher(st, DispatcherConfig{})

	script := writeScript(t, `echo '{"ok":true}'`)
	spider := spiderDB.Spider{Name: "ok", ScriptPath: script, IsActive: true}
	require.NoError(t, gormDB.Create(&spider).Error)

	entry, err := d.Execute(context.Background(), spider.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, spiderDB.StatusSuccess, entry.Status)
	assert.Contains(t, entry.LogContent, `{"ok":true}`)
	assert.Empty(t, entry.ErrorMessage)
	assert.NotNil(t, entry.EndTime)

	stored, err := st.GetExecutionLog(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, spiderDB.StatusSuccess, stored.Status)
	assert.Contains(t, stored.LogContent, `{"ok":true}`)
	assert.NotNil(t, stored.EndTime)
}

func TestExecuteNonZeroExit(t *testing.T) {
	st, gormDB := setupEngineStore(t)
	d, _ := newTestDispatcher(st, DispatcherConfig{})

	script := writeScript(t, "echo partial output\necho something broke >&2\nexit 3")
	spider := spiderDB.Spider{Name: "broken", ScriptPath: script, IsActive: true}
	require.NoError(t, gormDB.Create(&spider).Error)

	entry, err := d.Execute(context.Background(), spider.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, spiderDB.StatusFailed, entry.Status)
	assert.Contains(t, entry.LogContent, "partial output")
	assert.Contains(t, entry.ErrorMessage, "something broke")
	assert.NotNil(t, entry.EndTime)
}

func TestExecuteMissingSpiderCreatesNoRecord(t *testing.T) {
	st, gormDB := setupEngineStore(t)
	d, _ := newTestDispatcher(st, DispatcherConfig{})

	_, err := d.Execute(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrMissingTarget)

	var count int64
	gormDB.Model(&spiderDB.ExecutionLog{}).Count(&count)
	assert.Zero(t, count)
}

func TestExecuteInactiveSpiderCreatesNoRecord(t *testing.T) {
	st, gormDB := setupEngineStore(t)
	d, _ := newTestDispatcher(st, DispatcherConfig{})

	spider := spiderDB.Spider{Name: "off", ScriptPath: "off.sh", IsActive: false}
	require.NoError(t, gormDB.Create(&spider).Error)

	_, err := d.Execute(context.Background(), spider.ID)
	assert.ErrorIs(t, err, ErrMissingTarget)

	var count int64
	gormDB.Model(&spiderDB.ExecutionLog{}).Count(&count)
	assert.Zero(t, count)
}

func TestExecuteMissingScriptFailsRecord(t *testing.T) {
	st, gormDB := setupEngineStore(t)
	d, _ := newTestDispatcher(st, DispatcherConfig{ScriptDir: t.TempDir()})

	spider := spiderDB.Spider{Name: "ghost", ScriptPath: "does-not-exist.sh", IsActive: true}
	require.NoError(t, gormDB.Create(&spider).Error)

	entry, err := d.Execute(context.Background(), spider.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, spiderDB.StatusFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "does-not-exist.sh")
	assert.NotNil(t, entry.EndTime)
}

func TestExecuteMergesResolvedEnvironment(t *testing.T) {
	st, gormDB := setupEngineStore(t)
	d, _ := newTestDispatcher(st, DispatcherConfig{})

	script := writeScript(t, `printf "%s" "$GREETING"`)
	spider := spiderDB.Spider{Name: "env", ScriptPath: script, IsActive: true}
	require.NoError(t, gormDB.Create(&spider).Error)

	envA := spiderDB.Environment{Name: "a"}
	envB := spiderDB.Environment{Name: "b"}
	require.NoError(t, gormDB.Create(&envA).Error)
	require.NoError(t, gormDB.Create(&envB).Error)
	require.NoError(t, gormDB.Create(&spiderDB.EnvironmentVariable{EnvironmentID: envA.ID, Key: "GREETING", Value: "1"}).Error)
	require.NoError(t, gormDB.Create(&spiderDB.EnvironmentVariable{EnvironmentID: envB.ID, Key: "GREETING", Value: "2"}).Error)
	require.NoError(t, gormDB.Create(&spiderDB.SpiderEnvironment{SpiderID: spider.ID, EnvironmentID: envA.ID}).Error)
	require.NoError(t, gormDB.Create(&spiderDB.SpiderEnvironment{SpiderID: spider.ID, EnvironmentID: envB.ID}).Error)

	entry, err := d.Execute(context.Background(), spider.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, spiderDB.StatusSuccess, entry.Status)
	// Later binding wins.
	assert.Equal(t, "2", entry.LogContent)
}

// terminalWriteFailStore rejects every terminal status write.
type terminalWriteFailStore struct {
	store.Store
}

func (s *terminalWriteFailStore) UpdateExecutionLog(id uint, patch map[string]interface{}) error {
	return fmt.Errorf("%w: disk full", store.ErrStore)
}

func TestExecuteSurfacesTerminalPersistFailure(t *testing.T) {
	st, gormDB := setupEngineStore(t)
	d, _ := newTestDispatcher(&terminalWriteFailStore{Store: st}, DispatcherConfig{})

	script := writeScript(t, `echo ok`)
	spider := spiderDB.Spider{Name: "unpersisted", ScriptPath: script, IsActive: true}
	require.NoError(t, gormDB.Create(&spider).Error)

	entry, err := d.Execute(context.Background(), spider.ID)
	require.NotNil(t, entry)
	assert.ErrorIs(t, err, store.ErrStore)
	// The in-memory record still carries the outcome.
	assert.Equal(t, spiderDB.StatusSuccess, entry.Status)

	// The stored row stays running; the startup sweep reconciles it.
	stored, getErr := st.GetExecutionLog(entry.ID)
	require.NoError(t, getErr)
	assert.Equal(t, spiderDB.StatusRunning, stored.Status)
}

func TestExecuteRunsToCompletionAfterCallerCancel(t *testing.T) {
	st, gormDB := setupEngineStore(t)
	d, _ := newTestDispatcher(st, DispatcherConfig{})

	script := writeScript(t, `echo done`)
	spider := spiderDB.Spider{Name: "detached", ScriptPath: script, IsActive: true}
	require.NoError(t, gormDB.Create(&spider).Error)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entry, err := d.Execute(ctx, spider.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, spiderDB.StatusSuccess, entry.Status)
	assert.Contains(t, entry.LogContent, "done")
}

func TestExecuteOverlapSkipped(t *testing.T) {
	st, gormDB := setupEngineStore(t)
	d, _ := newTestDispatcher(st, DispatcherConfig{SkipOverlap: true})

	script := writeScript(t, "sleep 1")
	spider := spiderDB.Spider{Name: "slow", ScriptPath: script, IsActive: true}
	require.NoError(t, gormDB.Create(&spider).Error)

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		close(started)
		_, _ = d.Execute(context.Background(), spider.ID)
		close(finished)
	}()
	<-started
	time.Sleep(200 * time.Millisecond)

	_, err := d.Execute(context.Background(), spider.ID)
	assert.ErrorIs(t, err, ErrOverlapSkipped)
	<-finished

	// Only the first run produced a record.
	var count int64
	gormDB.Model(&spiderDB.ExecutionLog{}).Count(&count)
	assert.Equal(t, int64(1), count)
}
