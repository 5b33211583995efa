package scanner

import (
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
	"spider-admin/internal/spiderd/store"
)

func setupScannerStore(t *testing.T) (*store.GormStore, *gorm.DB) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "test_scanner_"+strconv.FormatInt(time.Now().UnixNano(), 10)+".db")

	gormDB, err := gorm.Open(sqlite.Open(dbFile), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := gormDB.AutoMigrate(&spiderDB.Spider{}); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil && sqlDB != nil {
			_ = sqlDB.Close()
		}
	})
	return store.NewGormStore(gormDB, zerolog.Nop()), gormDB
}

func newTestScanner(t *testing.T, st store.Store, dir string) *Scanner {
	t.Helper()
	s, err := New(st, Config{ScriptDir: dir, Interval: time.Hour}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func writeScriptFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("Failed to write script file: %v", err)
	}
	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	return abs
}

func TestScanRegistersNewScripts(t *testing.T) {
	st, gormDB := setupScannerStore(t)
	dir := t.TempDir()
	quotesPath := writeScriptFile(t, dir, "quotes.py", `"""Quotes crawler
Collects quotes from the demo site.
"""
print("ok")
`)
	fetchPath := writeScriptFile(t, dir, "fetch.sh", "#!/bin/sh\necho ok\n")

	s := newTestScanner(t, st, dir)
	created, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	var quotes spiderDB.Spider
	require.NoError(t, gormDB.Where("script_path = ?", quotesPath).First(&quotes).Error)
	assert.Equal(t, "Quotes crawler", quotes.Name)
	assert.Equal(t, "Collects quotes from the demo site.", quotes.Description)
	assert.True(t, quotes.IsActive)

	var fetch spiderDB.Spider
	require.NoError(t, gormDB.Where("script_path = ?", fetchPath).First(&fetch).Error)
	assert.Equal(t, "fetch", fetch.Name)
	assert.Empty(t, fetch.Description)
}

func TestScanSkipsRegisteredPaths(t *testing.T) {
	st, gormDB := setupScannerStore(t)
	dir := t.TempDir()
	path := writeScriptFile(t, dir, "existing.py", "print('ok')\n")

	// Pre-registered, deactivated by an operator.
	require.NoError(t, gormDB.Create(&spiderDB.Spider{Name: "custom name", ScriptPath: path, IsActive: false}).Error)

	s := newTestScanner(t, st, dir)
	created, err := s.Scan()
	require.NoError(t, err)
	assert.Zero(t, created)

	// The operator's edits survive the rescan.
	var existing spiderDB.Spider
	require.NoError(t, gormDB.Where("script_path = ?", path).First(&existing).Error)
	assert.Equal(t, "custom name", existing.Name)
	assert.False(t, existing.IsActive)

	var count int64
	gormDB.Model(&spiderDB.Spider{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestScanIsIdempotent(t *testing.T) {
	st, gormDB := setupScannerStore(t)
	dir := t.TempDir()
	writeScriptFile(t, dir, "a.py", "print('a')\n")

	s := newTestScanner(t, st, dir)
	created, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	created, err = s.Scan()
	require.NoError(t, err)
	assert.Zero(t, created)

	var count int64
	gormDB.Model(&spiderDB.Spider{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestScanIgnoresNonScriptFiles(t *testing.T) {
	st, gormDB := setupScannerStore(t)
	dir := t.TempDir()
	writeScriptFile(t, dir, "notes.txt", "not a script\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.py"), 0o755))

	s := newTestScanner(t, st, dir)
	created, err := s.Scan()
	require.NoError(t, err)
	assert.Zero(t, created)

	var count int64
	gormDB.Model(&spiderDB.Spider{}).Count(&count)
	assert.Zero(t, count)
}

func TestScanMissingDirectory(t *testing.T) {
	st, _ := setupScannerStore(t)
	s := newTestScanner(t, st, filepath.Join(t.TempDir(), "missing"))

	_, err := s.Scan()
	assert.Error(t, err)
}
