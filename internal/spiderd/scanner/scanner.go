// Package scanner watches the scripts directory and auto-registers new
// scripts as spiders.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	spiderDB "spider-admin/internal/spiderd/db"
	"spider-admin/internal/spiderd/store"
)

// docstringPattern captures the module docstring of a python script. The
// first line becomes the spider name, the rest its description.
var docstringPattern = regexp.MustCompile(`(?s)"""(.*?)"""`)

type Config struct {
	// ScriptDir is the directory scanned for spider scripts.
	ScriptDir string
	// Interval between periodic scans.
	Interval time.Duration
}

// Scanner periodically walks the scripts directory and creates an active
// Spider row for every script file not yet registered. Already-registered
// paths are never touched, so operator edits to a spider survive rescans.
type Scanner struct {
	store store.Store
	cfg   Config
	cron  gocron.Scheduler
	log   zerolog.Logger
}

func New(st store.Store, cfg Config, logger zerolog.Logger) (*Scanner, error) {
	cronScheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner scheduler: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scanner{
		store: st,
		cfg:   cfg,
		cron:  cronScheduler,
		log:   logger.With().Str("component", "scanner").Logger(),
	}, nil
}

// Start runs one immediate scan and then rescans on the configured
// interval. A failed scan is logged; the next interval retries.
func (s *Scanner) Start() error {
	if _, err := s.Scan(); err != nil {
		s.log.Error().Err(err).Msg("initial script scan failed")
	}
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := s.Scan(); err != nil {
				s.log.Error().Err(err).Msg("script scan failed")
			}
		}),
		gocron.WithName("script_scan"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule script scan: %w", err)
	}
	s.cron.Start()
	s.log.Info().Str("dir", s.cfg.ScriptDir).Dur("interval", s.cfg.Interval).Msg("script scanner started")
	return nil
}

func (s *Scanner) Stop() {
	if err := s.cron.Shutdown(); err != nil {
		s.log.Error().Err(err).Msg("error shutting down scanner scheduler")
	}
}

// Scan walks the scripts directory once and registers every unknown
// script file as an active spider. It returns the number of spiders
// created.
func (s *Scanner) Scan() (int, error) {
	entries, err := os.ReadDir(s.cfg.ScriptDir)
	if err != nil {
		return 0, fmt.Errorf("reading script dir: %w", err)
	}

	known, err := s.store.ListSpiderScriptPaths()
	if err != nil {
		return 0, err
	}
	registered := make(map[string]bool, len(known))
	for _, p := range known {
		registered[p] = true
	}

	created := 0
	for _, entry := range entries {
		if entry.IsDir() || !isScriptFile(entry.Name()) {
			continue
		}
		scriptPath, err := filepath.Abs(filepath.Join(s.cfg.ScriptDir, entry.Name()))
		if err != nil {
			s.log.Error().Str("file", entry.Name()).Err(err).Msg("could not resolve script path")
			continue
		}
		if registered[scriptPath] {
			continue
		}

		name, description := extractMetadata(scriptPath)
		newSpider := &spiderDB.Spider{
			Name:        name,
			Description: description,
			ScriptPath:  scriptPath,
			IsActive:    true,
		}
		if err := s.store.CreateSpider(newSpider); err != nil {
			s.log.Error().Str("script", scriptPath).Err(err).Msg("could not register spider")
			continue
		}
		registered[scriptPath] = true
		created++
		s.log.Info().Uint("spider_id", newSpider.ID).Str("name", newSpider.Name).
			Str("script", scriptPath).Msg("registered new spider from script")
	}
	if created > 0 {
		s.log.Info().Int("created", created).Msg("script scan registered new spiders")
	}
	return created, nil
}

func isScriptFile(name string) bool {
	switch filepath.Ext(name) {
	case ".py", ".sh":
		return true
	}
	return false
}

// extractMetadata derives the spider name and description from the script.
// For python scripts with a module docstring, the docstring's first line is
// the name and the remaining lines the description; everything else falls
// back to the file name without its extension.
func extractMetadata(scriptPath string) (name, description string) {
	base := filepath.Base(scriptPath)
	name = strings.TrimSuffix(base, filepath.Ext(base))

	if filepath.Ext(scriptPath) != ".py" {
		return name, ""
	}
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return name, ""
	}
	match := docstringPattern.FindSubmatch(content)
	if match == nil {
		return name, ""
	}
	lines := strings.Split(strings.TrimSpace(string(match[1])), "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		name = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		description = strings.TrimSpace(strings.Join(lines[1:], "\n"))
	}
	return name, description
}
