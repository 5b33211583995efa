// Package config collects the service's environment-driven settings in
// one place.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerAddr  string
	LogLevel    string
	DBType      string // "sqlite" (default) or "mysql"
	DBDSN       string
	ScriptDir   string
	SkipOverlap bool
	Scanner     ScannerConfig
	Kafka       KafkaConfig
}

type ScannerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	ExecutionTopic string
}

// Load reads configuration from the process environment, falling back to
// development defaults.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_TYPE", "sqlite")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("SCRIPT_DIR", "./scripts")
	v.SetDefault("SCHEDULER_SKIP_OVERLAP", false)
	v.SetDefault("SCANNER_ENABLED", true)
	v.SetDefault("SCANNER_INTERVAL", "1h")
	v.SetDefault("KAFKA_ENABLED", false)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_EXECUTION_TOPIC", "spider_execution_events")

	return &Config{
		ServerAddr:  v.GetString("SERVER_ADDR"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		DBType:      v.GetString("DB_TYPE"),
		DBDSN:       v.GetString("DB_DSN"),
		ScriptDir:   v.GetString("SCRIPT_DIR"),
		SkipOverlap: v.GetBool("SCHEDULER_SKIP_OVERLAP"),
		Scanner: ScannerConfig{
			Enabled:  v.GetBool("SCANNER_ENABLED"),
			Interval: v.GetDuration("SCANNER_INTERVAL"),
		},
		Kafka: KafkaConfig{
			Enabled:        v.GetBool("KAFKA_ENABLED"),
			Brokers:        splitList(v.GetString("KAFKA_BROKERS")),
			ExecutionTopic: v.GetString("KAFKA_EXECUTION_TOPIC"),
		},
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
