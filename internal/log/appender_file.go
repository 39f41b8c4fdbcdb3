package log

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig is the log.file section. Sizes are in megabytes and ages in
// days; zero leaves the lumberjack default.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// AddRotatingFile opens the log file, creating its directory, and rotates
// it by size.
func (m *MultiWriter) AddRotatingFile(cfg FileConfig) (*MultiWriter, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0o755); err != nil {
		return m, fmt.Errorf("log: create directory for %s: %w", cfg.Filename, err)
	}
	m.appenders = append(m.appenders, appender{
		w: &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		owned: true,
	})
	return m, nil
}
