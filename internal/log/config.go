package log

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPattern = "%time [%level] %field %msg\n"
	DefaultTime    = "2006-01-02 15:04:05.000"
)

// Config controls the global logger.
type Config struct {
	Level   string          `mapstructure:"level" yaml:"level"`
	Pattern string          `mapstructure:"pattern" yaml:"pattern"`
	Time    string          `mapstructure:"time" yaml:"time"`
	File    FileConfig      `mapstructure:"file" yaml:"file"`
}

func (c Config) validate() error {
	if c.Level != "" {
		if _, err := logrus.ParseLevel(c.Level); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}
	if c.File.Enabled && c.File.Filename == "" {
		return errors.New("log: file appender requires a filename")
	}
	return nil
}
