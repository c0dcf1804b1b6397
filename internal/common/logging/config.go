package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Config defines application logging configuration.
type Config struct {
	// Defines configuration for console logging on stdout
	Console struct {
		// Log level, e.g. info, error etc
		Level string
		// Logging format, either text or json
		Format string
	}
	// Defines configuration for file logging
	File struct {
		// Whether file logging is enabled.
		Enabled bool
		// Log level, e.g. info, error etc
		Level string
		// Logging format, either text or json
		Format string
		// The location of the logfile on disk
		LogFile string
		// Log rotation options
		Rotation struct {
			// Maximum size in megabytes of the log file before it gets rotated
			MaxSizeMb int
			// Maximum number of old log files to retain
			MaxBackups int
			// Maximum number of days to retain old log files
			MaxAgeDays int
			// Whether to compress rotated log files
			Compress bool
		}
	}
}

// DefaultConfig logs text at info level to the console only.
func DefaultConfig() Config {
	c := Config{}
	c.Console.Level = "info"
	c.Console.Format = "text"
	return c
}

func validate(c Config) error {
	if _, err := logrus.ParseLevel(c.Console.Level); err != nil {
		return errors.WithStack(err)
	}
	if err := validateLogFormat(c.Console.Format); err != nil {
		return err
	}
	if c.File.Enabled {
		if _, err := logrus.ParseLevel(c.File.Level); err != nil {
			return errors.WithStack(err)
		}
		if err := validateLogFormat(c.File.Format); err != nil {
			return err
		}
		if c.File.LogFile == "" {
			return errors.New("file.logFile must be set when file logging is enabled")
		}
		if c.File.Rotation.MaxSizeMb <= 0 {
			return errors.New("rotation.maxSizeMb must be greater than zero")
		}
	}
	return nil
}

func validateLogFormat(f string) error {
	if !validLogFormats[f] {
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, maps.Keys(validLogFormats))
	}
	return nil
}
