package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// ConfigureApplicationLogging sets up the standard logrus logger for an application: console output at the configured
// level and, optionally, a rotated log file written through lumberjack.
func ConfigureApplicationLogging(config Config) error {
	if err := validate(config); err != nil {
		return err
	}
	consoleLevel, _ := logrus.ParseLevel(config.Console.Level)

	logger := logrus.StandardLogger()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(formatterFor(config.Console.Format))
	logger.SetLevel(consoleLevel)
	logger.AddHook(NewPrometheusHook())

	if config.File.Enabled {
		fileLevel, _ := logrus.ParseLevel(config.File.Level)
		if fileLevel > consoleLevel {
			logger.SetLevel(fileLevel)
		}
		logger.AddHook(&writerHook{
			writer: &lumberjack.Logger{
				Filename:   config.File.LogFile,
				MaxSize:    config.File.Rotation.MaxSizeMb,
				MaxBackups: config.File.Rotation.MaxBackups,
				MaxAge:     config.File.Rotation.MaxAgeDays,
				Compress:   config.File.Rotation.Compress,
			},
			formatter: formatterFor(config.File.Format),
			levels:    levelsUpTo(fileLevel),
		})
		if fileLevel > consoleLevel {
			// The logger level now admits entries the console should not see.
			logger.SetOutput(&levelFilter{out: os.Stdout, max: consoleLevel})
		}
	}
	return nil
}

func formatterFor(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{TimestampFormat: RFC3339Milli}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli, DisableColors: true}
}

func levelsUpTo(max logrus.Level) []logrus.Level {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= max {
			levels = append(levels, l)
		}
	}
	return levels
}

// writerHook writes every entry at one of its levels to writer using its own formatter.
type writerHook struct {
	writer    io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level
}

func (h *writerHook) Levels() []logrus.Level {
	return h.levels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(b)
	return err
}

// levelFilter drops console lines more verbose than max. Entries are formatted before they reach the writer, so the
// level is recovered by re-parsing the "level=" field written by the formatters above.
type levelFilter struct {
	out io.Writer
	max logrus.Level
}

func (f *levelFilter) Write(p []byte) (int, error) {
	if level, ok := parseFormattedLevel(p); ok && level > f.max {
		return len(p), nil
	}
	return f.out.Write(p)
}
