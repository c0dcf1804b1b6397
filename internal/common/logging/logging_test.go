package logging

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestWithStacktrace(t *testing.T) {
	logger, hook := test.NewNullLogger()
	err := errors.Wrap(errors.New("disk full"), "writing checkpoint")

	WithStacktrace(logrus.NewEntry(logger), err).Error("checkpoint failed")

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, err, entry.Data[logrus.ErrorKey])
		assert.NotNil(t, entry.Data[Stacktrace])
	}
}

func TestExtractStack_NoStack(t *testing.T) {
	assert.Nil(t, ExtractStack(assert.AnError))
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate func(c *Config)
		valid  bool
	}{
		"default": {
			mutate: func(c *Config) {},
			valid:  true,
		},
		"unknown console level": {
			mutate: func(c *Config) { c.Console.Level = "loud" },
		},
		"unknown format": {
			mutate: func(c *Config) { c.Console.Format = "xml" },
		},
		"file without path": {
			mutate: func(c *Config) {
				c.File.Enabled = true
				c.File.Level = "debug"
				c.File.Format = "json"
				c.File.Rotation.MaxSizeMb = 10
			},
		},
		"file": {
			mutate: func(c *Config) {
				c.File.Enabled = true
				c.File.Level = "debug"
				c.File.Format = "json"
				c.File.LogFile = "/tmp/loom.log"
				c.File.Rotation.MaxSizeMb = 10
			},
			valid: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(&c)
			err := validate(c)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseFormattedLevel(t *testing.T) {
	tests := map[string]struct {
		line  string
		level logrus.Level
		ok    bool
	}{
		"text":    {line: `time="x" level=debug msg="hello"` + "\n", level: logrus.DebugLevel, ok: true},
		"json":    {line: `{"level":"warning","msg":"hello"}` + "\n", level: logrus.WarnLevel, ok: true},
		"missing": {line: "hello\n"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			level, ok := parseFormattedLevel([]byte(tc.line))
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.level, level)
			}
		})
	}
}
