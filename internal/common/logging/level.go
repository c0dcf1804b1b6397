package logging

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

var levelMarkers = [][]byte{[]byte("level="), []byte(`"level":"`)}

func parseFormattedLevel(line []byte) (logrus.Level, bool) {
	for _, marker := range levelMarkers {
		i := bytes.Index(line, marker)
		if i < 0 {
			continue
		}
		rest := line[i+len(marker):]
		end := bytes.IndexAny(rest, " \"\n")
		if end < 0 {
			end = len(rest)
		}
		level, err := logrus.ParseLevel(string(rest[:end]))
		if err != nil {
			return 0, false
		}
		return level, true
	}
	return 0, false
}
