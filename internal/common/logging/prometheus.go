package logging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var logMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "log_messages",
		Help: "Total number of log lines logged by level",
	},
	[]string{"level"},
)

// PrometheusHook implements logrus.Hook and counts log lines per level.
type PrometheusHook struct{}

func NewPrometheusHook() *PrometheusHook {
	return &PrometheusHook{}
}

func (h *PrometheusHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.DebugLevel, logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}

func (h *PrometheusHook) Fire(entry *logrus.Entry) error {
	logMessages.WithLabelValues(entry.Level.String()).Inc()
	return nil
}
