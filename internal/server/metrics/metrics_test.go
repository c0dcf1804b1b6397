package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSchedulingPass(t *testing.T) {
	passes := testutil.ToFloat64(schedulingPassesMetric.WithLabelValues("heuristic"))
	assigned := testutil.ToFloat64(assignedTasksMetric)

	RecordSchedulingPass("heuristic", time.Millisecond, 3)
	RecordSchedulingPass("heuristic", time.Millisecond, 0)

	assert.Equal(t, passes+2, testutil.ToFloat64(schedulingPassesMetric.WithLabelValues("heuristic")))
	assert.Equal(t, assigned+3, testutil.ToFloat64(assignedTasksMetric))
}

func TestReportState(t *testing.T) {
	ReportState(4, 10, 2, -3)
	assert.Equal(t, 4.0, testutil.ToFloat64(readyTasksMetric))
	assert.Equal(t, 10.0, testutil.ToFloat64(pendingTasksMetric))
	assert.Equal(t, 2.0, testutil.ToFloat64(workersMetric))
	assert.Equal(t, -3.0, testutil.ToFloat64(freeCpusMetric))
}
