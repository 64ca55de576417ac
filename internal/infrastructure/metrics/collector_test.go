package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	c.TaskStarted("host")
	c.TaskStarted("guest")
	c.TaskFinished("completed")
	c.StepObserved("vm", "cross", "ok", 3*time.Second)
	c.BytesStreamed(2048)
	c.BytesStreamed(-1)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.activeTasks))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.tasksFinished.WithLabelValues("completed")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(c.streamedBytes))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stepDuration))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}
