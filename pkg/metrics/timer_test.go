package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())
	assert.Less(t, time.Since(timer.start), time.Second)
}

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	time.Sleep(20 * time.Millisecond)
	second := timer.Duration()

	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.Greater(t, second, first)
}

func TestTimerObserve(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timer_seconds",
		Help: "Test histogram",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_timer_vec_seconds",
		Help: "Test histogram vec",
	}, []string{"language"})

	timer := NewTimer()
	timer.ObserveDuration(histogram)
	timer.ObserveDurationVec(vec, "python")

	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
	assert.Equal(t, 1, testutil.CollectAndCount(vec))
}
