package metrics

import (
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func TestMetrics_Calls(t *testing.T) {
	m := NewMetrics("call-service")

	m.RecordCall("audio", "ringing")
	m.RecordCall("audio", "ringing")
	m.RecordCall("video", "ended")
	m.SetActiveCalls(3)
	m.RecordCallDuration("audio", 45*time.Second)
	m.RecordCallFailure("audio", "network")
	m.RecordCallsReaped(2)
	m.RecordCallsReaped(1)

	assert.Len(t, family(t, m, "calls_total").GetMetric(), 2)
	assert.Equal(t, 3.0, family(t, m, "calls_active").GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, uint64(1), family(t, m, "calls_duration_seconds").GetMetric()[0].GetHistogram().GetSampleCount())
	assert.Equal(t, 3.0, family(t, m, "calls_reaped_total").GetMetric()[0].GetCounter().GetValue())
}

func TestMetrics_Notifications(t *testing.T) {
	m := NewMetrics("call-service")

	m.RecordNotification("redis", nil)
	m.RecordNotification("redis", errors.New("timeout"))
	m.RecordNotificationDropped()

	assert.Equal(t, 1.0, family(t, m, "call_notifications_total").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, family(t, m, "call_notifications_failed_total").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, family(t, m, "call_notifications_dropped_total").GetMetric()[0].GetCounter().GetValue())
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("a")
		NewMetrics("b")
	})
}
