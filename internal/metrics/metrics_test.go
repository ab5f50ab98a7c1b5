package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveRender(200*time.Microsecond, 2)
	m.ObserveRender(100*time.Microsecond, 0)
	m.PoolExhausted()
	m.InputDropped(0)
	m.InputDropped(32)
	m.SetActiveStreams(3)
	m.StreamRemoved("stopped")
	m.StreamRemoved("stopped")
	m.DeviceLost("output")
	m.Recorded(1024)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.callbacks))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.underruns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolExhausted))
	assert.Equal(t, 32.0, testutil.ToFloat64(m.inputDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeStreams))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reaped.WithLabelValues("stopped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deviceLost.WithLabelValues("output")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.recorded))
}

func TestEngineMetrics_State(t *testing.T) {
	m := NewUnregistered()
	all := []string{"idle", "playing", "error"}
	m.SetState("playing", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("playing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("idle")))

	m.SetState("error", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("playing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("error")))
}

func TestEngineMetrics_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestHandler_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.PoolExhausted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "devsound_pool_exhausted_total 1"))
}
