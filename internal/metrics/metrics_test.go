package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)

	assert.NotNil(t, collector.updatesApplied)
	assert.NotNil(t, collector.updatesRejected)
	assert.NotNil(t, collector.workersReserved)
	assert.NotNil(t, collector.recoveryTime)
	assert.NotNil(t, collector.replayedUpdates)

	families, err := reg.Gather()
	require.NoError(t, err)
	// Vectors without observations are not gathered yet.
	assert.Len(t, families, 7)
}

func TestRecordApplied(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordApplied("CREATE_JOB")
	collector.RecordApplied("CREATE_JOB")
	collector.RecordApplied("FINISH_TASK")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.updatesApplied.WithLabelValues("CREATE_JOB")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.updatesApplied.WithLabelValues("FINISH_TASK")))
}

func TestRecordRejected(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordRejected("REMOVE_TASK")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.updatesRejected.WithLabelValues("REMOVE_TASK")))
	assert.Zero(t, testutil.ToFloat64(collector.updatesApplied.WithLabelValues("REMOVE_TASK")))
}

func TestRecordReserved(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordReserved(3)
	collector.RecordReserved(0)
	collector.RecordReserved(2)
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.workersReserved))
}

func TestSetRecovery(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.SetRecovery(1500*time.Millisecond, 42)
	assert.Equal(t, 1.5, testutil.ToFloat64(collector.recoveryTime))
	assert.Equal(t, 42.0, testutil.ToFloat64(collector.replayedUpdates))
}

func TestUpdateStateStats(t *testing.T) {
	collector, _ := newTestCollector(t)

	testCases := []struct {
		name                               string
		available, active, pending, client int
	}{
		{"zero values", 0, 0, 0, 0},
		{"normal values", 4, 2, 1, 3},
		{"exhausted pool", 0, 10, 5, 20},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.UpdateStateStats(tc.available, tc.active, tc.pending, tc.client)
			assert.Equal(t, float64(tc.available), testutil.ToFloat64(collector.workersAvailable))
			assert.Equal(t, float64(tc.active), testutil.ToFloat64(collector.jobsActive))
			assert.Equal(t, float64(tc.pending), testutil.ToFloat64(collector.tasksPending))
			assert.Equal(t, float64(tc.client), testutil.ToFloat64(collector.jobClients))
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordApplied("REGISTER_WORKER")
			collector.RecordReserved(1)
			collector.UpdateStateStats(1, 1, 1, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.updatesApplied.WithLabelValues("REGISTER_WORKER")))
	assert.Equal(t, 100.0, testutil.ToFloat64(collector.workersReserved))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	assert.Panics(t, func() {
		NewCollector(reg)
	}, "a second collector on the same registry should panic")
}

func TestMetricsEndpoint(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordApplied("CREATE_JOB")

	server := httptest.NewServer(NewServer(0, reg).Handler)
	defer server.Close()

	resp, err := server.Client().Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `dispatcher_updates_applied_total{type="CREATE_JOB"} 1`)
	assert.Contains(t, string(body), "dispatcher_workers_available 0")
}

func TestStartServerInvalidPort(t *testing.T) {
	assert.Error(t, StartServer(-1))
}
