package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventsPulled.WithLabelValues("objects").Add(3)
	m.DeadLettered.WithLabelValues("objects", "mapping").Inc()
	m.Halted.WithLabelValues("objects").Set(1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsPulled.WithLabelValues("objects")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLettered.WithLabelValues("objects", "mapping")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "kvsync_events_pulled_total")
	assert.Contains(t, names, "kvsync_connector_halted")
}

func TestNewWithoutRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
