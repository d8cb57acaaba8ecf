package hotswap

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := newMetrics(reg, prometheus.Labels{"module": "game"})

	m.reloads.WithLabelValues(resultOK).Inc()
	m.reloads.WithLabelValues(resultOK).Inc()
	m.reloads.WithLabelValues(resultSymbol).Inc()
	m.generation.Set(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reloads.WithLabelValues(resultOK)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.generation))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP hotswap_reloads_total Reload cycles by result.
# TYPE hotswap_reloads_total counter
hotswap_reloads_total{module="game",result="ok"} 2
hotswap_reloads_total{module="game",result="symbol_failure"} 1
`), "hotswap_reloads_total")
	require.NoError(t, err)
}

func TestMetrics_Unregistered(t *testing.T) {
	m := newMetrics(nil, nil)
	m.retired.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retired))

	// A second set doesn't collide with the first.
	assert.NotPanics(t, func() { newMetrics(nil, nil) })
}
