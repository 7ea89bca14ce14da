package reactor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_notRunning(t *testing.T) {
	rt := newTestRuntime(t)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(rt.Collector()))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestCollector_running(t *testing.T) {
	rt := newTestRuntime(t, WithSMP(2))
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(rt.Collector()))

	var (
		families []*dto.MetricFamily
		err      error
	)
	runMain(t, rt, func(r *Reactor) *Future[int] {
		// tasks are counted once they complete, so every core runs one first
		warm := InvokeOnAll(r, func(*Reactor) *Future[struct{}] { return nil })
		return Then(warm, func(struct{}) *Future[int] {
			p := NewPromise[int](r)
			f := p.Future()
			// scraped from outside, as an HTTP handler would
			go func() {
				families, err = reg.Gather()
				_ = r.Submit(func() { _ = p.SetValue(0) })
			}()
			return f
		})
	})
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily)
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	tasks := byName[`reactor_tasks_processed_total`]
	require.NotNil(t, tasks)
	assert.Equal(t, dto.MetricType_COUNTER, tasks.GetType())
	require.Len(t, tasks.GetMetric(), 2)
	for _, m := range tasks.GetMetric() {
		require.Len(t, m.GetLabel(), 1)
		assert.Equal(t, `shard`, m.GetLabel()[0].GetName())
		assert.Greater(t, m.GetCounter().GetValue(), 0.0)
	}

	shares := byName[`reactor_group_shares`]
	require.NotNil(t, shares)
	var mainShares int
	for _, m := range shares.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == `group` && l.GetValue() == `main` {
				mainShares++
				assert.Equal(t, float64(defaultShares), m.GetGauge().GetValue())
			}
		}
	}
	assert.Equal(t, 2, mainShares)

	// the default class is only materialized by its first request
	assert.NotContains(t, byName, `reactor_io_ops_total`)
}
