package reactor

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIOCoordinator(t *testing.T) {
	for _, tc := range [...]struct {
		smp, queues int
		want        []int
	}{
		{1, 1, []int{0}},
		{4, 4, []int{0, 1, 2, 3}},
		{4, 1, []int{0, 0, 0, 0}},
		{4, 2, []int{0, 0, 2, 2}},
		{5, 2, []int{0, 0, 0, 3, 3}},
		{6, 3, []int{0, 0, 2, 2, 4, 4}},
	} {
		t.Run(fmt.Sprintf(`%d_%d`, tc.smp, tc.queues), func(t *testing.T) {
			got := make([]int, tc.smp)
			for id := range got {
				got[id] = ioCoordinator(id, tc.smp, tc.queues)
			}
			assert.Equal(t, tc.want, got)
			// every coordinator serves itself
			for _, c := range got {
				assert.Equal(t, c, got[c])
			}
		})
	}
}

func TestIOWeight(t *testing.T) {
	assert.Equal(t, uint32(1), ioWeight(0))
	assert.Equal(t, uint32(1), ioWeight(ioWeightUnit-1))
	assert.Equal(t, uint32(2), ioWeight(ioWeightUnit))
	assert.Equal(t, uint32(9), ioWeight(128<<10))
}

func TestRegisterPriorityClass(t *testing.T) {
	rt := newTestRuntime(t)
	def := rt.DefaultPriorityClass()
	assert.Same(t, def, rt.DefaultPriorityClass())
	assert.Equal(t, defaultPriorityClassName, def.Name())
	assert.Equal(t, uint32(defaultShares), def.Shares())

	a := rt.RegisterPriorityClass(PriorityClassConfig{Name: `a`, Shares: 0})
	assert.Equal(t, uint32(1), a.Shares())
	assert.Same(t, a, rt.RegisterPriorityClass(PriorityClassConfig{Name: `a`, Shares: 500}))
	assert.Equal(t, uint32(1), a.Shares())

	r := rt.Reactor(0)
	f := a.SetShares(r, 200)
	runUntilIdle(r)
	_, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, uint32(200), a.Shares())
}

func TestIOQueue_bandwidthLimit(t *testing.T) {
	rt := newTestRuntime(t)
	// burst covers the first write, the second waits for the bucket
	slow := rt.RegisterPriorityClass(PriorityClassConfig{
		Name:           `slow`,
		Shares:         100,
		BandwidthLimit: 64 << 10,
		Burst:          16 << 10,
	})
	name := filepath.Join(t.TempDir(), `limited`)
	var (
		elapsed time.Duration
		stats   []IOClassStats
	)
	runMain(t, rt, func(r *Reactor) *Future[int] {
		return Then(OpenFile(r, name, FileOpenOptions{Class: slow, Flags: unix.O_WRONLY | unix.O_CREAT, Perm: 0o600}), func(f *File) *Future[int] {
			buf := make([]byte, 16<<10)
			start := Now[SteadyClock](r)
			return Then(WhenAll(r, f.WriteAt(buf, 0), f.WriteAt(buf, int64(len(buf)))), func([]int) *Future[int] {
				elapsed = Now[SteadyClock](r) - start
				stats = r.IOStats()
				return Map(f.Close(), func(struct{}) (int, error) { return 0, nil })
			})
		})
	})
	// 16KiB at 64KiB/s
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	var found bool
	for _, s := range stats {
		if s.Class == `slow` {
			found = true
			assert.Equal(t, uint32(100), s.Shares)
			assert.Equal(t, float64(64<<10), s.BandwidthLimit)
			assert.Equal(t, uint64(2), s.Ops)
			assert.Equal(t, uint64(32<<10), s.Bytes)
			assert.Greater(t, s.QueueTime, 100*time.Millisecond)
		}
	}
	assert.True(t, found)

	info, err := os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, int64(32<<10), info.Size())
}

func TestIOQueue_concurrencyBound(t *testing.T) {
	rt := newTestRuntime(t, WithIOQueues(1, 1))
	name := filepath.Join(t.TempDir(), `bounded`)
	runMain(t, rt, func(r *Reactor) *Future[int] {
		return Then(OpenFile(r, name, FileOpenOptions{Flags: unix.O_RDWR | unix.O_CREAT, Perm: 0o600}), func(f *File) *Future[int] {
			fs := make([]*Future[int], 8)
			for i := range fs {
				fs[i] = f.WriteAt([]byte{byte(i)}, int64(i))
			}
			// only one request may be in flight
			assert.Equal(t, 1, r.aio.inflight)
			return Then(WhenAll(r, fs...), func(ns []int) *Future[int] {
				for _, n := range ns {
					assert.Equal(t, 1, n)
				}
				return Map(f.Close(), func(struct{}) (int, error) { return 0, nil })
			})
		})
	})
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, data)
}
