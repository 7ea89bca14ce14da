package reactor

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// reactorCounters are the plain counters of one core, only touched by its
// own thread.
type reactorCounters struct {
	tasksProcessed uint64
	polls          uint64
	sleeps         uint64
	smpSent        uint64
	smpReceived    uint64
	sleepTime      time.Duration
	idleTime       time.Duration
}

type (
	// ReactorStats is a snapshot of one core's statistics.
	//
	// Example:
	//
	//	stats, _ := rt.Stats(ctx)
	//	for _, s := range stats {
	//		fmt.Printf("shard %d: %d tasks, slept %v\n",
	//			s.Shard, s.TasksProcessed, s.SleepTime)
	//	}
	ReactorStats struct {
		Groups         []GroupStats
		Shard          int
		TasksProcessed uint64
		Polls          uint64
		Sleeps         uint64
		Stalls         uint64
		SMPSent        uint64
		SMPReceived    uint64
		SleepTime      time.Duration
		IdleTime       time.Duration
	}

	// GroupStats is a snapshot of one scheduling group, on one core.
	GroupStats struct {
		Name           string
		Group          SchedulingGroup
		Shares         float64
		Runtime        time.Duration
		Vruntime       int64
		Queued         int
		TasksProcessed uint64
	}
)

// Stats returns r's statistics. Reactor thread only.
func (r *Reactor) Stats() ReactorStats {
	s := ReactorStats{
		Shard:          r.id,
		TasksProcessed: r.stats.tasksProcessed,
		Polls:          r.stats.polls,
		Sleeps:         r.stats.sleeps,
		Stalls:         r.stall.stalls.Load(),
		SMPSent:        r.stats.smpSent,
		SMPReceived:    r.stats.smpReceived,
		SleepTime:      r.stats.sleepTime,
		IdleTime:       r.stats.idleTime,
	}
	for _, tq := range r.queues {
		if tq == nil {
			continue
		}
		s.Groups = append(s.Groups, GroupStats{
			Name:           tq.name,
			Group:          tq.group,
			Shares:         tq.shares,
			Runtime:        tq.runtime,
			Vruntime:       tq.vruntime,
			Queued:         tq.tasks.Len(),
			TasksProcessed: tq.tasksProcessed,
		})
	}
	return s
}

// Stats collects the statistics of every core, by shard. The runtime must be
// running.
func (rt *Runtime) Stats(ctx context.Context) ([]ReactorStats, error) {
	res := make([]ReactorStats, len(rt.reactors))
	for i, r := range rt.reactors {
		s, err := Invoke(ctx, r, func() *Future[ReactorStats] {
			return MakeReadyFuture(r, r.Stats())
		})
		if err != nil {
			return nil, err
		}
		res[i] = s
	}
	return res, nil
}

// IOStats collects the statistics of every I/O queue, by priority class.
// The runtime must be running.
func (rt *Runtime) IOStats(ctx context.Context) ([]IOClassStats, error) {
	var res []IOClassStats
	for _, r := range rt.reactors {
		if r.ioCoordinator != r.id {
			continue
		}
		s, err := Invoke(ctx, r, func() *Future[[]IOClassStats] {
			return MakeReadyFuture(r, r.IOStats())
		})
		if err != nil {
			return nil, err
		}
		res = append(res, s...)
	}
	return res, nil
}

// collectTimeout bounds a scrape of a busy runtime.
const collectTimeout = time.Second

// collector exports runtime statistics to Prometheus.
type collector struct {
	rt *Runtime

	tasks, polls, sleeps, stalls, smpSent, smpReceived *prometheus.Desc
	sleepTime, idleTime                                 *prometheus.Desc
	groupRuntime, groupTasks, groupQueued, groupShares  *prometheus.Desc
	ioBytes, ioOps, ioQueued, ioQueueTime, ioQueueTimeQ *prometheus.Desc
}

// Collector returns a Prometheus collector for the runtime's statistics.
// Scrapes while the runtime is not running export nothing.
func (rt *Runtime) Collector() prometheus.Collector {
	shard := []string{`shard`}
	group := []string{`shard`, `group`}
	class := []string{`shard`, `class`}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(`reactor`, ``, name), help, labels, nil)
	}
	return &collector{
		rt:            rt,
		tasks:         desc(`tasks_processed_total`, `Tasks run.`, shard),
		polls:         desc(`polls_total`, `Poller passes.`, shard),
		sleeps:        desc(`sleeps_total`, `Times the core blocked for events.`, shard),
		stalls:        desc(`stalls_total`, `Task runs exceeding the blocked reactor threshold.`, shard),
		smpSent:       desc(`smp_sent_total`, `Cross-core messages sent.`, shard),
		smpReceived:   desc(`smp_received_total`, `Cross-core messages received.`, shard),
		sleepTime:     desc(`sleep_seconds_total`, `Time blocked for events.`, shard),
		idleTime:      desc(`idle_seconds_total`, `Time spent without tasks.`, shard),
		groupRuntime:  desc(`group_runtime_seconds_total`, `Time spent running the group's tasks.`, group),
		groupTasks:    desc(`group_tasks_processed_total`, `Tasks run in the group.`, group),
		groupQueued:   desc(`group_queue_length`, `Tasks waiting in the group.`, group),
		groupShares:   desc(`group_shares`, `Scheduling group shares.`, group),
		ioBytes:       desc(`io_bytes_total`, `Bytes transferred by the priority class.`, class),
		ioOps:         desc(`io_ops_total`, `Requests completed for the priority class.`, class),
		ioQueued:      desc(`io_queue_length`, `Requests waiting for admission.`, class),
		ioQueueTime:   desc(`io_queue_seconds_total`, `Time requests waited for admission.`, class),
		ioQueueTimeQ:  desc(`io_queue_seconds`, `Estimated admission wait quantiles.`, append(class, `quantile`)),
	}
}

func (x *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range [...]*prometheus.Desc{
		x.tasks, x.polls, x.sleeps, x.stalls, x.smpSent, x.smpReceived,
		x.sleepTime, x.idleTime,
		x.groupRuntime, x.groupTasks, x.groupQueued, x.groupShares,
		x.ioBytes, x.ioOps, x.ioQueued, x.ioQueueTime, x.ioQueueTimeQ,
	} {
		ch <- d
	}
}

func (x *collector) Collect(ch chan<- prometheus.Metric) {
	if x.rt.State() != StateRunning {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	stats, err := x.rt.Stats(ctx)
	if err != nil {
		x.rt.logger.Debug().
			Err(err).
			Log(`failed to collect reactor stats`)
		return
	}
	for _, s := range stats {
		shard := strconv.Itoa(s.Shard)
		counter := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, append([]string{shard}, labels...)...)
		}
		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{shard}, labels...)...)
		}
		counter(x.tasks, float64(s.TasksProcessed))
		counter(x.polls, float64(s.Polls))
		counter(x.sleeps, float64(s.Sleeps))
		counter(x.stalls, float64(s.Stalls))
		counter(x.smpSent, float64(s.SMPSent))
		counter(x.smpReceived, float64(s.SMPReceived))
		counter(x.sleepTime, s.SleepTime.Seconds())
		counter(x.idleTime, s.IdleTime.Seconds())
		for _, g := range s.Groups {
			counter(x.groupRuntime, g.Runtime.Seconds(), g.Name)
			counter(x.groupTasks, float64(g.TasksProcessed), g.Name)
			gauge(x.groupQueued, float64(g.Queued), g.Name)
			gauge(x.groupShares, g.Shares, g.Name)
		}
	}

	ioStats, err := x.rt.IOStats(ctx)
	if err != nil {
		x.rt.logger.Debug().
			Err(err).
			Log(`failed to collect io stats`)
		return
	}
	for _, s := range ioStats {
		labels := []string{strconv.Itoa(s.Shard), s.Class}
		ch <- prometheus.MustNewConstMetric(x.ioBytes, prometheus.CounterValue, float64(s.Bytes), labels...)
		ch <- prometheus.MustNewConstMetric(x.ioOps, prometheus.CounterValue, float64(s.Ops), labels...)
		ch <- prometheus.MustNewConstMetric(x.ioQueued, prometheus.GaugeValue, float64(s.Queued), labels...)
		ch <- prometheus.MustNewConstMetric(x.ioQueueTime, prometheus.CounterValue, s.QueueTime.Seconds(), labels...)
		ch <- prometheus.MustNewConstMetric(x.ioQueueTimeQ, prometheus.GaugeValue, s.QueueTimeP50.Seconds(), append(labels, `0.5`)...)
		ch <- prometheus.MustNewConstMetric(x.ioQueueTimeQ, prometheus.GaugeValue, s.QueueTimeP99.Seconds(), append(labels, `0.99`)...)
	}
}
