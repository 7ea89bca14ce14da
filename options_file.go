package reactor

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/pflag"
)

// optionsFile mirrors the YAML options document.
type optionsFile struct {
	NetworkStack                   string  `yaml:"network_stack"`
	SMP                            int     `yaml:"smp"`
	TaskQuotaMS                    float64 `yaml:"task_quota_ms"`
	MaxTaskBacklog                 int     `yaml:"max_task_backlog"`
	BlockedReactorNotifyMS         float64 `yaml:"blocked_reactor_notify_ms"`
	BlockedReactorReportsPerMinute int     `yaml:"blocked_reactor_reports_per_minute"`
	IdlePollTimeUS                 float64 `yaml:"idle_poll_time_us"`
	LowresGranularityMS            float64 `yaml:"lowres_granularity_ms"`
	MaxIORequests                  int     `yaml:"max_io_requests"`
	NumIOQueues                    int     `yaml:"num_io_queues"`
	PollMode                       bool    `yaml:"poll_mode"`
	Overprovisioned                bool    `yaml:"overprovisioned"`
	ThreadAffinity                 bool    `yaml:"thread_affinity"`
	LockMemory                     bool    `yaml:"lock_memory"`
	RelaxedDMA                     bool    `yaml:"relaxed_dma"`
	UnsafeBypassFsync              bool    `yaml:"unsafe_bypass_fsync"`
	NoHandleInterrupt              bool    `yaml:"no_handle_interrupt"`
}

// LoadOptionsFile reads a YAML options document, see [ParseOptions].
func LoadOptionsFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("reactor: load options: %w", err)
	}
	return ParseOptions(data)
}

// ParseOptions decodes a YAML options document onto [DefaultOptions].
// Unknown keys are an error. Non-positive values of settings that cannot be
// disabled fall back to their defaults.
func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	f := optionsFile{
		NetworkStack:                   opts.NetworkStack,
		SMP:                            opts.SMP,
		TaskQuotaMS:                    millis(opts.TaskQuota),
		MaxTaskBacklog:                 opts.MaxTaskBacklog,
		BlockedReactorNotifyMS:         millis(opts.BlockedReactorNotify),
		BlockedReactorReportsPerMinute: opts.BlockedReactorReportsPerMinute,
		IdlePollTimeUS:                 float64(opts.IdlePollTime) / float64(time.Microsecond),
		LowresGranularityMS:            millis(opts.LowresGranularity),
		MaxIORequests:                  opts.MaxIORequests,
		ThreadAffinity:                 opts.ThreadAffinity,
	}

	if err := yaml.UnmarshalWithOptions(data, &f, yaml.Strict()); err != nil {
		return Options{}, fmt.Errorf("reactor: parse options: %w", err)
	}

	// sanity clamps
	if f.SMP <= 0 {
		f.SMP = opts.SMP
	}
	if f.TaskQuotaMS <= 0 {
		f.TaskQuotaMS = millis(opts.TaskQuota)
	}
	if f.MaxTaskBacklog <= 0 {
		f.MaxTaskBacklog = opts.MaxTaskBacklog
	}
	if f.BlockedReactorNotifyMS <= 0 {
		f.BlockedReactorNotifyMS = millis(opts.BlockedReactorNotify)
	}
	if f.IdlePollTimeUS < 0 {
		f.IdlePollTimeUS = 0
	}
	if f.LowresGranularityMS <= 0 {
		f.LowresGranularityMS = millis(opts.LowresGranularity)
	}
	if f.MaxIORequests <= 0 {
		f.MaxIORequests = opts.MaxIORequests
	}
	if f.NumIOQueues < 0 {
		f.NumIOQueues = 0
	}
	if f.NetworkStack == `` {
		f.NetworkStack = opts.NetworkStack
	}

	opts.NetworkStack = f.NetworkStack
	opts.SMP = f.SMP
	opts.TaskQuota = fromMillis(f.TaskQuotaMS)
	opts.MaxTaskBacklog = f.MaxTaskBacklog
	opts.BlockedReactorNotify = fromMillis(f.BlockedReactorNotifyMS)
	opts.BlockedReactorReportsPerMinute = f.BlockedReactorReportsPerMinute
	opts.IdlePollTime = time.Duration(f.IdlePollTimeUS * float64(time.Microsecond))
	opts.LowresGranularity = fromMillis(f.LowresGranularityMS)
	opts.MaxIORequests = f.MaxIORequests
	opts.NumIOQueues = f.NumIOQueues
	opts.PollMode = f.PollMode
	opts.Overprovisioned = f.Overprovisioned
	opts.ThreadAffinity = f.ThreadAffinity
	opts.LockMemory = f.LockMemory
	opts.RelaxedDMA = f.RelaxedDMA
	opts.UnsafeBypassFsync = f.UnsafeBypassFsync
	opts.NoHandleInterrupt = f.NoHandleInterrupt
	return opts, nil
}

// BindFlags registers every option as a flag on fs, with the current values
// of o as defaults. Durations are given in the unit their name carries.
func (o *Options) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&o.SMP, `smp`, o.SMP, `number of cores`)
	fs.Var(&durationFlag{d: &o.TaskQuota, unit: time.Millisecond}, `task-quota-ms`, `preemption tick, in milliseconds`)
	fs.IntVar(&o.MaxTaskBacklog, `max-task-backlog`, o.MaxTaskBacklog, `tasks a queue may accumulate during one visit before yielding`)
	fs.Var(&durationFlag{d: &o.BlockedReactorNotify, unit: time.Millisecond}, `blocked-reactor-notify-ms`, `stall report threshold, in milliseconds`)
	fs.IntVar(&o.BlockedReactorReportsPerMinute, `blocked-reactor-reports-per-minute`, o.BlockedReactorReportsPerMinute, `stall reports allowed per minute, per core`)
	fs.Var(&durationFlag{d: &o.IdlePollTime, unit: time.Microsecond, allowZero: true}, `idle-poll-time-us`, `idle time spent polling before sleeping, in microseconds`)
	fs.Var(&durationFlag{d: &o.LowresGranularity, unit: time.Millisecond}, `lowres-granularity-ms`, `low resolution clock refresh period, in milliseconds`)
	fs.BoolVar(&o.PollMode, `poll-mode`, o.PollMode, `poll continuously, never sleep`)
	fs.BoolVar(&o.Overprovisioned, `overprovisioned`, o.Overprovisioned, `run on shared cpus: no idle polling, no thread affinity`)
	fs.BoolVar(&o.ThreadAffinity, `thread-affinity`, o.ThreadAffinity, `pin each core's thread to a cpu`)
	fs.BoolVar(&o.LockMemory, `lock-memory`, o.LockMemory, `lock all memory (mlockall)`)
	fs.IntVar(&o.MaxIORequests, `max-io-requests`, o.MaxIORequests, `in-flight disk request capacity`)
	fs.IntVar(&o.NumIOQueues, `num-io-queues`, o.NumIOQueues, `number of io coordinator cores (0 = smp)`)
	fs.BoolVar(&o.RelaxedDMA, `relaxed-dma`, o.RelaxedDMA, `fall back to buffered io where O_DIRECT is refused`)
	fs.BoolVar(&o.UnsafeBypassFsync, `unsafe-bypass-fsync`, o.UnsafeBypassFsync, `make file flushes a no-op`)
	fs.StringVar(&o.NetworkStack, `network-stack`, o.NetworkStack, `network stack name`)
	fs.BoolVar(&o.NoHandleInterrupt, `no-handle-interrupt`, o.NoHandleInterrupt, `do not stop on SIGINT`)
}

// durationFlag is a pflag.Value holding a duration as a plain number of
// some unit.
type durationFlag struct {
	d         *time.Duration
	unit      time.Duration
	allowZero bool
}

func (x *durationFlag) String() string {
	if x.d == nil {
		return `0`
	}
	return strconv.FormatFloat(float64(*x.d)/float64(x.unit), 'f', -1, 64)
}

func (x *durationFlag) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	d := time.Duration(v * float64(x.unit))
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0) || d < 0:
		return fmt.Errorf("must be a non-negative number: %s", s)
	case d == 0 && !x.allowZero:
		return fmt.Errorf("must be positive: %s", s)
	}
	*x.d = d
	return nil
}

func (x *durationFlag) Type() string { return `float` }

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func fromMillis(ms float64) time.Duration { return time.Duration(ms * float64(time.Millisecond)) }
