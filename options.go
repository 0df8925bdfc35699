package ringrt

import "time"

// defaultPreemptPeriod is the run loop's periodic need_preempt signal
// interval absent an explicit WithPreemptPeriod - spec.md's "periodic
// preemption timer" fires roughly every 100us.
const defaultPreemptPeriod = 100 * time.Microsecond

// executorOptions holds the resolved configuration for NewExecutor.
// Arena sizing and submission mode are left at their zero values unless an
// option sets them explicitly, so NewExecutor can tell "unset" apart from
// "set to the environment's default" (see submitModeSet).
type executorOptions struct {
	logger Logger

	preemptPeriod time.Duration

	arenaSlots     int
	arenaSlotBytes int

	submitMode    SubmitMode
	submitModeSet bool

	metricsEnabled bool
}

// ExecutorOption configures an Executor at construction time, mirroring
// this tree's functional-options pattern for the event loop (LoopOption /
// loopOptionImpl).
type ExecutorOption interface {
	applyExecutor(*executorOptions)
}

type executorOptionImpl struct {
	fn func(*executorOptions)
}

func (o *executorOptionImpl) applyExecutor(cfg *executorOptions) { o.fn(cfg) }

// WithLogger overrides the executor's structured logger. Absent this
// option, NewExecutor uses the process-wide logger set via
// SetStructuredLogger (or the default no-op logger).
func WithLogger(logger Logger) ExecutorOption {
	return &executorOptionImpl{fn: func(cfg *executorOptions) {
		cfg.logger = logger
	}}
}

// WithArenaSize overrides the task arena's slot count and per-slot byte
// size, taking precedence over RINGRT_ARENA_SLOTS/RINGRT_ARENA_SLOT_BYTES.
func WithArenaSize(slots, slotBytes int) ExecutorOption {
	return &executorOptionImpl{fn: func(cfg *executorOptions) {
		cfg.arenaSlots = slots
		cfg.arenaSlotBytes = slotBytes
	}}
}

// WithSubmitMode overrides the reactor's submission-batching policy,
// taking precedence over RINGRT_SUBMIT_MODE.
func WithSubmitMode(mode SubmitMode) ExecutorOption {
	return &executorOptionImpl{fn: func(cfg *executorOptions) {
		cfg.submitMode = mode
		cfg.submitModeSet = true
	}}
}

// WithPreemptPeriod overrides the interval at which the run loop's
// cooperative preemption timer re-arms (default 100us).
func WithPreemptPeriod(d time.Duration) ExecutorOption {
	return &executorOptionImpl{fn: func(cfg *executorOptions) {
		cfg.preemptPeriod = d
	}}
}

// WithMetrics enables or disables collection of task-latency and
// throughput statistics surfaced via Executor.Metrics. Disabled by
// default: recording a P-Square sample on every task run is cheap but not
// free, and most executors are not polled for metrics.
func WithMetrics(enabled bool) ExecutorOption {
	return &executorOptionImpl{fn: func(cfg *executorOptions) {
		cfg.metricsEnabled = enabled
	}}
}

// resolveExecutorOptions applies opts over the default configuration,
// in order, skipping nil entries.
func resolveExecutorOptions(opts []ExecutorOption) executorOptions {
	cfg := executorOptions{
		preemptPeriod: defaultPreemptPeriod,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyExecutor(&cfg)
	}
	return cfg
}
