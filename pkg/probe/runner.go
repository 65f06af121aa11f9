package probe

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RunnerConfig configures the probe runner.
type RunnerConfig struct {
	// Interval between checks (default: 30s).
	Interval time.Duration

	// Probes to run. Each probe gets its own goroutine.
	Probes []Prober

	// Sink receives every result.
	Sink Sink

	// Logger receives operational logs. The zero value is disabled.
	Logger zerolog.Logger
}

// Runner polls each probe on a ticker and delivers results to the sink.
type Runner struct {
	interval time.Duration
	probes   []Prober
	sink     Sink
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a probe runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Runner{
		interval: cfg.Interval,
		probes:   cfg.Probes,
		sink:     cfg.Sink,
		logger:   cfg.Logger.With().Str("component", "probe").Logger(),
	}
}

// Start launches one polling goroutine per probe. Each probe runs once
// immediately, then on every tick. Starting a running runner is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	for _, p := range r.probes {
		r.wg.Add(1)
		go r.poll(ctx, p)
	}
	r.logger.Info().Int("probes", len(r.probes)).Dur("interval", r.interval).Msg("probes started")
}

// Stop cancels all polling goroutines and waits for them to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.logger.Info().Msg("probes stopped")
}

func (r *Runner) poll(ctx context.Context, p Prober) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.run(ctx, p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.run(ctx, p)
		}
	}
}

func (r *Runner) run(ctx context.Context, p Prober) {
	res := p.Check(ctx)
	if ctx.Err() != nil {
		// Shutdown raced the check; drop the aborted result.
		return
	}
	if !res.OK {
		r.logger.Warn().
			Str("probe", res.Probe).
			Int("status", res.StatusCode).
			Str("detail", res.Detail).
			Msg("probe failed")
	} else {
		r.logger.Debug().
			Str("probe", res.Probe).
			Dur("latency", res.Latency).
			Msg("probe ok")
	}
	if r.sink != nil {
		r.sink(res)
	}
}
