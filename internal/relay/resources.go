package relay

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	resourceSampleEvery = time.Minute
	resourceRingSize    = 24 * 60
)

type resourceSample struct {
	At            time.Time `json:"at"`
	CPUPercent    float64   `json:"cpuPercent"`
	RSSBytes      uint64    `json:"rssBytes"`
	OpenFDs       int32     `json:"openFds"`
	Goroutines    int       `json:"goroutines"`
	Sessions      int       `json:"sessions"`
	BufferedBytes int       `json:"bufferedBytes"`
}

type resourceHistory struct {
	Latest  resourceSample   `json:"latest"`
	Samples []resourceSample `json:"samples"`
}

// relayLoad reports the relay side of a sample.
type relayLoad func() (sessions, buffered int)

// resourceSampler keeps a day of process usage next to relay load, oldest
// samples overwritten first. A nil sampler records nothing.
type resourceSampler struct {
	proc  *process.Process
	load  relayLoad
	every time.Duration

	mu   sync.Mutex
	ring []resourceSample
	next int
	size int
}

func newResourceSampler(load relayLoad) *resourceSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return &resourceSampler{
		proc:  proc,
		load:  load,
		every: resourceSampleEvery,
		ring:  make([]resourceSample, resourceRingSize),
	}
}

// start records one sample immediately and then one per interval until ctx ends.
func (r *resourceSampler) start(ctx context.Context) {
	if r == nil {
		return
	}
	r.record(r.collect(ctx))
	go func() {
		ticker := time.NewTicker(r.every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.record(r.collect(ctx))
			}
		}
	}()
}

func (r *resourceSampler) collect(ctx context.Context) resourceSample {
	sample := resourceSample{
		At:         time.Now(),
		Goroutines: runtime.NumGoroutine(),
	}
	// Errors leave the field zero; a missing figure is not worth a log line per minute.
	if cpu, err := r.proc.PercentWithContext(ctx, 0); err == nil {
		sample.CPUPercent = cpu
	}
	if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		sample.RSSBytes = mem.RSS
	}
	if fds, err := r.proc.NumFDsWithContext(ctx); err == nil {
		sample.OpenFDs = fds
	}
	if r.load != nil {
		sample.Sessions, sample.BufferedBytes = r.load()
	}
	return sample
}

func (r *resourceSampler) record(sample resourceSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = sample
	r.next = (r.next + 1) % len(r.ring)
	if r.size < len(r.ring) {
		r.size++
	}
}

// history returns the newest sample and up to limit samples, oldest first.
func (r *resourceSampler) history(limit int) resourceHistory {
	if r == nil {
		return resourceHistory{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.size
	if limit > 0 && n > limit {
		n = limit
	}
	out := resourceHistory{Samples: make([]resourceSample, n)}
	for i := 0; i < n; i++ {
		idx := (r.next - n + i + len(r.ring)) % len(r.ring)
		out.Samples[i] = r.ring[idx]
	}
	if n > 0 {
		out.Latest = out.Samples[n-1]
	}
	return out
}

// memoryTrimmer periodically returns freed heap to the operating system. Relay
// behaviour does not depend on it.
type memoryTrimmer struct {
	interval time.Duration
	logger   *slog.Logger
	trim     func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runs   int
}

func newMemoryTrimmer(interval time.Duration, logger *slog.Logger) *memoryTrimmer {
	if interval <= 0 {
		return nil
	}
	return &memoryTrimmer{
		interval: interval,
		logger:   logger.With("component", "trim"),
		trim:     debug.FreeOSMemory,
	}
}

func (m *memoryTrimmer) start(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.logger.Debug("memory trim enabled", "interval", m.interval.String())
}

func (m *memoryTrimmer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.trim()
			m.mu.Lock()
			m.runs++
			m.mu.Unlock()
		}
	}
}

// stop halts the loop and waits for it to exit.
func (m *memoryTrimmer) stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *memoryTrimmer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}
