package progress

import (
	"sync"
	"time"

	"github.com/replicate/rget/pkg/logging"
)

const (
	defaultInterval = 500 * time.Millisecond
	defaultWindow   = 2 * time.Second
	deltaQueueDepth = 256
)

type delta struct {
	segment int
	bytes   int64
	at      time.Time
}

type SegmentProgress struct {
	Index      int
	BytesDone  int64
	BytesTotal int64
	// Speed is bytes per second over the trailing window.
	Speed float64
}

// Snapshot is a read-only view of a download's progress.
type Snapshot struct {
	Segments   []SegmentProgress
	BytesDone  int64
	BytesTotal int64
	Speed      float64
	Elapsed    time.Duration
}

func (s Snapshot) Percent() float64 {
	if s.BytesTotal <= 0 {
		return 0
	}
	return float64(s.BytesDone) / float64(s.BytesTotal) * 100
}

// Summary reports how long each phase of a completed download took.
type Summary struct {
	Size            int64
	ElapsedFetch    time.Duration
	ElapsedAssemble time.Duration
	ElapsedTotal    time.Duration
}

type Options struct {
	// Interval between snapshots handed to the sink. Zero means 500ms.
	Interval time.Duration
	// Window over which speed is measured. Zero means 2s.
	Window time.Duration
	Sink   Sink
}

type segmentCounter struct {
	done   int64
	total  int64
	window *rateWindow
}

// Aggregator combines per-segment deltas into snapshots. Deltas are sent over
// a channel to a single goroutine, which is the only one touching the
// counters; snapshots are published under a lock for readers. The sink runs
// on a goroutine of its own and only ever sees the latest snapshot, so a slow
// sink skips snapshots instead of holding up deltas.
type Aggregator struct {
	opts   Options
	deltas chan delta
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	now    func() time.Time

	render   chan Snapshot
	rendered chan struct{}

	// owned by run
	segments []segmentCounter
	started  time.Time

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewAggregator prepares an aggregator for segments of the given lengths.
// Call Start before recording deltas.
func NewAggregator(segmentTotals []int64, opts Options) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	a := &Aggregator{
		opts:     opts,
		deltas:   make(chan delta, deltaQueueDepth),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		render:   make(chan Snapshot, 1),
		rendered: make(chan struct{}),
		now:      time.Now,
		segments: make([]segmentCounter, len(segmentTotals)),
	}
	for i, total := range segmentTotals {
		a.segments[i].total = total
	}
	return a
}

func (a *Aggregator) Start() {
	a.started = a.now()
	for i := range a.segments {
		a.segments[i].window = newRateWindow(a.opts.Window, a.started)
	}
	a.publish(a.started)
	go a.renderLoop()
	go a.run()
}

// RecordDelta reports n more bytes of segment at the given time. Deltas from one
// segment must arrive in order; different segments may interleave freely.
// Deltas recorded after Stop are dropped.
func (a *Aggregator) RecordDelta(segment int, n int64, at time.Time) {
	select {
	case a.deltas <- delta{segment: segment, bytes: n, at: at}:
	case <-a.quit:
	}
}

// Snapshot returns the most recently published snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Stop drains pending deltas, publishes a final snapshot to the sink and
// returns it once the sink has rendered it.
func (a *Aggregator) Stop() Snapshot {
	a.once.Do(func() {
		close(a.quit)
		<-a.done
		<-a.rendered
	})
	return a.Snapshot()
}

// Finish hands the summary of a completed download to the sink. It is called
// on the caller's goroutine, after Stop.
func (a *Aggregator) Finish(summary Summary) {
	a.opts.Sink.Finish(summary)
}

func (a *Aggregator) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case d := <-a.deltas:
			a.apply(d)
		case <-ticker.C:
			a.offer(a.publish(a.now()))
		case <-a.quit:
			for {
				select {
				case d := <-a.deltas:
					a.apply(d)
				default:
					a.offer(a.publish(a.now()))
					close(a.render)
					return
				}
			}
		}
	}
}

// offer queues snap for the sink without waiting, replacing a snapshot the
// sink has not picked up yet. Only run sends on render, so the second send
// always finds the slot empty.
func (a *Aggregator) offer(snap Snapshot) {
	select {
	case a.render <- snap:
		return
	default:
	}
	select {
	case <-a.render:
	default:
	}
	a.render <- snap
}

func (a *Aggregator) renderLoop() {
	defer close(a.rendered)
	for snap := range a.render {
		a.opts.Sink.Update(snap)
	}
}

func (a *Aggregator) apply(d delta) {
	if d.segment < 0 || d.segment >= len(a.segments) || d.bytes <= 0 {
		logger := logging.GetLogger()
		logger.Warn().Int("segment", d.segment).Int64("bytes", d.bytes).Msg("Ignoring progress delta")
		return
	}
	seg := &a.segments[d.segment]
	seg.done += d.bytes
	if seg.done > seg.total {
		logger := logging.GetLogger()
		logger.Warn().Int("segment", d.segment).Int64("done", seg.done).Int64("total", seg.total).Msg("Segment progress exceeds its length")
		seg.done = seg.total
	}
	seg.window.add(d.at, seg.done)
}

func (a *Aggregator) publish(now time.Time) Snapshot {
	snap := Snapshot{
		Segments: make([]SegmentProgress, len(a.segments)),
		Elapsed:  now.Sub(a.started),
	}
	for i := range a.segments {
		seg := &a.segments[i]
		speed := seg.window.rate(now, seg.done)
		snap.Segments[i] = SegmentProgress{Index: i, BytesDone: seg.done, BytesTotal: seg.total, Speed: speed}
		snap.BytesDone += seg.done
		snap.BytesTotal += seg.total
		snap.Speed += speed
	}
	a.mu.Lock()
	a.snapshot = snap
	a.mu.Unlock()
	return snap
}
