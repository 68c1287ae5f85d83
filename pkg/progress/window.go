package progress

import "time"

type sample struct {
	at    time.Time
	total int64
}

// rateWindow measures throughput over a trailing window of cumulative byte
// counts. It keeps at most one sample older than the window as a baseline.
type rateWindow struct {
	span    time.Duration
	samples []sample
}

func newRateWindow(span time.Duration, start time.Time) *rateWindow {
	return &rateWindow{span: span, samples: []sample{{at: start}}}
}

func (w *rateWindow) add(at time.Time, total int64) {
	w.samples = append(w.samples, sample{at: at, total: total})
	w.prune(at)
}

func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	drop := 0
	for drop+1 < len(w.samples) && !w.samples[drop+1].at.After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.samples = append(w.samples[:0], w.samples[drop:]...)
	}
}

// rate returns bytes per second between the baseline and now, given the
// current total. Stalled transfers decay to zero once the window has passed.
func (w *rateWindow) rate(now time.Time, total int64) float64 {
	w.prune(now)
	base := w.samples[0]
	elapsed := now.Sub(base.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-base.total) / elapsed
}
