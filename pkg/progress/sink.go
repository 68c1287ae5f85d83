package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
)

// Sink renders progress. Update is called from a goroutine owned by the
// aggregator, one snapshot at a time; snapshots published while an Update is
// still running are skipped in favour of the newest. Finish is called by the
// coordinator after the final Update has returned.
type Sink interface {
	Update(Snapshot)
	Finish(Summary)
}

type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Update(Snapshot) {}
func (NopSink) Finish(Summary)  {}

// LogSink writes each snapshot as a structured log line, with per segment
// lines at debug level.
type LogSink struct {
	Logger zerolog.Logger
}

var _ Sink = &LogSink{}

func (s *LogSink) Update(snap Snapshot) {
	if s.Logger.Debug().Enabled() {
		for _, seg := range snap.Segments {
			s.Logger.Debug().
				Int("segment", seg.Index).
				Str("done", humanize.Bytes(uint64(seg.BytesDone))).
				Str("total", humanize.Bytes(uint64(seg.BytesTotal))).
				Str("speed", fmt.Sprintf("%s/s", humanize.Bytes(uint64(seg.Speed)))).
				Msg("Segment progress")
		}
	}
	s.Logger.Info().
		Str("percent", fmt.Sprintf("%.1f%%", snap.Percent())).
		Str("done", humanize.Bytes(uint64(snap.BytesDone))).
		Str("total", humanize.Bytes(uint64(snap.BytesTotal))).
		Str("speed", fmt.Sprintf("%s/s", humanize.Bytes(uint64(snap.Speed)))).
		Str("elapsed", fmt.Sprintf("%.1fs", snap.Elapsed.Seconds())).
		Msg("Progress")
}

// Finish is a no-op, the caller logs the summary.
func (s *LogSink) Finish(Summary) {}

// BarSink draws an aggregate progress bar whose description carries the
// percentage and speed of every segment.
type BarSink struct {
	Out         io.Writer
	Description string

	bar *progressbar.ProgressBar
}

var _ Sink = &BarSink{}

func (s *BarSink) Update(snap Snapshot) {
	if s.bar == nil {
		s.bar = s.newBar(snap.BytesTotal)
	}
	s.bar.Describe(s.describe(snap))
	_ = s.bar.Set64(snap.BytesDone)
}

func (s *BarSink) describe(snap Snapshot) string {
	var b strings.Builder
	b.WriteString(s.description())
	for _, seg := range snap.Segments {
		var percent float64
		if seg.BytesTotal > 0 {
			percent = float64(seg.BytesDone) / float64(seg.BytesTotal) * 100
		}
		fmt.Fprintf(&b, " [%d:%3.0f%% %s/s]", seg.Index+1, percent, humanize.Bytes(uint64(seg.Speed)))
	}
	return b.String()
}

func (s *BarSink) description() string {
	if s.Description == "" {
		return "downloading"
	}
	return s.Description
}

func (s *BarSink) Finish(summary Summary) {
	if s.bar == nil {
		return
	}
	_ = s.bar.Finish()
	fmt.Fprintf(s.out(), "\nfetched %s in %.2fs, assembled in %.2fs, total %.2fs\n",
		humanize.Bytes(uint64(summary.Size)),
		summary.ElapsedFetch.Seconds(),
		summary.ElapsedAssemble.Seconds(),
		summary.ElapsedTotal.Seconds())
}

func (s *BarSink) out() io.Writer {
	if s.Out == nil {
		return os.Stderr
	}
	return s.Out
}

func (s *BarSink) newBar(total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(s.out()),
		progressbar.OptionSetDescription(s.description()),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// NewSink returns the sink registered under name: "log", "bar" or "none".
func NewSink(name string, logger zerolog.Logger) (Sink, error) {
	switch name {
	case "log":
		return &LogSink{Logger: logger}, nil
	case "bar":
		return &BarSink{}, nil
	case "none", "":
		return NopSink{}, nil
	}
	return nil, fmt.Errorf("unknown progress sink: %s", name)
}
