package rget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/replicate/rget/pkg/assemble"
	"github.com/replicate/rget/pkg/client"
	"github.com/replicate/rget/pkg/download"
	"github.com/replicate/rget/pkg/logging"
	"github.com/replicate/rget/pkg/progress"
)

type JobState int

const (
	JobCreated JobState = iota
	JobProbing
	JobPartitioned
	JobFetching
	JobAssembling
	JobCompleted
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobProbing:
		return "probing"
	case JobPartitioned:
		return "partitioned"
	case JobFetching:
		return "fetching"
	case JobAssembling:
		return "assembling"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

// Job is a single download of URL to Dest. Remote and Segments are filled in
// as the job progresses and are not modified once fetching starts.
type Job struct {
	ID          string
	URL         string
	Dest        string
	Concurrency int

	Remote   download.RemoteFile
	Segments []*download.Segment

	mu    sync.Mutex
	state JobState
}

func NewJob(url, dest string, concurrency int) *Job {
	return &Job{
		ID:          uuid.NewString(),
		URL:         url,
		Dest:        dest,
		Concurrency: concurrency,
	}
}

func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
	logger := logging.GetLogger()
	logger.Debug().Str("job", j.ID).Str("state", s.String()).Msg("Job state")
}

type Getter struct {
	Options download.Options
	// Assembly names the assembly strategy, see assemble.New.
	Assembly string
	// Sink receives progress snapshots, nil discards them.
	Sink             progress.Sink
	ProgressInterval time.Duration
	// Client defaults to a client built from Options.Client.
	Client download.Doer
}

func (g *Getter) client() download.Doer {
	if g.Client == nil {
		g.Client = client.NewHTTPClient(g.Options.Client)
	}
	return g.Client
}

// DownloadFile fetches url into dest in parallel byte ranges. dest only
// exists once every byte has been written; on failure nothing is left behind.
func (g *Getter) DownloadFile(ctx context.Context, url string, dest string) (progress.Summary, error) {
	return g.Run(ctx, NewJob(url, dest, g.Options.Concurrency))
}

func (g *Getter) Run(ctx context.Context, job *Job) (summary progress.Summary, err error) {
	logger := logging.GetLogger().With().Str("job", job.ID).Logger()
	defer func() {
		if err != nil {
			job.setState(JobFailed)
		}
	}()

	opts := g.Options
	opts.Concurrency = job.Concurrency
	if err := opts.Validate(); err != nil {
		return summary, err
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = download.DefaultConcurrency
	}

	startTime := time.Now()
	job.setState(JobProbing)
	prober := &download.Prober{Client: g.client()}
	remote, err := prober.Probe(ctx, job.URL)
	if err != nil {
		return summary, err
	}
	job.Remote = remote
	if !remote.RangeSupported {
		return summary, &download.RangeUnsupportedError{URL: job.URL, Reason: "server ignores byte ranges"}
	}

	job.Segments, err = download.Partition(remote.Size, opts.Concurrency)
	if err != nil {
		return summary, err
	}
	job.setState(JobPartitioned)
	logger.Info().
		Str("url", job.URL).
		Str("dest", job.Dest).
		Str("size", humanize.Bytes(uint64(remote.Size))).
		Int("segments", len(job.Segments)).
		Msg("Downloading")

	asm, err := assemble.New(g.Assembly, job.Dest, job.ID)
	if err != nil {
		return summary, err
	}
	if err := asm.Begin(remote.Size, job.Segments); err != nil {
		return summary, err
	}

	totals := make([]int64, len(job.Segments))
	for i, seg := range job.Segments {
		totals[i] = seg.Length()
	}
	agg := progress.NewAggregator(totals, progress.Options{Interval: g.ProgressInterval, Sink: g.Sink})
	agg.Start()

	job.setState(JobFetching)
	fetchStart := time.Now()
	fetcher := download.NewFetcher(g.client(), opts)
	errGroup, fetchCtx := errgroup.WithContext(ctx)
	for _, seg := range job.Segments {
		seg := seg
		errGroup.Go(func() error {
			return fetcher.Fetch(fetchCtx, remote.URL, seg, asm, agg)
		})
	}
	err = errGroup.Wait()
	final := agg.Stop()
	if err != nil {
		logger.Debug().Int64("received", final.BytesDone).Int64("size", remote.Size).Msg("Fetch failed")
		g.abort(asm, logger)
		return summary, err
	}
	fetchElapsed := time.Since(fetchStart)

	job.setState(JobAssembling)
	assembleStart := time.Now()
	if err := asm.Finalize(); err != nil {
		g.abort(asm, logger)
		return summary, err
	}
	job.setState(JobCompleted)

	summary = progress.Summary{
		Size:            remote.Size,
		ElapsedFetch:    fetchElapsed,
		ElapsedAssemble: time.Since(assembleStart),
		ElapsedTotal:    time.Since(startTime),
	}
	agg.Finish(summary)

	logger.Info().
		Str("dest", job.Dest).
		Str("size", humanize.Bytes(uint64(remote.Size))).
		Str("download_throughput", throughput(remote.Size, fetchElapsed)).
		Str("download_elapsed", fmt.Sprintf("%.3fs", summary.ElapsedFetch.Seconds())).
		Str("assemble_elapsed", fmt.Sprintf("%.3fs", summary.ElapsedAssemble.Seconds())).
		Str("total_elapsed", fmt.Sprintf("%.3fs", summary.ElapsedTotal.Seconds())).
		Msg("Complete")
	return summary, nil
}

// minRateElapsed bounds throughput for fetches too quick to time.
const minRateElapsed = time.Millisecond

func throughput(size int64, elapsed time.Duration) string {
	elapsed = max(elapsed, minRateElapsed)
	return fmt.Sprintf("%s/s", humanize.Bytes(uint64(float64(size)/elapsed.Seconds())))
}

func (g *Getter) abort(asm assemble.Assembler, logger zerolog.Logger) {
	if err := asm.Abort(); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove partial output")
	}
}
