package rget_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"testing/iotest"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rget "github.com/replicate/rget/pkg"
	"github.com/replicate/rget/pkg/assemble"
	"github.com/replicate/rget/pkg/client"
	"github.com/replicate/rget/pkg/download"
	"github.com/replicate/rget/pkg/progress"
)

var testFS = fstest.MapFS{
	"hello.txt": {Data: []byte("hello, world!")},
	"empty.txt": {Data: []byte{}},
}

func init() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

var defaultOpts = download.Options{Client: client.Options{}}

// writeRandomFile creates a sparse file with the given size and
// writes some random bytes somewhere in it.  This is much faster than
// filling the whole file with random bytes would be, but it also
// gives us some confidence that the range requests are being
// reassembled correctly.
func writeRandomFile(t require.TestingT, path string, size int64) {
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	rnd := rand.New(rand.NewSource(99))

	// under 1 MiB, just fill the whole file with random data
	if size < 1*humanize.MiByte {
		_, err = io.CopyN(file, rnd, size)
		require.NoError(t, err)
		return
	}

	err = file.Truncate(size)
	require.NoError(t, err)

	_, err = io.CopyN(file, rnd, 1*humanize.KiByte)
	require.NoError(t, err)

	_, err = file.Seek(rnd.Int63()%(size-1*humanize.KiByte), io.SeekStart)
	require.NoError(t, err)
	_, err = io.CopyN(file, rnd, 1*humanize.KiByte)
	require.NoError(t, err)

	// and the very last bytes, which belong to the last segment
	_, err = file.Seek(size-10, io.SeekStart)
	require.NoError(t, err)
	_, err = io.CopyN(file, rnd, 10)
	require.NoError(t, err)
}

func assertFileHasContent(t *testing.T, expectedContent []byte, path string) {
	contentFile, err := os.Open(path)
	require.NoError(t, err)
	defer contentFile.Close()

	assert.NoError(t, iotest.TestReader(contentFile, expectedContent))
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type recordingSink struct {
	mu        sync.Mutex
	updates   int
	summaries []progress.Summary
}

func (s *recordingSink) Update(progress.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
}

func (s *recordingSink) Finish(summary progress.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
}

func TestDownloadSmallFile(t *testing.T) {
	ts := httptest.NewServer(http.FileServer(http.FS(testFS)))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "hello.txt")
	sink := &recordingSink{}
	getter := &rget.Getter{Options: defaultOpts, Sink: sink}

	summary, err := getter.DownloadFile(context.Background(), ts.URL+"/hello.txt", dest)
	require.NoError(t, err)

	assert.Equal(t, int64(13), summary.Size)
	assertFileHasContent(t, testFS["hello.txt"].Data, dest)
	require.Len(t, sink.summaries, 1)
	assert.Equal(t, summary, sink.summaries[0])
	assert.GreaterOrEqual(t, sink.updates, 1)
}

func testDownloadSingleFile(t *testing.T, strategy string, concurrency int, size int64) {
	dir := t.TempDir()
	srcFilename := filepath.Join(dir, "random-bytes")
	writeRandomFile(t, srcFilename, size)

	ts := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer ts.Close()

	outDir := t.TempDir()
	dest := filepath.Join(outDir, "out")
	opts := defaultOpts
	opts.Concurrency = concurrency
	getter := &rget.Getter{Options: opts, Assembly: strategy}

	job := rget.NewJob(ts.URL+"/random-bytes", dest, concurrency)
	summary, err := getter.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, size, summary.Size)
	assert.Equal(t, rget.JobCompleted, job.State())
	assert.Equal(t, size, job.Remote.Size)
	assert.Len(t, job.Segments, min(concurrency, int(size)))
	for _, seg := range job.Segments {
		assert.Equal(t, download.SegmentCompleted, seg.State)
	}

	expected, err := os.ReadFile(srcFilename)
	require.NoError(t, err)
	actual, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(expected, actual), "source file and dest file should be identical")

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files should be gone")
}

func TestDownloadTenMillionBytesFourSegments(t *testing.T) {
	testDownloadSingleFile(t, assemble.Positional, 4, 10_000_000)
}

func TestDownloadParts(t *testing.T) {
	testDownloadSingleFile(t, assemble.Parts, 4, 10_000_000)
}

func TestDownloadSevenBytesThreeSegments(t *testing.T) {
	testDownloadSingleFile(t, assemble.Positional, 3, 7)
}

func TestDownloadMoreSegmentsThanBytes(t *testing.T) {
	testDownloadSingleFile(t, assemble.Parts, 20, 5)
}

func TestDownloadSingleSegment(t *testing.T) {
	testDownloadSingleFile(t, assemble.Positional, 1, 10*humanize.KiByte)
}

func TestDownloadRangeUnsupported(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 4096)
	var ranged atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			ranged.Add(1)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(content)
		}
	}))
	defer ts.Close()

	dir := t.TempDir()
	getter := &rget.Getter{Options: defaultOpts}
	job := rget.NewJob(ts.URL+"/file", filepath.Join(dir, "file"), 4)
	_, err := getter.Run(context.Background(), job)

	var rangeErr *download.RangeUnsupportedError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, rget.JobFailed, job.State())
	assert.Equal(t, int32(1), ranged.Load(), "only the probe should have been sent")
	assertDirEmpty(t, dir)
}

func TestDownloadSegmentFailureCancelsOthers(t *testing.T) {
	const size = 40_000
	content := make([]byte, size)
	_, _ = rand.New(rand.NewSource(3)).Read(content)
	failStart := int64(10_000)

	var cancelled atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if r.Method == http.MethodHead || rangeHeader == "bytes=0-0" {
			http.ServeContent(w, r, "file", time.Time{}, bytes.NewReader(content))
			return
		}
		var start, end int64
		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start : start+100])
		w.(http.Flusher).Flush()
		if start == failStart {
			panic(http.ErrAbortHandler)
		}
		<-r.Context().Done()
		cancelled.Add(1)
	}))
	defer ts.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "file")
	getter := &rget.Getter{Options: defaultOpts, Assembly: assemble.Positional}
	job := rget.NewJob(ts.URL+"/file", dest, 4)

	done := make(chan error, 1)
	go func() {
		_, err := getter.Run(context.Background(), job)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("download did not fail")
	}

	var transportErr *download.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, 1, transportErr.Segment)
	assert.Equal(t, rget.JobFailed, job.State())
	assert.Equal(t, download.SegmentFailed, job.Segments[1].State)

	assert.Eventually(t, func() bool { return cancelled.Load() == 3 }, 5*time.Second, 10*time.Millisecond,
		"the other segments should have been cancelled")
	assertDirEmpty(t, dir)
}

func TestDownloadErrors(t *testing.T) {
	ts := httptest.NewServer(http.FileServer(http.FS(testFS)))
	defer ts.Close()

	t.Run("not found", func(t *testing.T) {
		dir := t.TempDir()
		getter := &rget.Getter{Options: defaultOpts}
		_, err := getter.DownloadFile(context.Background(), ts.URL+"/missing.txt", filepath.Join(dir, "missing.txt"))
		var statusErr *download.HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
		assertDirEmpty(t, dir)
	})

	t.Run("empty file", func(t *testing.T) {
		dir := t.TempDir()
		getter := &rget.Getter{Options: defaultOpts}
		_, err := getter.DownloadFile(context.Background(), ts.URL+"/empty.txt", filepath.Join(dir, "empty.txt"))
		var sizeErr *download.SizeUnknownError
		require.ErrorAs(t, err, &sizeErr)
		assertDirEmpty(t, dir)
	})

	t.Run("invalid concurrency", func(t *testing.T) {
		dir := t.TempDir()
		opts := defaultOpts
		opts.Concurrency = download.MaxConcurrency + 1
		getter := &rget.Getter{Options: opts}
		_, err := getter.DownloadFile(context.Background(), ts.URL+"/hello.txt", filepath.Join(dir, "hello.txt"))
		assert.ErrorContains(t, err, "concurrency must be between")
		assertDirEmpty(t, dir)
	})

	t.Run("unknown assembly", func(t *testing.T) {
		dir := t.TempDir()
		getter := &rget.Getter{Options: defaultOpts, Assembly: "mmap"}
		_, err := getter.DownloadFile(context.Background(), ts.URL+"/hello.txt", filepath.Join(dir, "hello.txt"))
		assert.ErrorContains(t, err, "unknown assembly strategy")
		assertDirEmpty(t, dir)
	})

	t.Run("cancelled context", func(t *testing.T) {
		dir := t.TempDir()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		getter := &rget.Getter{Options: defaultOpts}
		_, err := getter.DownloadFile(ctx, ts.URL+"/hello.txt", filepath.Join(dir, "hello.txt"))
		assert.ErrorIs(t, err, context.Canceled)
		assertDirEmpty(t, dir)
	})
}

func TestJobState(t *testing.T) {
	job := rget.NewJob("http://example.com/file", "file", 2)
	assert.Equal(t, rget.JobCreated, job.State())
	assert.NotEmpty(t, job.ID)
	assert.NotEqual(t, job.ID, rget.NewJob("http://example.com/file", "file", 2).ID)
	assert.Equal(t, "assembling", rget.JobAssembling.String())
	assert.Equal(t, "JobState(42)", rget.JobState(42).String())
}

// stuckSink blocks every Update until release is closed.
type stuckSink struct {
	release chan struct{}
}

func (s *stuckSink) Update(progress.Snapshot) { <-s.release }
func (s *stuckSink) Finish(progress.Summary)  {}

func TestDownloadNotHeldByBlockedSink(t *testing.T) {
	const size = 32 * humanize.MiByte
	content := make([]byte, size)
	_, _ = rand.New(rand.NewSource(5)).Read(content)

	var served atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &countingWriter{ResponseWriter: w, n: &served, counting: r.Method == http.MethodGet && r.Header.Get("Range") != "bytes=0-0"}
		http.ServeContent(cw, r, "file", time.Time{}, bytes.NewReader(content))
	}))
	defer ts.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "file")
	sink := &stuckSink{release: make(chan struct{})}
	opts := defaultOpts
	opts.Concurrency = 2
	opts.BufferSize = 512
	getter := &rget.Getter{Options: opts, Sink: sink, ProgressInterval: time.Millisecond}

	done := make(chan error, 1)
	go func() {
		_, err := getter.DownloadFile(context.Background(), ts.URL+"/file", dest)
		done <- err
	}()

	// every segment body is read to the end while the sink is still stuck
	assert.Eventually(t, func() bool { return served.Load() == size }, 10*time.Second, 10*time.Millisecond,
		"segments should be fetched while the sink is blocked")
	close(sink.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish after the sink was released")
	}
	assertFileHasContent(t, content, dest)
}

type countingWriter struct {
	http.ResponseWriter
	n        *atomic.Int64
	counting bool
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	if w.counting {
		w.n.Add(int64(n))
	}
	return n, err
}
