package assemble

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/replicate/rget/pkg/download"
)

const (
	Positional = "positional"
	Parts      = "parts"

	Default = Positional
)

// Strategies lists the accepted values of New's strategy argument.
var Strategies = []string{Positional, Parts}

var (
	errOutOfRange   = errors.New("write outside segment range")
	errUnknownIndex = errors.New("unknown segment")
	errNotBegun     = errors.New("assembler has not begun")
)

// Assembler turns segment writes into a single file under its final name.
// The final name only ever holds a complete file: Finalize commits the
// output once every segment is complete, Abort removes everything written
// so far.
type Assembler interface {
	download.SegmentWriter

	Begin(size int64, segments []*download.Segment) error
	Finalize() error
	Abort() error
}

// AssemblyError is returned when the output cannot be written, committed or
// cleaned up.
type AssemblyError struct {
	Op   string
	Path string
	Err  error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// New returns the assembler for strategy writing to dest. jobID keeps the
// temporary files of concurrent downloads to the same directory apart.
func New(strategy, dest, jobID string) (Assembler, error) {
	temp := TempPath(dest, jobID)
	switch strategy {
	case Positional, "":
		return &PositionalWriter{dest: dest, temp: temp}, nil
	case Parts:
		return &PartsWriter{dest: dest, temp: temp}, nil
	}
	return nil, fmt.Errorf("unknown assembly strategy %q, expected one of %v", strategy, Strategies)
}

// TempPath is the hidden file the output is built in before being renamed
// to dest.
func TempPath(dest, jobID string) string {
	dir, base := filepath.Split(dest)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.rget", base, jobID))
}

// tracker records which segments have completed and checks writes against
// segment bounds.
type tracker struct {
	mu        sync.Mutex
	segments  []*download.Segment
	completed []bool
}

func (t *tracker) begin(segments []*download.Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segments = segments
	t.completed = make([]bool, len(segments))
}

func (t *tracker) check(seg *download.Segment, p []byte, off int64) error {
	if seg.Index < 0 || seg.Index >= len(t.segments) {
		return fmt.Errorf("%w %d", errUnknownIndex, seg.Index)
	}
	known := t.segments[seg.Index]
	if off < known.Start || off+int64(len(p))-1 > known.End {
		return fmt.Errorf("%w: %d bytes at offset %d, segment %d covers %d-%d",
			errOutOfRange, len(p), off, seg.Index, known.Start, known.End)
	}
	return nil
}

func (t *tracker) complete(seg *download.Segment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seg.Index < 0 || seg.Index >= len(t.completed) {
		return fmt.Errorf("%w %d", errUnknownIndex, seg.Index)
	}
	if seg.Transferred != seg.Length() {
		return fmt.Errorf("segment %d completed with %d of %d bytes", seg.Index, seg.Transferred, seg.Length())
	}
	t.completed[seg.Index] = true
	return nil
}

func (t *tracker) incomplete() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var missing []int
	for i, done := range t.completed {
		if !done {
			missing = append(missing, i)
		}
	}
	return missing
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// commit fsyncs and closes f, checks its length and renames it to dest.
func commit(f *os.File, size int64, dest string) error {
	info, err := f.Stat()
	if err != nil {
		return &AssemblyError{Op: "stat", Path: f.Name(), Err: err}
	}
	if info.Size() != size {
		return &AssemblyError{Op: "verify", Path: f.Name(), Err: fmt.Errorf("file is %d bytes, expected %d", info.Size(), size)}
	}
	if err := f.Sync(); err != nil {
		return &AssemblyError{Op: "sync", Path: f.Name(), Err: err}
	}
	if err := f.Close(); err != nil {
		return &AssemblyError{Op: "close", Path: f.Name(), Err: err}
	}
	if err := os.Rename(f.Name(), dest); err != nil {
		return &AssemblyError{Op: "rename", Path: dest, Err: err}
	}
	return nil
}
