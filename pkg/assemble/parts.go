package assemble

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/replicate/rget/pkg/download"
	"github.com/replicate/rget/pkg/logging"
)

// PartsWriter writes each segment to its own part file and concatenates the
// parts in index order when the download finishes.
type PartsWriter struct {
	dest string
	temp string
	size int64

	tracker
	// parts are guarded by tracker.mu; a part is closed once its segment completes
	parts []*os.File
}

var _ Assembler = &PartsWriter{}

func (w *PartsWriter) partPath(index int) string {
	return fmt.Sprintf("%s.part%d", w.temp, index)
}

func (w *PartsWriter) Begin(size int64, segments []*download.Segment) error {
	parts := make([]*os.File, len(segments))
	for i := range segments {
		f, err := os.OpenFile(w.partPath(i), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			for _, p := range parts[:i] {
				p.Close()
				_ = os.Remove(p.Name())
			}
			return &AssemblyError{Op: "create", Path: w.partPath(i), Err: err}
		}
		parts[i] = f
	}
	w.size = size
	w.begin(segments)
	w.mu.Lock()
	w.parts = parts
	w.mu.Unlock()
	return nil
}

func (w *PartsWriter) part(seg *download.Segment, p []byte, off int64) (*os.File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.parts == nil {
		return nil, errNotBegun
	}
	if err := w.check(seg, p, off); err != nil {
		return nil, err
	}
	f := w.parts[seg.Index]
	if f == nil {
		return nil, fmt.Errorf("segment %d is already complete", seg.Index)
	}
	return f, nil
}

// WriteAt only locks to look up the part: each part file is written by the
// goroutine fetching its segment alone.
func (w *PartsWriter) WriteAt(seg *download.Segment, p []byte, off int64) error {
	f, err := w.part(seg, p, off)
	if err != nil {
		return &AssemblyError{Op: "write", Path: w.partPath(seg.Index), Err: err}
	}
	if _, err := f.WriteAt(p, off-w.segments[seg.Index].Start); err != nil {
		return &AssemblyError{Op: "write", Path: f.Name(), Err: err}
	}
	return nil
}

func (w *PartsWriter) Complete(seg *download.Segment) error {
	if err := w.complete(seg); err != nil {
		return &AssemblyError{Op: "complete", Path: w.partPath(seg.Index), Err: err}
	}
	w.mu.Lock()
	f := w.parts[seg.Index]
	w.parts[seg.Index] = nil
	w.mu.Unlock()
	if f != nil {
		if err := f.Close(); err != nil {
			return &AssemblyError{Op: "close", Path: f.Name(), Err: err}
		}
	}
	return nil
}

func (w *PartsWriter) Finalize() error {
	if missing := w.incomplete(); len(missing) > 0 {
		return &AssemblyError{Op: "finalize", Path: w.temp, Err: fmt.Errorf("segments %v are not complete", missing)}
	}
	out, err := os.OpenFile(w.temp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return &AssemblyError{Op: "create", Path: w.temp, Err: err}
	}
	logger := logging.GetLogger()
	for i := range w.segments {
		n, err := w.appendPart(out, i)
		if err != nil {
			out.Close()
			return err
		}
		logger.Trace().Int("segment", i).Int64("bytes", n).Msg("Appended part")
	}
	if err := commit(out, w.size, w.dest); err != nil {
		out.Close()
		return err
	}
	return nil
}

func (w *PartsWriter) appendPart(out *os.File, index int) (int64, error) {
	path := w.partPath(index)
	in, err := os.Open(path)
	if err != nil {
		return 0, &AssemblyError{Op: "open", Path: path, Err: err}
	}
	defer in.Close()
	n, err := io.Copy(out, in)
	if err != nil {
		return n, &AssemblyError{Op: "append", Path: path, Err: err}
	}
	if want := w.segments[index].Length(); n != want {
		return n, &AssemblyError{Op: "append", Path: path, Err: fmt.Errorf("part is %d bytes, expected %d", n, want)}
	}
	if err := os.Remove(path); err != nil {
		return n, &AssemblyError{Op: "remove", Path: path, Err: err}
	}
	return n, nil
}

func (w *PartsWriter) Abort() error {
	w.mu.Lock()
	parts := w.parts
	w.parts = nil
	count := len(w.segments)
	w.mu.Unlock()
	for _, f := range parts {
		if f != nil {
			f.Close()
		}
	}

	var errs []error
	for i := 0; i < count; i++ {
		if err := removeIfExists(w.partPath(i)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := removeIfExists(w.temp); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return &AssemblyError{Op: "remove", Path: w.temp, Err: err}
	}
	return nil
}
