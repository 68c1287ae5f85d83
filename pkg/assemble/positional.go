package assemble

import (
	"fmt"
	"os"

	"github.com/replicate/rget/pkg/download"
	"github.com/replicate/rget/pkg/logging"
)

// PositionalWriter writes every segment straight into a temporary file of
// the final size at its absolute offset.
type PositionalWriter struct {
	dest string
	temp string
	size int64

	tracker
	// file is guarded by tracker.mu
	file *os.File
}

var _ Assembler = &PositionalWriter{}

func (w *PositionalWriter) Begin(size int64, segments []*download.Segment) error {
	f, err := os.OpenFile(w.temp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return &AssemblyError{Op: "create", Path: w.temp, Err: err}
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		_ = os.Remove(w.temp)
		return &AssemblyError{Op: "truncate", Path: w.temp, Err: err}
	}
	w.size = size
	w.begin(segments)
	w.mu.Lock()
	w.file = f
	w.mu.Unlock()

	logger := logging.GetLogger()
	logger.Debug().Str("temp", w.temp).Int64("size", size).Msg("Pre-sized output")
	return nil
}

func (w *PositionalWriter) WriteAt(seg *download.Segment, p []byte, off int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return &AssemblyError{Op: "write", Path: w.temp, Err: errNotBegun}
	}
	if err := w.check(seg, p, off); err != nil {
		return &AssemblyError{Op: "write", Path: w.temp, Err: err}
	}
	if _, err := w.file.WriteAt(p, off); err != nil {
		return &AssemblyError{Op: "write", Path: w.temp, Err: err}
	}
	return nil
}

func (w *PositionalWriter) Complete(seg *download.Segment) error {
	if err := w.complete(seg); err != nil {
		return &AssemblyError{Op: "complete", Path: w.temp, Err: err}
	}
	return nil
}

func (w *PositionalWriter) Finalize() error {
	if missing := w.incomplete(); len(missing) > 0 {
		return &AssemblyError{Op: "finalize", Path: w.temp, Err: fmt.Errorf("segments %v are not complete", missing)}
	}
	w.mu.Lock()
	f := w.file
	w.file = nil
	w.mu.Unlock()
	if f == nil {
		return &AssemblyError{Op: "finalize", Path: w.temp, Err: errNotBegun}
	}
	if err := commit(f, w.size, w.dest); err != nil {
		f.Close()
		return err
	}
	return nil
}

func (w *PositionalWriter) Abort() error {
	w.mu.Lock()
	f := w.file
	w.file = nil
	w.mu.Unlock()
	if f != nil {
		f.Close()
	}
	if err := removeIfExists(w.temp); err != nil {
		return &AssemblyError{Op: "remove", Path: w.temp, Err: err}
	}
	return nil
}
