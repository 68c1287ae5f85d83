package download

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/replicate/rget/pkg/client"
)

const (
	MinConcurrency     = 1
	MaxConcurrency     = 20
	DefaultConcurrency = 3

	defaultBufferSize = 32 * humanize.KiByte
)

type Options struct {
	// Number of segments fetched in parallel, 1-20. Zero means 3.
	Concurrency int

	// Size of the read buffer of each segment. Zero means 32 KiB.
	BufferSize int64

	// Combined bytes per second across all segments. Zero disables the limit.
	MaxBandwidth int64

	Client client.Options
}

func (o Options) concurrency() int {
	if o.Concurrency == 0 {
		return DefaultConcurrency
	}
	return o.Concurrency
}

func (o Options) bufferSize() int {
	if o.BufferSize <= 0 {
		return defaultBufferSize
	}
	return int(o.BufferSize)
}

// Validate checks the options against the concurrency policy.
func (o Options) Validate() error {
	if c := o.concurrency(); c < MinConcurrency || c > MaxConcurrency {
		return fmt.Errorf("concurrency must be between %d and %d, got %d", MinConcurrency, MaxConcurrency, c)
	}
	if o.MaxBandwidth < 0 {
		return fmt.Errorf("max bandwidth must not be negative, got %d", o.MaxBandwidth)
	}
	return nil
}
