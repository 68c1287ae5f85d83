package optname

const (
	Assembly         = "assembly"
	BufferSize       = "buffer-size"
	Concurrency      = "concurrency"
	ConnTimeout      = "connect-timeout"
	Directory        = "directory"
	Force            = "force"
	ForceHTTP2       = "force-http2"
	LoggingLevel     = "log-level"
	MaxBandwidth     = "max-bandwidth"
	Output           = "output"
	Progress         = "progress"
	ProgressInterval = "progress-interval"
	Resolve          = "resolve"
	Retries          = "retries"
	Verbose          = "verbose"
)
