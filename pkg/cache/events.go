package cache

// EventKind discriminates engine events.
type EventKind int

const (
	// EventProgress reports newly persisted bytes. Progress events are
	// best-effort: a slow consumer may miss intermediate ones.
	EventProgress EventKind = iota

	// EventCompleted reports that the whole resource is on disk and
	// verified. Emitted exactly once; Path carries the file location.
	EventCompleted

	// EventFailed reports a terminal failure. Emitted exactly once; the
	// partial file has been deleted and Err carries the reason.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one engine notification. Terminal events (completed, failed) are
// guaranteed to be delivered even to a consumer that lags behind; progress
// events may be dropped under backpressure.
type Event struct {
	Kind EventKind

	// Downloaded and Expected carry progress in bytes. Expected is -1
	// while the origin has not declared a total.
	Downloaded int64
	Expected   int64

	// Path is set on EventCompleted.
	Path string

	// Err is set on EventFailed.
	Err error
}
