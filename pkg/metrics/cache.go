package metrics

import (
	"time"
)

// CacheMetrics provides observability for the cache engine: transfer
// lifecycle, flushes to disk, and byte-range read fulfillment.
//
// This interface is optional - pass nil to disable metrics collection with
// zero overhead.
type CacheMetrics interface {
	// RecordTransferStarted increments the attempt counter. Each
	// suspend/resume cycle counts as a new attempt.
	RecordTransferStarted()

	// RecordTransferCompleted records a successful transfer and how long
	// the whole session took.
	RecordTransferCompleted(duration time.Duration)

	// RecordTransferFailed records a terminal failure by error kind
	// (e.g. "server_status", "size_mismatch", "cancelled").
	RecordTransferFailed(kind string)

	// RecordSuspend and RecordResume count connectivity-driven pauses.
	RecordSuspend()
	RecordResume()

	// RecordFlush records one flush of the in-flight buffer to disk.
	RecordFlush(bytes int64)

	// RecordRead records a fulfilled or rejected byte-range read.
	// status is "served", "rejected" or "cancelled"; duration is the
	// time the request waited for its bytes.
	RecordRead(status string, bytes int64, duration time.Duration)

	// SetPendingReads sets the current number of waiting read requests.
	SetPendingReads(n int)

	// SetProgress sets the persisted and expected byte counts for the
	// active transfer.
	SetProgress(downloaded, expected int64)
}
