package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so cache, transfer,
// and connectivity events can be correlated when aggregating logs.
const (
	// Resource identity
	KeyURL  = "url"  // Remote resource URL
	KeyPath = "path" // Local backing file path

	// Transfer progress
	KeyOffset     = "offset"     // Byte offset (resume point or read position)
	KeyCount      = "count"      // Byte count requested
	KeyBytes      = "bytes"      // Actual bytes moved
	KeyDownloaded = "downloaded" // Total bytes persisted so far
	KeyExpected   = "expected"   // Server-declared total length (-1 unknown)
	KeyState      = "state"      // Transfer/engine state name

	// HTTP
	KeyStatus = "status" // HTTP status code
	KeyETag   = "etag"   // Entity validator from the server

	// Connectivity
	KeyConnected = "connected" // Reachability flag

	// Generic
	KeyError    = "error"
	KeyDuration = "duration_ms"
)
