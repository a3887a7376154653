package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for cache and transfer operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	AttrURL        = "http.url"
	AttrStatusCode = "http.response.status_code"

	AttrPath       = "cache.path"
	AttrOffset     = "cache.offset"
	AttrCount      = "cache.count"
	AttrBytes      = "cache.bytes"
	AttrDownloaded = "cache.downloaded"
	AttrExpected   = "cache.expected"
	AttrState      = "cache.state"
	AttrResumed    = "cache.resumed"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	SpanTransferAttempt = "transfer.attempt"
	SpanStoreAppend     = "store.append"
	SpanStoreRead       = "store.read"
	SpanFulfillPass     = "cache.fulfill"
	SpanReadRequest     = "cache.read_request"
)

// URL returns an attribute for the remote resource URL
func URL(url string) attribute.KeyValue {
	return attribute.String(AttrURL, url)
}

// StatusCode returns an attribute for an HTTP status code
func StatusCode(code int) attribute.KeyValue {
	return attribute.Int(AttrStatusCode, code)
}

// Path returns an attribute for the backing file path
func Path(path string) attribute.KeyValue {
	return attribute.String(AttrPath, path)
}

// Offset returns an attribute for a byte offset
func Offset(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrOffset, offset)
}

// Count returns an attribute for a requested byte count
func Count(count int64) attribute.KeyValue {
	return attribute.Int64(AttrCount, count)
}

// Bytes returns an attribute for actual bytes moved
func Bytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrBytes, n)
}

// Downloaded returns an attribute for total bytes persisted
func Downloaded(n int64) attribute.KeyValue {
	return attribute.Int64(AttrDownloaded, n)
}

// Expected returns an attribute for the server-declared total length
func Expected(n int64) attribute.KeyValue {
	return attribute.Int64(AttrExpected, n)
}

// State returns an attribute for a transfer/engine state name
func State(state string) attribute.KeyValue {
	return attribute.String(AttrState, state)
}

// Resumed returns an attribute indicating a resumed transfer attempt
func Resumed(resumed bool) attribute.KeyValue {
	return attribute.Bool(AttrResumed, resumed)
}

// StartTransferSpan starts a span for one network transfer attempt.
func StartTransferSpan(ctx context.Context, url string, offset int64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		URL(url),
		Offset(offset),
		Resumed(offset > 0),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanTransferAttempt, trace.WithAttributes(allAttrs...))
}

// StartCacheSpan starts a span for a cache operation.
func StartCacheSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "cache."+operation, trace.WithAttributes(attrs...))
}
