// Package eventlog is an append-only, time-stamped event log stored in
// Pebble. santa keeps two kinds of logs in it: the per-queue dead-letter
// arrival log that the failure monitor counts, and the run history log that
// records every workflow transition.
//
// Keys sort by sequence within a log:
//
//	evt/{name}/e/{seq_be8}
//
// Values are encoded as varint(headerLen) | header | payload | crc32c, where
// the header carries the event time in unix milliseconds and the event kind.
// The last sequence is recovered from the highest key on open, so appends may
// be staged into a caller's batch and committed atomically with other state.
package eventlog
