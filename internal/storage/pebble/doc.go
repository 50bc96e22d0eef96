// Package pebblestore wraps the Pebble database used for all durable santa
// state: workflow runs and deadlines, queue messages and leases, and the
// append-only event logs. It adds an fsync policy, metrics hooks and prefix
// scan helpers on top of Pebble's batches and iterators.
package pebblestore
