// Package client provides the `santa` operator commands.
//
// The commands talk to a running server: the JSON admin API for runs,
// the queue, the dead-letter sink and the alarm, and the gRPC health
// service for liveness checks.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it
// defaults to http://127.0.0.1:8080 (SANTA_HTTP overrides it). The gRPC
// address is read from SANTA_GRPC (default 127.0.0.1:9090).
//
// Usage
//
//	santa run start                      # invite now using the server's config
//	santa run start --channel C0123 --wait 48h
//	santa run list --limit 10
//	santa run get 0190f2c4-...
//	santa run cancel 0190f2c4-...
//	santa run retrigger 0190f2c4-...
//	santa run history 0190f2c4-...
//
//	santa queue stats
//	santa queue completed --limit 5
//	santa queue worker
//
//	santa dlq list
//	santa dlq redrive 0190f2c4a1b2...
//
//	santa alarm
//	santa alarm --evaluate --period 1h
//
//	santa health --service santa.storage
package client
