// Package httpserver is the JSON admin API: health, run control and
// history, queue and dead-letter inspection with redrive, and the
// dead-letter alarm.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	s := httpserver.New(httpserver.Deps{Runtime: rt, Engine: engine, Queue: q, Monitor: mon})
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
