// Package runtime wires storage and config into a single-node santa
// instance. It exposes Open/Close, a basic health check, and helpers that
// open the notification queue and workflow engine on the shared database.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	q, _ := rt.OpenQueue()
//	_, _ = q.Enqueue(context.Background(), []byte(`{"giver":"U1","receiver":"U2"}`))
package runtime
