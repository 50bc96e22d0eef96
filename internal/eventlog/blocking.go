package eventlog

import (
	"context"
	"time"
)

// WaitForAppend blocks until an append commits, the timeout elapses, or ctx
// is done. It reports whether it was woken by an append.
func (l *Log) WaitForAppend(ctx context.Context, timeout time.Duration) bool {
	ch := l.waitCh()
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
