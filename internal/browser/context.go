// internal/browser/context.go
package browser

import (
	"context"
	"time"
)

// CombineContext derives from primary (keeping its values, which carry the
// CDP target) and is also canceled when secondary is. If secondary has a
// deadline it is applied too, so a caller's timeout still reports
// context.DeadlineExceeded.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if dl, ok := secondary.Deadline(); ok {
		ctx, cancel = context.WithDeadline(primary, dl)
	} else {
		ctx, cancel = context.WithCancel(primary)
	}
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

type detachedContext struct {
	context.Context
}

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }

// Detach keeps ctx's values but drops its cancellation, for cleanup that
// must outlive the operation that triggered it.
func Detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}
