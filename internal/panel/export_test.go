package panel

import (
	"context"
	"time"
)

// SetSleepForTest replaces the pause function of s.
func SetSleepForTest(s *Session, fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}
