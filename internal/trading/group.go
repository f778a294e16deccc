package trading

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// timedGroup is an errgroup whose context also carries a deadline. The
// deadline is released when Wait returns.
type timedGroup struct {
	*errgroup.Group
	cancel context.CancelFunc
}

func (g timedGroup) Wait() error {
	defer g.cancel()
	return g.Group.Wait()
}

func errgroupWithTimeout(ctx context.Context, d time.Duration) (timedGroup, context.Context) {
	cctx, cancel := context.WithTimeout(ctx, d)
	g, gctx := errgroup.WithContext(cctx)
	return timedGroup{Group: g, cancel: cancel}, gctx
}
