package deviceagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	restartBackoff    = 200 * time.Millisecond
	maxRestartBackoff = 30 * time.Second
)

// RunGroup runs the long-lived goroutines of an agent process (device
// watcher, scheduler join) under one errgroup context.
type RunGroup struct {
	group  *errgroup.Group
	ctx    context.Context
	parent context.Context
}

// NewRunGroup derives the group context from ctx. The group context is
// cancelled when ctx is, or when any member returns an error.
func NewRunGroup(ctx context.Context) *RunGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &RunGroup{group: group, ctx: groupCtx, parent: ctx}
}

// Context returns the group context.
func (g *RunGroup) Context() context.Context {
	return g.ctx
}

// Go runs fn with errgroup semantics and no panic handling.
func (g *RunGroup) Go(fn func(context.Context) error) {
	g.group.Go(func() error { return fn(g.ctx) })
}

// GoSafe runs fn and restarts it with exponential backoff whenever it
// panics. A panic never cancels the siblings; a returned error does.
// Panics go to stderr since the logger may be what panicked.
func (g *RunGroup) GoSafe(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	g.group.Go(func() error {
		backoff := restartBackoff
		for {
			if g.ctx.Err() != nil {
				return nil
			}
			err := invokeSafely(name, func() error { return fn(g.ctx) })
			var perr *panicError
			if !errors.As(err, &perr) {
				return err
			}
			fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, perr.value, perr.stack)

			select {
			case <-g.ctx.Done():
				return nil
			case <-time.After(backoff + jitter(backoff/2)):
			}
			backoff *= 2
			if backoff > maxRestartBackoff {
				backoff = maxRestartBackoff
			}
		}
	})
}

// Wait blocks until every member returns. Once the parent context is done it
// waits at most grace before giving up with the parent's error.
func (g *RunGroup) Wait(grace time.Duration) error {
	waitCh := make(chan error, 1)
	go func() { waitCh <- g.group.Wait() }()

	select {
	case err := <-waitCh:
		return g.normalize(err)
	case <-g.parent.Done():
	}
	if grace <= 0 {
		return g.parent.Err()
	}
	select {
	case err := <-waitCh:
		return g.normalize(err)
	case <-time.After(grace):
		return g.parent.Err()
	}
}

func (g *RunGroup) normalize(err error) error {
	if err == nil {
		return nil
	}
	if perr := g.parent.Err(); perr != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return perr
	}
	return err
}

// panicError carries a recovered panic out of invokeSafely.
type panicError struct {
	name  string
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.name, e.value)
}

// invokeSafely calls fn and converts a panic into a *panicError.
func invokeSafely(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{name: name, value: r, stack: debug.Stack()}
		}
	}()
	return fn()
}

// jitter is deterministic enough for backoff spreading.
func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(limit))
}
