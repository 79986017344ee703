package syncengine

import (
	"context"

	"github.com/lingosync-go/internal/errs"
)

// Commit tracks the remote half of an optimistic write. The local half has
// already been applied when the handle is returned.
type Commit struct {
	done chan struct{}
	err  error
}

func newCommit() *Commit {
	return &Commit{done: make(chan struct{})}
}

func completedCommit(err error) *Commit {
	c := newCommit()
	c.finish(err)
	return c
}

func (c *Commit) finish(err error) {
	c.err = err
	close(c.done)
}

// Done is closed once the remote commit succeeded or failed
func (c *Commit) Done() <-chan struct{} {
	return c.done
}

// Err returns the commit error. It is only meaningful after Done is closed.
func (c *Commit) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the commit finishes or ctx ends
func (c *Commit) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return errs.FromContext(ctx.Err())
	}
}
