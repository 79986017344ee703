package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/services/remote"
	"github.com/lingosync-go/pkg/stream"
)

// drainGrace bounds how long a bridge waits for local values queued by the
// final snapshot of an ended subscription
const drainGrace = 20 * time.Millisecond

// applyFunc merges one snapshot into the local store. initial is set for
// the first snapshot of a subscription.
type applyFunc func(ctx context.Context, snap *remote.QuerySnapshot, initial bool) error

// subscription is one remote listener shared by every observer of a scope
type subscription struct {
	key  string
	kind string
	s    *stream.Stream[*remote.QuerySnapshot]
	refs int
	done chan struct{}
	err  error
}

func (s *subscription) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) stop() {
	if s.s != nil {
		s.s.Close()
	}
}

// acquire returns the live subscription of key, starting one when there is
// none or the previous one has ended
func (e *Engine) acquire(key, kind string, q remote.Query, apply applyFunc) (*subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	if sub, ok := e.subs[key]; ok {
		if !sub.ended() {
			sub.refs++
			return sub, nil
		}
		sub.stop()
		delete(e.subs, key)
	}

	sub := &subscription{key: key, kind: kind, refs: 1, done: make(chan struct{})}
	e.subs[key] = sub

	rs, err := e.remote.Subscribe(e.ctx, q)
	if err != nil {
		sub.err = err
		close(sub.done)
		e.logEnded(sub)
		return sub, nil
	}
	sub.s = rs
	e.metrics.AddActiveSubscriptions(1)
	e.wg.Add(1)
	go e.run(sub, apply)

	e.logger.WithFields(logrus.Fields{
		"scope": key,
		"query": q.Key(),
	}).Debug("Remote subscription started")
	return sub, nil
}

// release drops one reference and stops the listener with the last one
func (e *Engine) release(sub *subscription) {
	e.mu.Lock()
	sub.refs--
	if sub.refs > 0 {
		e.mu.Unlock()
		return
	}
	if cur, ok := e.subs[sub.key]; ok && cur == sub {
		delete(e.subs, sub.key)
	}
	e.mu.Unlock()
	sub.stop()
}

// run applies snapshots in arrival order
func (e *Engine) run(sub *subscription, apply applyFunc) {
	defer e.wg.Done()
	defer e.metrics.AddActiveSubscriptions(-1)

	initial := true
	for snap := range sub.s.C() {
		if err := apply(e.ctx, snap, initial); err != nil {
			e.logger.WithError(err).WithField("scope", sub.key).Warn("Failed to apply remote snapshot")
		} else {
			e.metrics.RecordSyncSnapshot(sub.kind)
		}
		initial = false
	}
	sub.err = sub.s.Err()
	close(sub.done)
	e.logEnded(sub)
}

func (e *Engine) logEnded(sub *subscription) {
	log := e.logger.WithField("scope", sub.key)
	switch {
	case sub.err == nil:
		log.Debug("Remote subscription ended")
	case errors.Is(sub.err, errs.ErrPermissionDenied):
		log.Info("Remote subscription ended: permission denied")
	default:
		log.WithError(sub.err).Warn("Remote subscription failed")
	}
}

// observe opens the local stream first, so its current value is queued
// before any network round trip, then attaches the shared remote listener.
// The stream ends when ctx does.
func observe[T any](ctx context.Context, e *Engine, key, kind string, q remote.Query, apply applyFunc, open func() (*stream.Stream[T], error), transform func(T) T) (*stream.Stream[T], error) {
	if err := e.track(); err != nil {
		return nil, err
	}

	local, err := open()
	if err != nil {
		e.wg.Done()
		return nil, err
	}
	sub, err := e.acquire(key, kind, q, apply)
	if err != nil {
		local.Close()
		e.wg.Done()
		return nil, err
	}

	out := stream.New[T](nil)
	go bridge(ctx, e, local, sub, out, transform)
	return out, nil
}

// bridge forwards local values until the subscription ends, the consumer
// closes out, ctx ends or the session closes. A permission-denied listener
// ends the stream quietly; any other listener error fails it.
func bridge[T any](ctx context.Context, e *Engine, local *stream.Stream[T], sub *subscription, out *stream.Stream[T], transform func(T) T) {
	defer e.wg.Done()
	defer e.release(sub)
	defer local.Close()

	send := func(v T) {
		if transform != nil {
			v = transform(v)
		}
		out.Send(v)
	}

	// the cached value always goes out first
	select {
	case v, ok := <-local.C():
		if !ok {
			out.Fail(local.Err())
			return
		}
		send(v)
	case <-ctx.Done():
		out.Finish()
		return
	case <-out.Done():
		return
	}

	for {
		select {
		case v, ok := <-local.C():
			if !ok {
				out.Fail(local.Err())
				return
			}
			send(v)
		case <-sub.done:
			drain(local, send)
			if sub.err != nil && !errors.Is(sub.err, errs.ErrPermissionDenied) {
				out.Fail(sub.err)
			} else {
				out.Finish()
			}
			return
		case <-ctx.Done():
			out.Finish()
			return
		case <-e.ctx.Done():
			out.Finish()
			return
		case <-out.Done():
			return
		}
	}
}

func drain[T any](local *stream.Stream[T], send func(T)) {
	for {
		select {
		case v, ok := <-local.C():
			if !ok {
				return
			}
			send(v)
		case <-time.After(drainGrace):
			return
		}
	}
}
