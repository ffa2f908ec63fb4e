package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/mailverify/internal/mailbox"
)

// offload runs fn on its own goroutine so blocking mail I/O never holds the
// caller past ctx. A panic in fn is returned as an error. If ctx ends first,
// the late value is handed to discard once fn returns.
func offload[T any](ctx context.Context, fn func() T, discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		ch <- result{v: fn()}
	}()

	select {
	case res := <-ch:
		return res.v, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil && discard != nil {
				discard(res.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// openSession connects and authenticates. It blocks; callers offload it.
func (h *Hunter) openSession(ctx context.Context, creds mailbox.Credentials) (mailbox.Session, error) {
	sess, err := h.dialer.Open(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("opening mailbox %s: %w", creds.Email, err)
	}
	h.metrics.SessionOpened()
	return sess, nil
}

// release logs out sess. Release errors are logged, never returned.
func (h *Hunter) release(log *slog.Logger, sess mailbox.Session) {
	if sess == nil {
		return
	}
	if err := sess.Release(); err != nil {
		log.Warn("failed to release mailbox session", "error", err)
	}
	h.metrics.SessionReleased()
}

// abortOnDone tears down sess when ctx ends so a call blocked on a silent
// server returns and the worker can release the session. The returned
// func stops the watch.
func abortOnDone(ctx context.Context, log *slog.Logger, sess mailbox.Session) (stop func() bool) {
	aborter, ok := sess.(mailbox.Aborter)
	if !ok {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() {
		if err := aborter.Abort(); err != nil {
			log.Debug("failed to abort mailbox session", "error", err)
		}
	})
}
