package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailverify/internal/mailbox"
	"github.com/nhle/mailverify/internal/metrics"
)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Hunter searches a mailbox for the verification link. A Hunter holds no
// per-account state and may run many hunts concurrently.
type Hunter struct {
	dialer  mailbox.Dialer
	folders []string
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
	wait    WaitFunc
	now     func() time.Time
}

// Option customizes a Hunter.
type Option func(*Hunter)

// NewHunter returns a Hunter searching folders, in order, through dialer.
func NewHunter(dialer mailbox.Dialer, folders []string, opts ...Option) *Hunter {
	h := &Hunter{
		dialer:  dialer,
		folders: append([]string(nil), folders...),
		policy:  DefaultRetryPolicy(),
		logger:  slog.Default(),
		wait:    sleep,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.policy = h.policy.normalized()
	return h
}

// WithRetryPolicy overrides attempts and delays.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(h *Hunter) {
		h.policy = p
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hunter) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records hunt activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hunter) {
		h.metrics = m
	}
}

// WithWaitFunc replaces the timer used for the initial and inter-attempt
// delays.
func WithWaitFunc(wait WaitFunc) Option {
	return func(h *Hunter) {
		if wait != nil {
			h.wait = wait
		}
	}
}

// WithClock overrides the wall clock used for duration metrics.
func WithClock(now func() time.Time) Option {
	return func(h *Hunter) {
		if now != nil {
			h.now = now
		}
	}
}

// Policy returns the effective retry policy.
func (h *Hunter) Policy() RetryPolicy {
	return h.policy
}

// Found is a located verification link together with the live session of
// the folder it was found in.
//
// Ownership of the session passes to the holder of Found, who must call
// Release exactly when done with it (after Delete, if used).
type Found struct {
	Link      string
	Folder    string
	MessageID string

	session mailbox.Session
	release func(mailbox.Session)
	once    gosync.Once
}

// Session returns the open session, positioned at Folder.
func (f *Found) Session() mailbox.Session {
	return f.session
}

// Delete removes the verification message from Folder. It fails if the
// session cannot delete messages or has been released.
func (f *Found) Delete() error {
	remover, ok := f.session.(mailbox.Remover)
	if !ok {
		return errors.New("mailbox session does not support delete")
	}
	if err := remover.Delete(f.MessageID); err != nil {
		return fmt.Errorf("deleting message %s in %s: %w", f.MessageID, f.Folder, err)
	}
	return nil
}

// Release logs out the session. Only the first call has an effect.
func (f *Found) Release() {
	f.once.Do(func() {
		f.release(f.session)
	})
}

// Hunt waits for the initial delay, then makes up to MaxAttempts passes over
// the folders. The first match ends the hunt and is returned with ok true;
// the caller then owns found's session. Every other outcome, including
// cancellation of ctx and unexpected failures, returns (nil, false) after
// logging; Hunt never panics.
func (h *Hunter) Hunt(ctx context.Context, creds mailbox.Credentials, recipient string) (found *Found, ok bool) {
	start := h.now()
	target := NewSearchTarget(recipient, h.folders)
	log := h.logger.With("account", recipient, "hunt_id", uuid.NewString())

	outcome := metrics.OutcomeNotFound
	defer func() {
		if r := recover(); r != nil {
			log.Error("failed to check email for link", "error", fmt.Errorf("panic: %v", r))
			found, ok = nil, false
			outcome = metrics.OutcomeAborted
		}
		h.metrics.HuntDone(outcome, h.now().Sub(start))
	}()

	log.Info("waiting before checking email", "delay", h.policy.InitialDelay)
	if err := h.wait(ctx, h.policy.InitialDelay); err != nil {
		log.Error("failed to check email for link", "error", err)
		outcome = metrics.OutcomeAborted
		return nil, false
	}
	log.Info("checking email for link")

	for attempt := 1; attempt <= h.policy.MaxAttempts; attempt++ {
		h.metrics.Attempt()
		log.Info("searching folders", "attempt", attempt, "max_attempts", h.policy.MaxAttempts)

		for _, folder := range target.Folders {
			if err := ctx.Err(); err != nil {
				log.Error("failed to check email for link", "error", err)
				outcome = metrics.OutcomeAborted
				return nil, false
			}
			if f := h.searchFolder(ctx, log, creds, target, folder); f != nil {
				outcome = metrics.OutcomeFound
				return f, true
			}
		}

		if attempt < h.policy.MaxAttempts {
			log.Info("link not found, waiting before next attempt", "attempt", attempt, "delay", h.policy.Delay)
			if err := h.wait(ctx, h.policy.Delay); err != nil {
				log.Error("failed to check email for link", "error", err)
				outcome = metrics.OutcomeAborted
				return nil, false
			}
		}
	}

	if err := ctx.Err(); err != nil {
		log.Error("failed to check email for link", "error", err)
		outcome = metrics.OutcomeAborted
		return nil, false
	}
	log.Error("link not found in any folder", "attempts", h.policy.MaxAttempts, "folders", target.Folders)
	return nil, false
}

// searchFolder runs one folder search on a worker goroutine. Errors and
// cancellation count as no match. A match that completes after ctx ended
// is released by the worker.
func (h *Hunter) searchFolder(
	ctx context.Context,
	log *slog.Logger,
	creds mailbox.Credentials,
	target SearchTarget,
	folder string,
) *Found {
	log = log.With("folder", folder)

	found, err := offload(ctx,
		func() *Found { return h.scanFolder(ctx, log, creds, target, folder) },
		func(late *Found) {
			if late != nil {
				late.Release()
			}
		},
	)
	if err != nil {
		log.Error("error searching folder", "error", err)
		return nil
	}
	return found
}

// scanFolder opens a session, checks the folder exists, selects it, and
// scans up to target.Limit matching messages newest first. The session is
// released on every path except a match, and aborted if ctx ends while a
// call is in flight.
func (h *Hunter) scanFolder(
	ctx context.Context,
	log *slog.Logger,
	creds mailbox.Credentials,
	target SearchTarget,
	folder string,
) *Found {
	sess, err := h.openSession(ctx, creds)
	if err != nil {
		h.metrics.FolderSearched(metrics.FolderError)
		log.Error("error searching folder", "error", err)
		return nil
	}

	keep := false
	defer func() {
		if !keep {
			h.release(log, sess)
		}
	}()
	stopAbort := abortOnDone(ctx, log, sess)
	defer stopAbort()

	fail := func(err error) *Found {
		h.metrics.FolderSearched(metrics.FolderError)
		log.Error("error searching folder", "error", err)
		return nil
	}

	exists, err := sess.FolderExists(folder)
	if err != nil {
		return fail(err)
	}
	if !exists {
		h.metrics.FolderSearched(metrics.FolderMissing)
		log.Debug("folder does not exist")
		return nil
	}

	log.Info("searching in folder")
	if err := sess.Select(folder); err != nil {
		return fail(err)
	}

	messages, err := sess.Search(mailbox.SearchQuery{
		From:  target.Sender,
		To:    target.Recipient,
		Limit: target.Limit,
	})
	if err != nil {
		return fail(err)
	}

	for _, msg := range messages {
		link := ExtractLink(msg.Body())
		if link == "" {
			continue
		}
		h.metrics.FolderSearched(metrics.FolderMatch)
		log.Info("link found", "message_id", msg.ID)
		keep = true
		return &Found{
			Link:      link,
			Folder:    folder,
			MessageID: msg.ID,
			session:   sess,
			release:   func(s mailbox.Session) { h.release(log, s) },
		}
	}

	h.metrics.FolderSearched(metrics.FolderNoMatch)
	log.Debug("no link found in folder", "messages", len(messages))
	return nil
}
