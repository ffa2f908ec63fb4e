package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailverify/internal/credential"
	"github.com/nhle/mailverify/internal/logging"
	"github.com/nhle/mailverify/internal/mailbox"
	"github.com/nhle/mailverify/internal/mailbox/imapmail"
	"github.com/nhle/mailverify/internal/metrics"
	"github.com/nhle/mailverify/internal/model"
	"github.com/nhle/mailverify/internal/verify"
)

// HuntState represents the current state of one account's hunt.
type HuntState int

const (
	StateIdle HuntState = iota
	StateRunning
	StateFound
	StateNotFound
)

func (s HuntState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFound:
		return "found"
	case StateNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("HuntState(%d)", int(s))
	}
}

// Status holds the hunt state for a single account, identified by its
// login email and the recipient it searches for.
type Status struct {
	Email      string
	Recipient  string
	State      HuntState
	StartedAt  time.Time
	FinishedAt time.Time
	Error      error
}

// Account is one mailbox to search. Recipient defaults to the login email;
// an empty password is looked up in the keyring.
type Account struct {
	Credentials mailbox.Credentials
	Recipient   string
}

func (a Account) recipient() string {
	if a.Recipient != "" {
		return a.Recipient
	}
	return a.Credentials.Email
}

// Result is the outcome for one account. Found is nil when no link was
// found; otherwise the caller owns Found's session.
type Result struct {
	Account Account
	Found   *verify.Found
}

// LinkHunter is the per-account search the runner fans out.
type LinkHunter interface {
	Hunt(ctx context.Context, creds mailbox.Credentials, recipient string) (*verify.Found, bool)
}

// SecretFunc resolves a keyring key to a secret.
type SecretFunc func(key string) (string, error)

const defaultConcurrency = 4

// Runner hunts for links across many accounts concurrently. Each account
// is isolated: its own credentials, sessions and retry state.
type Runner struct {
	hunter      LinkHunter
	concurrency int
	server      string
	secrets     SecretFunc
	logger      *slog.Logger
	now         func() time.Time

	mu       gosync.Mutex
	statuses map[string]*Status
}

// Option customizes a Runner.
type Option func(*Runner)

// WithConcurrency caps the number of hunts in flight.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithDefaultServer fills in accounts that leave Credentials.Server empty.
func WithDefaultServer(server string) Option {
	return func(r *Runner) {
		r.server = server
	}
}

// WithSecretLookup replaces the keyring lookup for missing passwords.
func WithSecretLookup(fn SecretFunc) Option {
	return func(r *Runner) {
		if fn != nil {
			r.secrets = fn
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Runner around hunter.
func New(hunter LinkHunter, opts ...Option) *Runner {
	r := &Runner{
		hunter:      hunter,
		concurrency: defaultConcurrency,
		secrets:     credential.Get,
		logger:      slog.Default(),
		now:         time.Now,
		statuses:    make(map[string]*Status),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FromConfig wires an IMAP-backed hunter and runner from cfg. Metrics are
// registered on reg when it is non-nil. A nil logger is built from
// cfg.Logging.
func FromConfig(cfg *model.AppConfig, reg prometheus.Registerer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.New(cfg.Logging, nil)
	}
	dialer := imapmail.NewDialer(
		imapmail.WithMode(cfg.IMAP.Mode),
		imapmail.WithDialTimeout(cfg.IMAP.DialTimeout()),
		imapmail.WithIOTimeout(cfg.IMAP.IOTimeout()),
	)

	hunterOpts := []verify.Option{
		verify.WithRetryPolicy(verify.PolicyFromConfig(cfg.Retry)),
		verify.WithLogger(logger),
	}
	if reg != nil {
		hunterOpts = append(hunterOpts, verify.WithMetrics(metrics.New(reg)))
	}
	hunter := verify.NewHunter(dialer, cfg.Search.Folders, hunterOpts...)

	return New(hunter,
		WithConcurrency(cfg.Runner.Concurrency),
		WithDefaultServer(cfg.IMAP.Server),
		WithLogger(logger),
	)
}

// Run hunts every account and returns results in input order. It returns
// when all hunts have finished; cancelling ctx ends pending hunts early
// with no link.
func (r *Runner) Run(ctx context.Context, accounts []Account) []Result {
	results := make([]Result, len(accounts))
	for _, acc := range accounts {
		r.setStatus(acc, StateIdle, nil)
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, acc := range accounts {
		g.Go(func() error {
			results[i] = r.runOne(ctx, acc)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Statuses returns the current state of every account seen by Run, sorted
// by email, then recipient.
func (r *Runner) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]Status, 0, len(r.statuses))
	for _, s := range r.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Email != statuses[j].Email {
			return statuses[i].Email < statuses[j].Email
		}
		return statuses[i].Recipient < statuses[j].Recipient
	})
	return statuses
}

// runOne resolves credentials and runs a single hunt.
func (r *Runner) runOne(ctx context.Context, acc Account) Result {
	recipient := acc.recipient()
	log := r.logger.With("account", recipient)
	r.setStatus(acc, StateRunning, nil)

	creds := acc.Credentials
	if creds.Server == "" {
		creds.Server = r.server
	}
	if creds.Password == "" {
		secret, err := r.secrets(credential.MailboxKey(creds.Email))
		if err != nil {
			log.Error("failed to resolve mailbox password", "error", err)
			r.setStatus(acc, StateNotFound, err)
			return Result{Account: acc}
		}
		creds.Password = secret
	}

	found, ok := r.hunter.Hunt(ctx, creds, recipient)
	if !ok {
		r.setStatus(acc, StateNotFound, nil)
		return Result{Account: acc}
	}

	r.setStatus(acc, StateFound, nil)
	return Result{Account: acc, Found: found}
}

// setStatus updates the hunt status for an account. Accounts sharing a
// recipient but logging in differently are tracked separately.
func (r *Runner) setStatus(acc Account, state HuntState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(acc.Credentials.Email))
	recipient := strings.ToLower(strings.TrimSpace(acc.recipient()))
	key := email + "\x00" + recipient
	status, ok := r.statuses[key]
	if !ok {
		status = &Status{Email: email, Recipient: recipient}
		r.statuses[key] = status
	}

	status.State = state
	status.Error = err
	switch state {
	case StateIdle:
		status.StartedAt = time.Time{}
		status.FinishedAt = time.Time{}
	case StateRunning:
		status.StartedAt = r.now()
		status.FinishedAt = time.Time{}
	default:
		status.FinishedAt = r.now()
	}
}
