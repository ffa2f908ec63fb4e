package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailverify/internal/mailbox"
	"github.com/nhle/mailverify/internal/mailbox/memory"
	"github.com/nhle/mailverify/internal/metrics"
)

const (
	testEmail    = "user@example.com"
	testPassword = "app-secret"
	testLink     = "https://www.aeropres.in/chromeapi/dawn/v1/user/verifylink?key=0a1b2c3d-4e5f-6789"
	otherLink    = "https://www.aeropres.in/chromeapi/dawn/v1/user/verifylink?key=ffff-0000"
)

type waitRecorder struct {
	mu    gosync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waits = append(w.waits, d)
	return ctx.Err()
}

func (w *waitRecorder) recorded() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.waits...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCreds() mailbox.Credentials {
	return mailbox.Credentials{Server: "imap.example.com", Email: testEmail, Password: testPassword}
}

func verificationMessage(id, link string) memory.Message {
	return memory.Message{
		ID:   id,
		From: "Dawn Internet <hello@dawninternet.com>",
		To:   testEmail,
		Text: "Welcome! Verify your account: " + link + "\nThanks",
	}
}

func newTestHunter(d mailbox.Dialer, folders []string, rec *waitRecorder, opts ...Option) *Hunter {
	base := []Option{
		WithLogger(discardLogger()),
		WithWaitFunc(rec.wait),
	}
	return NewHunter(d, folders, append(base, opts...)...)
}

func TestHuntFindsLinkInFirstFolder(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.Deliver("INBOX", verificationMessage("101", testLink))
	srv.AddFolder("Spam")

	rec := &waitRecorder{}
	h := newTestHunter(srv, []string{"INBOX", "Spam"}, rec)

	found, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	require.True(t, ok)
	require.NotNil(t, found)

	assert.Equal(t, testLink, found.Link)
	assert.Equal(t, testLink, LinkPattern.FindString(found.Link))
	assert.Equal(t, "INBOX", found.Folder)
	assert.Equal(t, "101", found.MessageID)
	assert.Equal(t, []time.Duration{10 * time.Second}, rec.recorded(), "no inter-attempt wait")
	assert.Equal(t, []string{"INBOX"}, srv.Searches())

	assert.Equal(t, 1, srv.Opens())
	assert.Equal(t, 0, srv.Releases(), "found session stays open")
	sess, ok := found.Session().(*memory.Session)
	require.True(t, ok)
	assert.Equal(t, "INBOX", sess.Selected())

	found.Release()
	found.Release()
	assert.Equal(t, 1, srv.Releases())
	assert.Equal(t, 1, sess.ReleaseCount())
}

func TestHuntExhaustsAttempts(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.Deliver("INBOX", memory.Message{ID: "1", From: "news@example.org", To: testEmail, Text: testLink})
	srv.Deliver("Spam", memory.Message{ID: "2", From: Sender, To: testEmail, Text: "no link here"})

	rec := &waitRecorder{}
	policy := RetryPolicy{MaxAttempts: 3, Delay: 20 * time.Second, InitialDelay: 10 * time.Second}
	h := newTestHunter(srv, []string{"INBOX", "Spam"}, rec, WithRetryPolicy(policy))

	found, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	require.False(t, ok)
	require.Nil(t, found)

	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 20 * time.Second}, rec.recorded())
	assert.Len(t, srv.Searches(), 3*2)
	assert.Equal(t, 3*2, srv.Opens())
	assert.Equal(t, srv.Opens(), srv.Releases())
	assert.Empty(t, srv.OpenSessions())
}

func TestHuntShortCircuitsOnLaterFolder(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.AddFolder("INBOX")
	srv.Deliver("Spam", verificationMessage("7", testLink))
	srv.Deliver("Archive", verificationMessage("8", otherLink))

	rec := &waitRecorder{}
	h := newTestHunter(srv, []string{"INBOX", "Spam", "Archive"}, rec)

	found, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	require.True(t, ok)
	defer found.Release()

	assert.Equal(t, "Spam", found.Folder)
	assert.Equal(t, testLink, found.Link)
	assert.Equal(t, []string{"INBOX", "Spam"}, srv.Searches())
	assert.Equal(t, 2, srv.Opens())
	assert.Equal(t, 1, srv.Releases())
}

func TestHuntNeverSelectsMissingFolder(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.AddFolder("INBOX")

	rec := &waitRecorder{}
	h := newTestHunter(srv, []string{"[Gmail]/Spam", "INBOX"}, rec,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2}))

	_, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	require.False(t, ok)

	assert.NotContains(t, srv.Selects(), "[Gmail]/Spam")
	assert.NotContains(t, srv.Searches(), "[Gmail]/Spam")
	assert.Equal(t, []string{"INBOX", "INBOX"}, srv.Selects())
	assert.Equal(t, 4, srv.Opens())
	assert.Equal(t, 4, srv.Releases())
}

func TestHuntTreatsFolderErrorsAsNoMatch(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.Deliver("INBOX", verificationMessage("1", otherLink))
	srv.Deliver("Junk", verificationMessage("2", otherLink))
	srv.Deliver("Spam", verificationMessage("3", testLink))
	srv.SelectErr["INBOX"] = errors.New("SELECT failed")
	srv.SearchErr["Junk"] = errors.New("SEARCH failed")

	rec := &waitRecorder{}
	h := newTestHunter(srv, []string{"INBOX", "Junk", "Spam"}, rec)

	found, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	require.True(t, ok)
	defer found.Release()

	assert.Equal(t, "Spam", found.Folder)
	assert.Equal(t, "3", found.MessageID)
	assert.Equal(t, 3, srv.Opens())
	assert.Equal(t, 2, srv.Releases(), "failed folders release their sessions")
}

func TestHuntOpenFailureConsumesAttempt(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.Deliver("INBOX", verificationMessage("1", testLink))
	srv.OpenErr = errors.New("dial tcp: i/o timeout")

	rec := &waitRecorder{}
	h := newTestHunter(srv, []string{"INBOX"}, rec, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 2, Delay: 5 * time.Second, InitialDelay: time.Second,
	}))

	_, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	require.False(t, ok)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, rec.recorded())
	assert.Zero(t, srv.Opens())
	assert.Zero(t, srv.Releases())
}

func TestHuntBadCredentialsNotFound(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.Deliver("INBOX", verificationMessage("1", testLink))

	rec := &waitRecorder{}
	h := newTestHunter(srv, []string{"INBOX"}, rec)

	creds := testCreds()
	creds.Password = "wrong"
	found, ok := h.Hunt(context.Background(), creds, testEmail)
	assert.False(t, ok)
	assert.Nil(t, found)
	assert.Zero(t, srv.Opens())
}

func TestHuntFindsLinkOnSecondAttemptInSpam(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.AddFolder("INBOX")
	srv.AddFolder("Spam")
	// Opens 1-2 are attempt 1; the email lands before attempt 2 starts.
	srv.BeforeOpen = func(n int) {
		if n == 3 {
			srv.Deliver("Spam", verificationMessage("42", testLink))
		}
	}

	rec := &waitRecorder{}
	h := newTestHunter(srv, []string{"INBOX", "Spam"}, rec)

	found, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	require.True(t, ok)

	assert.Equal(t, testLink, found.Link)
	assert.Equal(t, "42", found.MessageID)
	assert.Equal(t, "Spam", found.Folder)
	sess := found.Session().(*memory.Session)
	assert.Equal(t, "Spam", sess.Selected())
	assert.Zero(t, sess.ReleaseCount())

	waits := rec.recorded()
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, waits)
	var total time.Duration
	for _, d := range waits {
		total += d
	}
	assert.Equal(t, 30*time.Second, total)

	assert.Equal(t, 4, srv.Opens())
	assert.Equal(t, 3, srv.Releases())

	require.NoError(t, found.Delete())
	assert.Equal(t, []string{"42"}, srv.Deleted())
	found.Release()
	assert.Empty(t, srv.OpenSessions())
}

func TestHuntScansNewestFirst(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.Deliver("INBOX", verificationMessage("1", otherLink))
	srv.Deliver("INBOX", verificationMessage("2", testLink))

	h := newTestHunter(srv, []string{"INBOX"}, &waitRecorder{})
	found, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	require.True(t, ok)
	defer found.Release()

	assert.Equal(t, "2", found.MessageID)
	assert.Equal(t, testLink, found.Link)
}

func TestHuntInspectsAtMostResultLimitMessages(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.Deliver("INBOX", verificationMessage("old", testLink))
	for i := 0; i < ResultLimit; i++ {
		srv.Deliver("INBOX", memory.Message{
			ID: fmt.Sprintf("n%d", i), From: Sender, To: testEmail, Text: "reminder without link",
		})
	}

	h := newTestHunter(srv, []string{"INBOX"}, &waitRecorder{},
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	_, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	assert.False(t, ok)
}

func TestHuntFallsBackToHTMLBody(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.Deliver("INBOX", memory.Message{
		ID:   "9",
		From: Sender,
		To:   testEmail,
		HTML: `<p><a href="` + testLink + `">Verify</a></p>`,
	})

	h := newTestHunter(srv, []string{"INBOX"}, &waitRecorder{})
	found, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	require.True(t, ok)
	defer found.Release()
	assert.Equal(t, testLink, found.Link)
}

func TestHuntMatchesRecipientCaseInsensitively(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.Deliver("INBOX", verificationMessage("5", testLink))

	h := newTestHunter(srv, []string{"INBOX"}, &waitRecorder{})
	found, ok := h.Hunt(context.Background(), testCreds(), "User@Example.COM")
	require.True(t, ok)
	found.Release()
}

func TestHuntCancelledDuringInitialDelay(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.Deliver("INBOX", verificationMessage("1", testLink))

	h := NewHunter(srv, []string{"INBOX"},
		WithLogger(discardLogger()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	found, ok := h.Hunt(ctx, testCreds(), testEmail)
	assert.False(t, ok)
	assert.Nil(t, found)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, srv.Opens())
}

func TestHuntRecoversFromPanic(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	h := NewHunter(srv, []string{"INBOX"},
		WithLogger(discardLogger()),
		WithWaitFunc(func(context.Context, time.Duration) error { panic("clock exploded") }),
	)

	var found *Found
	var ok bool
	require.NotPanics(t, func() {
		found, ok = h.Hunt(context.Background(), testCreds(), testEmail)
	})
	assert.False(t, ok)
	assert.Nil(t, found)
}

type panickySession struct {
	releases atomic.Int32
}

func (s *panickySession) releaseCount() int { return int(s.releases.Load()) }

func (s *panickySession) FolderExists(string) (bool, error) { panic("protocol desync") }
func (s *panickySession) Select(string) error               { return nil }
func (s *panickySession) Search(mailbox.SearchQuery) ([]mailbox.Message, error) {
	return nil, nil
}
func (s *panickySession) Release() error { s.releases.Add(1); return nil }

type stubDialer struct {
	sess mailbox.Session
}

func (d *stubDialer) Open(context.Context, mailbox.Credentials) (mailbox.Session, error) {
	return d.sess, nil
}

// stallingSession models a server that stops answering: FolderExists
// blocks until the connection is aborted.
type stallingSession struct {
	aborted  chan struct{}
	once     gosync.Once
	releases atomic.Int32
}

func newStallingSession() *stallingSession {
	return &stallingSession{aborted: make(chan struct{})}
}

func (s *stallingSession) FolderExists(string) (bool, error) {
	<-s.aborted
	return false, errors.New("use of closed network connection")
}
func (s *stallingSession) Select(string) error { return nil }
func (s *stallingSession) Search(mailbox.SearchQuery) ([]mailbox.Message, error) {
	return nil, nil
}
func (s *stallingSession) Release() error { s.releases.Add(1); return nil }
func (s *stallingSession) Abort() error {
	s.once.Do(func() { close(s.aborted) })
	return nil
}

func TestHuntCancelledAbortsStalledSession(t *testing.T) {
	sess := newStallingSession()
	h := newTestHunter(&stubDialer{sess: sess}, []string{"INBOX", "Junk"}, &waitRecorder{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	found, ok := h.Hunt(ctx, testCreds(), testEmail)
	assert.False(t, ok)
	assert.Nil(t, found)

	require.Eventually(t, func() bool {
		return sess.releases.Load() == 1
	}, time.Second, 5*time.Millisecond, "worker released the stalled session")
	select {
	case <-sess.aborted:
	default:
		t.Fatal("stalled session was not aborted")
	}
}

func TestHuntReleasesSessionWhenSearchPanics(t *testing.T) {
	sess := &panickySession{}
	h := newTestHunter(&stubDialer{sess: sess}, []string{"INBOX"}, &waitRecorder{},
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2}))

	_, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	assert.False(t, ok)
	assert.Equal(t, 2, sess.releaseCount())
}

func TestHuntRecordsMetrics(t *testing.T) {
	srv := memory.NewServer(testEmail, testPassword)
	srv.AddFolder("INBOX")
	srv.Deliver("Spam", verificationMessage("1", testLink))

	reg := prometheus.NewRegistry()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)-1) * 42 * time.Second)
	}
	h := newTestHunter(srv, []string{"Missing", "INBOX", "Spam"}, &waitRecorder{},
		WithMetrics(metrics.New(reg)), WithClock(clock))

	found, ok := h.Hunt(context.Background(), testCreds(), testEmail)
	require.True(t, ok)
	found.Release()

	expected := `
# HELP mailverify_folder_searches_total Total number of folder searches by result
# TYPE mailverify_folder_searches_total counter
mailverify_folder_searches_total{result="match"} 1
mailverify_folder_searches_total{result="missing"} 1
mailverify_folder_searches_total{result="no_match"} 1
# HELP mailverify_hunt_duration_seconds Wall time of a link hunt including waits
# TYPE mailverify_hunt_duration_seconds histogram
mailverify_hunt_duration_seconds_bucket{le="1"} 0
mailverify_hunt_duration_seconds_bucket{le="5"} 0
mailverify_hunt_duration_seconds_bucket{le="10"} 0
mailverify_hunt_duration_seconds_bucket{le="30"} 0
mailverify_hunt_duration_seconds_bucket{le="60"} 1
mailverify_hunt_duration_seconds_bucket{le="120"} 1
mailverify_hunt_duration_seconds_bucket{le="300"} 1
mailverify_hunt_duration_seconds_bucket{le="+Inf"} 1
mailverify_hunt_duration_seconds_sum 42
mailverify_hunt_duration_seconds_count 1
# HELP mailverify_hunts_total Total number of link hunts by outcome
# TYPE mailverify_hunts_total counter
mailverify_hunts_total{outcome="found"} 1
# HELP mailverify_sessions_opened_total Total number of mailbox sessions opened
# TYPE mailverify_sessions_opened_total counter
mailverify_sessions_opened_total 3
# HELP mailverify_sessions_released_total Total number of mailbox sessions released
# TYPE mailverify_sessions_released_total counter
mailverify_sessions_released_total 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"mailverify_folder_searches_total",
		"mailverify_hunt_duration_seconds",
		"mailverify_hunts_total",
		"mailverify_sessions_opened_total",
		"mailverify_sessions_released_total",
	))
}

func TestNewHunterNormalizesPolicy(t *testing.T) {
	h := NewHunter(nil, nil, WithRetryPolicy(RetryPolicy{MaxAttempts: 0, Delay: -time.Second, InitialDelay: -time.Second}))
	assert.Equal(t, RetryPolicy{MaxAttempts: 1}, h.Policy())

	assert.Equal(t, DefaultRetryPolicy(), NewHunter(nil, nil).Policy())
}
