// Package imapmail implements the mailbox capability on top of go-imap v2.
package imapmail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailverify/internal/mailbox"
)

// Connection modes.
const (
	ModeTLS      = "tls"
	ModeStartTLS = "starttls"
	ModeInsecure = "insecure"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	List(ref, pattern string, options *imap.ListOptions) listWaiter
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type listWaiter interface {
	Collect() ([]*imap.ListData, error)
}
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// Dialer opens IMAP sessions. It is safe for concurrent use.
type Dialer struct {
	mode        string
	dialTimeout time.Duration
	ioTimeout   time.Duration
	newClient   func(ctx context.Context, addr string) (imapClient, net.Conn, error)
}

// Option customizes a Dialer.
type Option func(*Dialer)

// NewDialer returns a Dialer that uses implicit TLS by default.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		mode:        ModeTLS,
		dialTimeout: 10 * time.Second,
		ioTimeout:   30 * time.Second,
	}
	d.newClient = d.defaultClientFactory
	for _, opt := range opts {
		opt(d)
	}
	if d.newClient == nil {
		d.newClient = d.defaultClientFactory
	}
	return d
}

// WithMode selects tls, starttls or insecure transport.
func WithMode(mode string) Option {
	return func(d *Dialer) {
		if m := strings.ToLower(strings.TrimSpace(mode)); m != "" {
			d.mode = m
		}
	}
}

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		if timeout > 0 {
			d.dialTimeout = timeout
		}
	}
}

// WithIOTimeout bounds every IMAP command, including the greeting and
// login. A server that stops answering fails the command after timeout.
func WithIOTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		if timeout > 0 {
			d.ioTimeout = timeout
		}
	}
}

func withClientFactory(factory func(ctx context.Context, addr string) (imapClient, net.Conn, error)) Option {
	return func(d *Dialer) {
		d.newClient = factory
	}
}

// Open connects to creds.Server, authenticates, and returns the session.
// A NO or BAD reply to LOGIN is reported as *mailbox.AuthError; transport
// failures are returned wrapped. Cancelling ctx closes the connection.
func (d *Dialer) Open(ctx context.Context, creds mailbox.Credentials) (mailbox.Session, error) {
	addr, err := d.address(creds.Server)
	if err != nil {
		return nil, err
	}

	client, conn, err := d.newClient(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	s := &Session{client: client, conn: conn, ioTimeout: d.ioTimeout}
	stop := context.AfterFunc(ctx, func() { _ = s.Abort() })
	err = s.timed(func() error { return client.Login(creds.Email, creds.Password).Wait() })
	aborted := !stop()
	if err == nil && !aborted {
		return s, nil
	}

	_ = client.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("logging in to %s: %w", addr, ctxErr)
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) &&
		(imapErr.Type == imap.StatusResponseTypeNo || imapErr.Type == imap.StatusResponseTypeBad) {
		return nil, &mailbox.AuthError{
			Email:   creds.Email,
			Message: fmt.Sprintf("login to %s failed: %v", addr, err),
		}
	}
	return nil, fmt.Errorf("logging in to %s: %w", addr, err)
}

// address validates server and appends the default port for the mode.
func (d *Dialer) address(server string) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", errors.New("imap server address is empty")
	}

	host, port, err := net.SplitHostPort(server)
	if err != nil {
		if strings.Contains(server, ":") && !strings.HasPrefix(server, "[") {
			return "", fmt.Errorf("invalid imap server address %q: %w", server, err)
		}
		host, port = strings.Trim(server, "[]"), d.defaultPort()
	}
	if host == "" {
		return "", fmt.Errorf("invalid imap server address %q: missing host", server)
	}
	if port == "" {
		port = d.defaultPort()
	}
	return net.JoinHostPort(host, port), nil
}

func (d *Dialer) defaultPort() string {
	if d.mode == ModeTLS {
		return "993"
	}
	return "143"
}

// defaultClientFactory dials the socket itself so the session can set
// deadlines on, and abort, the raw connection underneath TLS.
func (d *Dialer) defaultClientFactory(ctx context.Context, addr string) (imapClient, net.Conn, error) {
	switch d.mode {
	case ModeTLS, ModeStartTLS, ModeInsecure:
	default:
		return nil, nil, fmt.Errorf("unsupported imap mode %q", d.mode)
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, nil, err
	}
	dialer := &net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	tlsConfig := &tls.Config{ServerName: host, NextProtos: []string{"imap"}}
	var client *imapclient.Client
	switch d.mode {
	case ModeTLS:
		client = imapclient.New(tls.Client(conn, tlsConfig), nil)
	case ModeStartTLS:
		// NewStartTLS reads the greeting and negotiates synchronously.
		if d.ioTimeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(d.ioTimeout))
		}
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		stop()
		_ = conn.SetDeadline(time.Time{})
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	case ModeInsecure:
		client = imapclient.New(conn, nil)
	}
	return &imapClientWrapper{Client: client}, conn, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) List(ref, pattern string, options *imap.ListOptions) listWaiter {
	return w.Client.List(ref, pattern, options)
}
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}

// Session is an authenticated IMAP connection. It is not safe for
// concurrent use.
type Session struct {
	client    imapClient
	conn      net.Conn
	ioTimeout time.Duration
	selected  string
	released  bool
}

// timed runs one command with the I/O deadline armed on the raw
// connection. The deadline is cleared afterwards so an idle session held
// by a caller is not torn down by the background reader.
func (s *Session) timed(fn func() error) error {
	if s.conn != nil && s.ioTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.ioTimeout))
		defer func() { _ = s.conn.SetDeadline(time.Time{}) }()
	}
	return fn()
}

// Abort closes the connection without logging out. It is safe to call
// from another goroutine; a blocked command fails promptly.
func (s *Session) Abort() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return s.client.Close()
}

// FolderExists issues LIST "" name and compares the returned names.
func (s *Session) FolderExists(name string) (bool, error) {
	if s.released {
		return false, errors.New("imap session released")
	}
	var list []*imap.ListData
	err := s.timed(func() error {
		var err error
		list, err = s.client.List("", name, nil).Collect()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("listing folder %s: %w", name, err)
	}
	for _, data := range list {
		if sameFolder(data.Mailbox, name) {
			return true, nil
		}
	}
	return false, nil
}

// Select opens name read-write so a found message can be deleted later.
func (s *Session) Select(name string) error {
	if s.released {
		return errors.New("imap session released")
	}
	err := s.timed(func() error {
		_, err := s.client.Select(name, nil).Wait()
		return err
	})
	if err != nil {
		return fmt.Errorf("selecting %s: %w", name, err)
	}
	s.selected = name
	return nil
}

// Search runs UID SEARCH on the From/To headers and fetches the newest
// q.Limit matches with their bodies, newest first.
func (s *Session) Search(q mailbox.SearchQuery) ([]mailbox.Message, error) {
	if s.released {
		return nil, errors.New("imap session released")
	}
	if s.selected == "" {
		return nil, errors.New("no folder selected")
	}

	var searchData *imap.SearchData
	err := s.timed(func() error {
		var err error
		searchData, err = s.client.UIDSearch(buildCriteria(q), nil).Wait()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", s.selected, err)
	}

	uids := newestFirst(searchData.AllUIDs(), q.Limit)
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}
	var bufs []*imapclient.FetchMessageBuffer
	err = s.timed(func() error {
		var err error
		bufs, err = s.client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching from %s: %w", s.selected, err)
	}

	byUID := make(map[imap.UID]*imapclient.FetchMessageBuffer, len(bufs))
	for _, buf := range bufs {
		byUID[buf.UID] = buf
	}

	messages := make([]mailbox.Message, 0, len(uids))
	for _, uid := range uids {
		buf, ok := byUID[uid]
		if !ok {
			continue
		}
		msg := mailbox.Message{ID: fmt.Sprintf("%d", uid)}
		if raw := buf.FindBodySection(bodySection); raw != nil {
			msg.Text, msg.HTML = parseMIMEBody(raw)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Delete flags the message as deleted and expunges it from the selected
// folder.
func (s *Session) Delete(id string) error {
	if s.released {
		return errors.New("imap session released")
	}
	var n uint32
	if _, err := fmt.Sscanf(id, "%d", &n); err != nil || n == 0 {
		return fmt.Errorf("invalid message id %q", id)
	}
	uidSet := imap.UIDSetNum(imap.UID(n))

	store := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}
	if err := s.timed(func() error { return s.client.Store(uidSet, store, nil).Close() }); err != nil {
		return fmt.Errorf("flagging message %s deleted: %w", id, err)
	}
	if err := s.timed(func() error { return s.client.UIDExpunge(uidSet).Close() }); err != nil {
		return fmt.Errorf("expunging message %s: %w", id, err)
	}
	return nil
}

// Release logs out and closes the connection. Calling it again is a
// no-op.
func (s *Session) Release() error {
	if s.released {
		return nil
	}
	s.released = true

	logoutErr := s.timed(func() error { return s.client.Logout().Wait() })
	closeErr := s.client.Close()
	if logoutErr != nil {
		return fmt.Errorf("imap logout: %w", logoutErr)
	}
	if closeErr != nil {
		return fmt.Errorf("imap close: %w", closeErr)
	}
	return nil
}

func buildCriteria(q mailbox.SearchQuery) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if q.From != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
			Key: "From", Value: q.From,
		})
	}
	if q.To != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
			Key: "To", Value: q.To,
		})
	}
	return criteria
}

// newestFirst sorts uids descending and keeps at most limit of them.
func newestFirst(uids []imap.UID, limit int) []imap.UID {
	out := append([]imap.UID(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sameFolder(a, b string) bool {
	if strings.EqualFold(a, "INBOX") || strings.EqualFold(b, "INBOX") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
