// Package memory is an in-memory mailbox capability for tests. It records
// every open, select, search and release so callers can assert session
// accounting.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"

	"github.com/nhle/mailverify/internal/mailbox"
)

// ErrBadCredentials is returned by Open when the password does not match.
var ErrBadCredentials = errors.New("invalid credentials")

// Message is a stored message. Messages appended later are newer.
type Message struct {
	ID   string
	From string
	To   string
	Text string
	HTML string
}

// Server is a fake mail server holding one account's folders.
type Server struct {
	mu       gosync.Mutex
	email    string
	password string
	folders  map[string][]Message

	// OpenErr, when set, is returned by every Open call.
	OpenErr error
	// SelectErr and SearchErr fail the corresponding session call for the
	// named folder.
	SelectErr map[string]error
	SearchErr map[string]error
	// BeforeOpen runs before each Open with the 1-based open number.
	BeforeOpen func(n int)

	opens    int
	releases int
	selects  []string
	searches []string
	deleted  []string
	sessions []*Session
}

// NewServer creates an empty server accepting email/password.
func NewServer(email, password string) *Server {
	return &Server{
		email:     email,
		password:  password,
		folders:   make(map[string][]Message),
		SelectErr: make(map[string]error),
		SearchErr: make(map[string]error),
	}
}

// AddFolder creates folder if it does not exist.
func (s *Server) AddFolder(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[folder]; !ok {
		s.folders[folder] = nil
	}
}

// Deliver appends msg to folder, creating the folder as needed.
func (s *Server) Deliver(folder string, msg Message) {
	s.AddFolder(folder)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[folder] = append(s.folders[folder], msg)
}

// Open implements mailbox.Dialer.
func (s *Server) Open(ctx context.Context, creds mailbox.Credentials) (mailbox.Session, error) {
	s.mu.Lock()
	hook := s.BeforeOpen
	n := s.opens + 1
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if creds.Email != s.email || creds.Password != s.password {
		return nil, &mailbox.AuthError{Email: creds.Email, Message: ErrBadCredentials.Error()}
	}
	s.opens++
	sess := &Session{server: s}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

// Opens returns the number of successfully opened sessions.
func (s *Server) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Releases returns the number of Release calls across all sessions.
func (s *Server) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// Selects returns the folders selected, in call order.
func (s *Server) Selects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.selects...)
}

// Searches returns the folders searched, in call order.
func (s *Server) Searches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.searches...)
}

// Deleted returns the ids removed through Session.Delete.
func (s *Server) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// OpenSessions returns sessions that were opened and not yet released.
func (s *Server) OpenSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*Session
	for _, sess := range s.sessions {
		if sess.releaseCount == 0 {
			open = append(open, sess)
		}
	}
	return open
}

// Session is a fake authenticated session.
type Session struct {
	server       *Server
	selected     string
	releaseCount int
}

// Selected returns the currently selected folder.
func (c *Session) Selected() string {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.selected
}

// ReleaseCount returns how many times Release was called on this session.
func (c *Session) ReleaseCount() int {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.releaseCount
}

// FolderExists implements mailbox.Session.
func (c *Session) FolderExists(name string) (bool, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.releaseCount > 0 {
		return false, errors.New("session released")
	}
	_, ok := c.server.folders[name]
	return ok, nil
}

// Select implements mailbox.Session.
func (c *Session) Select(name string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.releaseCount > 0 {
		return errors.New("session released")
	}
	c.server.selects = append(c.server.selects, name)
	if err := c.server.SelectErr[name]; err != nil {
		return err
	}
	if _, ok := c.server.folders[name]; !ok {
		return fmt.Errorf("no such folder %s", name)
	}
	c.selected = name
	return nil
}

// Search implements mailbox.Session. From and To match as
// case-insensitive substrings, newest message first.
func (c *Session) Search(q mailbox.SearchQuery) ([]mailbox.Message, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.releaseCount > 0 {
		return nil, errors.New("session released")
	}
	if c.selected == "" {
		return nil, errors.New("no folder selected")
	}
	c.server.searches = append(c.server.searches, c.selected)
	if err := c.server.SearchErr[c.selected]; err != nil {
		return nil, err
	}

	stored := c.server.folders[c.selected]
	var out []mailbox.Message
	for i := len(stored) - 1; i >= 0; i-- {
		m := stored[i]
		if !containsFold(m.From, q.From) || !containsFold(m.To, q.To) {
			continue
		}
		out = append(out, mailbox.Message{ID: m.ID, Text: m.Text, HTML: m.HTML})
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Delete implements mailbox.Remover.
func (c *Session) Delete(id string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.releaseCount > 0 {
		return errors.New("session released")
	}
	stored := c.server.folders[c.selected]
	for i, m := range stored {
		if m.ID == id {
			c.server.folders[c.selected] = append(stored[:i:i], stored[i+1:]...)
			c.server.deleted = append(c.server.deleted, id)
			return nil
		}
	}
	return fmt.Errorf("message %s not found in %s", id, c.selected)
}

// Release implements mailbox.Session.
func (c *Session) Release() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.releaseCount++
	c.server.releases++
	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
