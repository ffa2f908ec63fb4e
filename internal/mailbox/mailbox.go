// Package mailbox defines the mail capability the verification core depends
// on. Concrete transports live in subpackages.
package mailbox

import (
	"context"
	"errors"
	"fmt"
)

// AuthError indicates that the server rejected the supplied credentials.
type AuthError struct {
	Email   string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Email, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Credentials identify one mailbox account.
type Credentials struct {
	// Server is the host, optionally with a port (imap.example.com:993).
	Server string

	// Email is the login identifier.
	Email string

	// Password is the account (or app-specific) secret.
	Password string
}

// SearchQuery selects messages inside the currently selected folder.
type SearchQuery struct {
	// From and To are matched as case-insensitive substrings of the
	// corresponding headers.
	From string
	To   string

	// Limit caps the number of returned messages. Zero means no cap.
	Limit int
}

// Message is a searched message with its decoded bodies.
type Message struct {
	ID   string
	Text string
	HTML string
}

// Body returns the plain-text body, falling back to HTML.
func (m Message) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.HTML
}

// Dialer opens authenticated sessions.
type Dialer interface {
	// Open connects and authenticates. Cancelling ctx abandons the attempt
	// and closes any half-open connection. The caller owns the returned
	// session and must Release it.
	Open(ctx context.Context, creds Credentials) (Session, error)
}

// Session is an authenticated connection scoped to one folder at a time.
type Session interface {
	// FolderExists reports whether the named folder is present.
	FolderExists(name string) (bool, error)

	// Select makes name the current folder.
	Select(name string) error

	// Search returns matching messages in the selected folder, newest
	// first.
	Search(q SearchQuery) ([]Message, error)

	// Release logs out and closes the connection.
	Release() error
}

// Remover is implemented by sessions that can delete a message from the
// selected folder.
type Remover interface {
	Delete(id string) error
}

// Aborter is implemented by sessions whose connection can be torn down
// from another goroutine while a call is blocked. Abort does not log out;
// Release must still be called.
type Aborter interface {
	Abort() error
}
