// Package verify finds the one-time verification link the issuer mails to a
// newly registered account.
//
// Hunter.Hunt polls a mailbox over a fixed number of attempts, searching the
// configured folders in order. Each folder search opens its own session and
// releases it on every exit path except a match: the matching session is
// handed to the caller inside Found, and the caller owns it from then on.
package verify

import (
	"regexp"
	"strings"
	"time"

	"github.com/nhle/mailverify/internal/model"
)

// Sender is the address the verification email comes from.
const Sender = "hello@dawninternet.com"

// ResultLimit caps the messages inspected per folder search.
const ResultLimit = 10

// LinkPattern matches the verification URL. The key is lowercase hex and
// dashes only; a key with uppercase hex does not match and is not
// normalised.
var LinkPattern = regexp.MustCompile(`https://www\.aeropres\.in/chromeapi/dawn/v1/user/verifylink\?key=[a-f0-9-]+`)

// ExtractLink returns the first verification link in body, or "".
func ExtractLink(body string) string {
	if body == "" {
		return ""
	}
	return LinkPattern.FindString(body)
}

// SearchTarget describes what one attempt looks for and where.
type SearchTarget struct {
	Sender    string
	Recipient string
	Folders   []string
	Limit     int
}

// NewSearchTarget lower-cases recipient and copies folders.
func NewSearchTarget(recipient string, folders []string) SearchTarget {
	return SearchTarget{
		Sender:    Sender,
		Recipient: strings.ToLower(strings.TrimSpace(recipient)),
		Folders:   append([]string(nil), folders...),
		Limit:     ResultLimit,
	}
}

// RetryPolicy bounds how long a hunt polls. Delays are fixed, not
// exponential.
type RetryPolicy struct {
	MaxAttempts  int
	Delay        time.Duration
	InitialDelay time.Duration
}

// DefaultRetryPolicy waits 10s, then makes 3 attempts 20s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		Delay:        20 * time.Second,
		InitialDelay: 10 * time.Second,
	}
}

// PolicyFromConfig converts the retry section of the config.
func PolicyFromConfig(cfg model.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		Delay:        cfg.Delay(),
		InitialDelay: cfg.InitialDelay(),
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	return p
}
