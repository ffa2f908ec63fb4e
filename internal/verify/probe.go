package verify

import (
	"context"
	"log/slog"

	"github.com/nhle/mailverify/internal/mailbox"
)

type opened struct {
	sess mailbox.Session
	err  error
}

// Probe reports whether creds can open an authenticated session. Every
// failure, including a malformed server address, a timeout, or a panic in
// the transport, is logged and returned as false. The probe session is
// always released.
func (h *Hunter) Probe(ctx context.Context, creds mailbox.Credentials) bool {
	log := h.logger.With("account", creds.Email)
	log.Info("checking if email is valid")

	res, err := offload(ctx,
		func() opened {
			sess, err := h.openSession(ctx, creds)
			return opened{sess: sess, err: err}
		},
		func(late opened) { h.release(log, late.sess) },
	)
	if err == nil {
		err = res.err
	}
	if err != nil {
		log.Error("email is invalid (IMAP)", "error", err)
		return false
	}

	h.release(log, res.sess)
	return true
}

// Probe checks creds against dialer without retry or folder access.
func Probe(ctx context.Context, dialer mailbox.Dialer, creds mailbox.Credentials, logger *slog.Logger) bool {
	return NewHunter(dialer, nil, WithLogger(logger)).Probe(ctx, creds)
}
