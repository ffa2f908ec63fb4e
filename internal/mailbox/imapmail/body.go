package imapmail

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// parseMIMEBody parses a raw RFC 5322 message with go-message and returns
// the first text/plain and text/html inline parts. Attachments are skipped.
func parseMIMEBody(raw []byte) (textBody string, htmlBody string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unparseable headers: treat the whole payload as plain text.
		return string(raw), ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A part in an unknown charset is skipped; later parts may
			// still carry the link.
			if message.IsUnknownCharset(err) {
				continue
			}
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	return textBody, htmlBody
}
