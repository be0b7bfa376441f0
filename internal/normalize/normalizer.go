// Package normalize turns raw fetched message parts into structured email
// records attributed to the owning tenant.
package normalize

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/crescent-systems/mailharvest/internal/models"
)

// uidHeader is the synthetic header prepended before MIME parsing so the
// protocol-assigned UID survives into the parsed structure.
const uidHeader = "Imap-Id"

// ParseError marks a single malformed message. It is message-scoped: the
// scheduler skips the message and continues with the rest of the mailbox.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse message UID %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Email parses the header and body sections of one fetched message into a
// NormalizedEmail. A line "Imap-Id: <uid>" is injected ahead of the real
// headers, then the combined stream goes through the MIME parser; the
// identifier is read back out of the parsed header so the returned record
// reflects what the parser actually saw.
func Email(tenantMailAddress string, part *models.RawMessagePart) (*models.NormalizedEmail, error) {
	raw := assemble(part)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{UID: part.UID, Err: err}
	}
	defer mr.Close()

	header := mr.Header

	email := &models.NormalizedEmail{
		TenantMailAddress: tenantMailAddress,
	}

	uidValue := strings.TrimSpace(header.Get(uidHeader))
	uid, err := strconv.ParseUint(uidValue, 10, 32)
	if err != nil {
		return nil, &ParseError{UID: part.UID, Err: fmt.Errorf("bad %s header %q: %w", uidHeader, uidValue, err)}
	}
	email.MessageUID = uint32(uid)

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].Address
	} else {
		email.From = strings.TrimSpace(header.Get("From"))
	}

	if to, err := header.AddressList("To"); err == nil {
		for _, addr := range to {
			email.To = append(email.To, addr.Address)
		}
	}

	if subject, err := header.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = strings.TrimSpace(header.Get("Subject"))
	}

	if date, err := header.Date(); err == nil {
		email.Date = date
	}

	if msgID, err := header.MessageID(); err == nil {
		email.MessageID = msgID
	}

	if err := readParts(mr, email); err != nil {
		return nil, &ParseError{UID: part.UID, Err: err}
	}

	return email, nil
}

// assemble prepends the synthetic UID header line and joins the header and
// body sections back into one RFC 822 stream.
func assemble(part *models.RawMessagePart) []byte {
	var buf bytes.Buffer
	buf.Grow(len(part.HeaderBytes) + len(part.BodyBytes) + 32)

	buf.WriteString(uidHeader)
	buf.WriteString(": ")
	buf.WriteString(strconv.FormatUint(uint64(part.UID), 10))
	buf.WriteString("\r\n")
	buf.Write(part.HeaderBytes)

	// The IMAP HEADER section normally ends with the blank separator line;
	// add one if the server left it out.
	if !bytes.HasSuffix(part.HeaderBytes, []byte("\n\r\n")) && !bytes.HasSuffix(part.HeaderBytes, []byte("\n\n")) {
		buf.WriteString("\r\n")
	}

	buf.Write(part.BodyBytes)
	return buf.Bytes()
}

func readParts(mr *mail.Reader, email *models.NormalizedEmail) error {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue // attachments are not ingested
		}

		contentType, _, err := h.ContentType()
		if err != nil {
			continue
		}

		body, err := io.ReadAll(p.Body)
		if err != nil {
			return fmt.Errorf("read part body: %w", err)
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			text := strings.TrimSpace(string(body))
			if text != "" {
				if email.TextBody != "" {
					email.TextBody += "\n\n"
				}
				email.TextBody += text
			}
		case strings.HasPrefix(contentType, "text/html"):
			html := strings.TrimSpace(string(body))
			if html != "" {
				email.HTMLBody = html
			}
		}
	}
}
