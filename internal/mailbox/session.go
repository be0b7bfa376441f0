// Package mailbox opens authenticated IMAP sessions and exposes the small
// set of operations ingestion needs: unseen search, part fetch and flag
// updates. The server-side seen flag is the only progress cursor.
package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/crescent-systems/mailharvest/internal/models"
	"github.com/crescent-systems/mailharvest/internal/sasl"
)

// ConnectError wraps any TLS, network or authentication failure while
// opening or preparing a session. It is tenant-scoped: the scheduler logs
// it and moves on to the next tenant.
type ConnectError struct {
	MailAddress string
	Err         error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mailbox connect failed for %s: %v", e.MailAddress, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Dialer produces authenticated sessions against one IMAP endpoint.
type Dialer struct {
	host        string
	port        int
	mailboxName string
	tlsConfig   *tls.Config
	timeout     time.Duration
}

type DialerOptions struct {
	Host         string
	Port         int
	Mailbox      string
	SkipVerify   bool
	FetchTimeout time.Duration
}

func NewDialer(opts DialerOptions) *Dialer {
	mbox := opts.Mailbox
	if mbox == "" {
		mbox = "INBOX"
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var tlsConfig *tls.Config
	if opts.SkipVerify {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Dialer{
		host:        opts.Host,
		port:        opts.Port,
		mailboxName: mbox,
		tlsConfig:   tlsConfig,
		timeout:     timeout,
	}
}

// Dial connects over TLS, authenticates with XOAUTH2 and selects the
// configured mailbox. Every failure along the way is a *ConnectError.
func (d *Dialer) Dial(ctx context.Context, mailAddress, accessToken string) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", d.host, d.port)

	c, err := client.DialTLS(addr, d.tlsConfig)
	if err != nil {
		return nil, &ConnectError{MailAddress: mailAddress, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	} else {
		c.Timeout = d.timeout
	}

	if err := c.Authenticate(sasl.NewXOAuth2Client(mailAddress, accessToken)); err != nil {
		_ = c.Logout()
		return nil, &ConnectError{MailAddress: mailAddress, Err: fmt.Errorf("authenticate: %w", err)}
	}

	if _, err := c.Select(d.mailboxName, false); err != nil {
		_ = c.Logout()
		return nil, &ConnectError{MailAddress: mailAddress, Err: fmt.Errorf("select %s: %w", d.mailboxName, err)}
	}

	return &Session{client: c, mailAddress: mailAddress}, nil
}

// Session is one authenticated, selected IMAP connection for one tenant.
type Session struct {
	client      *client.Client
	mailAddress string
}

// SearchUnseen returns the UIDs of messages without the \Seen flag.
func (s *Session) SearchUnseen() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	return uids, nil
}

// Fetch retrieves the header and text sections of one message without
// touching its flags (BODY.PEEK), so a message is only marked seen once it
// has actually been delivered downstream.
func (s *Session) Fetch(uid uint32) (*models.RawMessagePart, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	headerSection := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}
	textSection := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
	}
	items := []imap.FetchItem{headerSection.FetchItem(), textSection.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch UID %d: %w", uid, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("no message returned for UID %d", uid)
	}

	header, err := readSection(msg, headerSection)
	if err != nil {
		return nil, fmt.Errorf("read header of UID %d: %w", uid, err)
	}
	body, err := readSection(msg, textSection)
	if err != nil {
		return nil, fmt.Errorf("read body of UID %d: %w", uid, err)
	}

	return &models.RawMessagePart{UID: uid, HeaderBytes: header, BodyBytes: body}, nil
}

// MarkSeen sets the \Seen flag on the message. Called only after the sink
// has accepted the normalized record.
func (s *Session) MarkSeen(uid uint32) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}

	if err := s.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("mark UID %d seen: %w", uid, err)
	}
	return nil
}

// Close logs out and drops the connection.
func (s *Session) Close() error {
	return s.client.Logout()
}

func readSection(msg *imap.Message, section *imap.BodySectionName) ([]byte, error) {
	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("section %s missing from fetch response", section.FetchItem())
	}
	return io.ReadAll(r)
}
