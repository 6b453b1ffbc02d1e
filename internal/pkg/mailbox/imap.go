package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/gofiber/fiber/v2/log"

	_ "github.com/emersion/go-message/charset"
)

// TokenSource supplies short-lived access tokens for XOAUTH2 authentication.
type TokenSource interface {
	AccessToken() (string, error)
}

// xoauth2 is the SASL client for Gmail's XOAUTH2 mechanism, which go-sasl
// does not ship.
type xoauth2 struct {
	username string
	token    string
}

var _ sasl.Client = (*xoauth2)(nil)

func (x *xoauth2) Start() (string, []byte, error) {
	resp := []byte("user=" + x.username + "\x01auth=Bearer " + x.token + "\x01\x01")
	return "XOAUTH2", resp, nil
}

func (x *xoauth2) Next(challenge []byte) ([]byte, error) {
	// the server answers a failed exchange with an error payload; an empty
	// response aborts the authentication
	return []byte{}, nil
}

// imapConn implements Conn over one go-imap client session.
type imapConn struct {
	cfg    Config
	tokens TokenSource
	cl     *client.Client
}

// NewIMAPConn returns a DialFunc producing real IMAP sessions. tokens may be
// nil when password authentication is configured.
func NewIMAPConn(cfg Config, tokens TokenSource) DialFunc {
	return func() Conn {
		return &imapConn{cfg: cfg, tokens: tokens}
	}
}

func (c *imapConn) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{Timeout: c.cfg.ConnTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	cl, err := client.DialWithDialerTLS(dialer, addr, &tls.Config{
		ServerName: c.cfg.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := c.authenticate(cl); err != nil {
		_ = cl.Terminate()
		return err
	}

	if _, err := cl.Select("INBOX", false); err != nil {
		_ = cl.Logout()
		return fmt.Errorf("select inbox: %w", err)
	}

	c.cl = cl
	return nil
}

func (c *imapConn) authenticate(cl *client.Client) error {
	if c.cfg.UseOAuth2 && c.tokens != nil {
		token, err := c.tokens.AccessToken()
		if err != nil || token == "" {
			log.Warnf("[Mailbox] OAuth2 token unavailable, falling back to password auth: %v", err)
		} else {
			if err := cl.Authenticate(&xoauth2{username: c.cfg.Username, token: token}); err != nil {
				return fmt.Errorf("xoauth2 auth: %w", err)
			}
			return nil
		}
	}
	if err := cl.Login(c.cfg.Username, c.cfg.Password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// WaitNewMail blocks inside IDLE (with NOOP polling as fallback on servers
// without IDLE) until a mailbox update arrives, stop closes, or the session
// fails.
func (c *imapConn) WaitNewMail(stop <-chan struct{}) error {
	updates := make(chan client.Update, 16)
	c.cl.Updates = updates
	defer func() { c.cl.Updates = nil }()

	idleStop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idle.NewClient(c.cl).IdleWithFallback(idleStop, 0)
	}()

	for {
		select {
		case <-stop:
			close(idleStop)
			<-done
			return ErrStopped
		case err := <-done:
			return err
		case upd := <-updates:
			if _, ok := upd.(*client.MailboxUpdate); ok {
				close(idleStop)
				return <-done
			}
			// expunge/status updates keep the wait going
		}
	}
}

func (c *imapConn) Noop() error {
	return c.cl.Noop()
}

func (c *imapConn) Connected() bool {
	if c.cl == nil {
		return false
	}
	state := c.cl.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

func (c *imapConn) UnseenMessages() ([]Message, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.cl.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	return c.fetchFull(uids)
}

func (c *imapConn) FetchByUID(uid uint32) (*Message, error) {
	msgs, err := c.fetchFull([]uint32{uid})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %d not found", uid)
	}
	return &msgs[0], nil
}

func (c *imapConn) fetchFull(uids []uint32) ([]Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	// BODY.PEEK so the fetch itself never flips \Seen; the pipeline marks
	// messages seen explicitly after classification
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.cl.UidFetch(seqset, items, ch)
	}()

	var out []Message
	for msg := range ch {
		out = append(out, toMessage(msg, section))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return out, nil
}

func (c *imapConn) RecentHeaders(since time.Time) ([]Header, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	uids, err := c.cl.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search since: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.cl.UidFetch(seqset, items, ch)
	}()

	var out []Header
	for msg := range ch {
		// the SINCE criterion is date-granular; re-check at full resolution
		if msg.InternalDate.Before(since) {
			continue
		}
		var mid string
		if msg.Envelope != nil {
			mid = msg.Envelope.MessageId
		}
		out = append(out, Header{UID: msg.Uid, MessageID: mid, ReceivedAt: msg.InternalDate})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch headers: %w", err)
	}
	return out, nil
}

func (c *imapConn) Move(uid uint32, folder string) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	// create is idempotent enough: an "already exists" failure surfaces on
	// the copy anyway
	_ = c.cl.Create(folder)

	if err := c.cl.UidCopy(seqset, folder); err != nil {
		return fmt.Errorf("copy to %s: %w", folder, err)
	}
	op := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.cl.UidStore(seqset, op, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("flag deleted: %w", err)
	}
	if err := c.cl.Expunge(nil); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

func (c *imapConn) MarkSeen(uid uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	op := imap.FormatFlagsOp(imap.AddFlags, true)
	return c.cl.UidStore(seqset, op, []interface{}{imap.SeenFlag}, nil)
}

func (c *imapConn) Close() error {
	if c.cl == nil {
		return nil
	}
	// folder close and session close are independent best-effort steps
	if err := c.cl.Close(); err != nil {
		log.Debugf("[Mailbox] Folder close: %v", err)
	}
	if err := c.cl.Logout(); err != nil {
		_ = c.cl.Terminate()
	}
	c.cl = nil
	return nil
}

func toMessage(msg *imap.Message, section *imap.BodySectionName) Message {
	out := Message{
		UID:        msg.Uid,
		ReceivedAt: msg.InternalDate,
	}
	if env := msg.Envelope; env != nil {
		out.MessageID = env.MessageId
		out.Subject = env.Subject
		out.SentAt = env.Date
		if len(env.From) > 0 {
			out.From = env.From[0].Address()
		}
	}
	if r := msg.GetBody(section); r != nil {
		out.Body = extractBody(r)
	}
	return out
}

// extractBody pulls the first text/html part of a MIME message, falling back
// to the first text/plain part, then to the raw bytes.
func extractBody(r io.Reader) string {
	raw, err := io.ReadAll(r)
	if err != nil {
		return ""
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}

	var plain string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil {
			continue
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		switch ct {
		case "text/html":
			return string(body)
		case "text/plain":
			if plain == "" {
				plain = string(body)
			}
		}
	}
	if plain != "" {
		return plain
	}
	return string(raw)
}
