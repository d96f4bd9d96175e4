package inbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/config"
)

// Message is an inbound email reduced to what reply handling needs.
type Message struct {
	UID       uint32
	MessageID string
	From      string
	Subject   string
	Date      time.Time
	Body      string
}

// Mailbox is the source of inbound mail.
type Mailbox interface {
	FetchUnseen(ctx context.Context) ([]Message, error)
	MarkSeen(ctx context.Context, uids []uint32) error
}

// IMAPMailbox reads one folder of an IMAP account. A connection is opened per call.
type IMAPMailbox struct {
	addr     string
	username string
	password string
	folder   string
	tls      *tls.Config
	log      *zap.Logger
}

func NewIMAPMailbox(cfg config.IMAPConfig, log *zap.Logger) *IMAPMailbox {
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host = cfg.Addr
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IMAPMailbox{
		addr:     cfg.Addr,
		username: cfg.Username,
		password: cfg.Password,
		folder:   cfg.Folder,
		tls:      &tls.Config{ServerName: host, InsecureSkipVerify: cfg.InsecureSkipVerify},
		log:      log,
	}
}

func (m *IMAPMailbox) connect() (*imapclient.Client, error) {
	client, err := imapclient.DialTLS(m.addr, &imapclient.Options{TLSConfig: m.tls})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := client.Login(m.username, m.password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	if _, err := client.Select(m.folder, nil).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to select folder %s: %w", m.folder, err)
	}
	return client, nil
}

// closeOnDone closes the client if ctx ends first, unblocking any pending command.
func closeOnDone(ctx context.Context, client *imapclient.Client) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// FetchUnseen returns unseen messages without setting \Seen.
func (m *IMAPMailbox) FetchUnseen(ctx context.Context) ([]Message, error) {
	client, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer closeOnDone(ctx, client)()

	searchData, err := client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})

	var msgs []Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		data, err := msg.Collect()
		if err != nil {
			m.log.Warn("error collecting message", zap.Error(err))
			continue
		}

		out := Message{UID: uint32(data.UID)}
		if env := data.Envelope; env != nil {
			out.MessageID = env.MessageID
			out.Subject = env.Subject
			out.Date = env.Date
			if len(env.From) > 0 {
				out.From = fmt.Sprintf("%s@%s", env.From[0].Mailbox, env.From[0].Host)
			}
		}
		for _, section := range data.BodySection {
			if len(section.Bytes) == 0 {
				continue
			}
			body, err := textBody(section.Bytes)
			if err != nil {
				m.log.Warn("error parsing message", zap.Uint32("uid", out.UID), zap.Error(err))
			}
			out.Body = body
			break
		}
		msgs = append(msgs, out)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	return msgs, nil
}

func (m *IMAPMailbox) MarkSeen(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	client, err := m.connect()
	if err != nil {
		return err
	}
	defer client.Close()
	defer closeOnDone(ctx, client)()

	set := make([]imap.UID, len(uids))
	for i, uid := range uids {
		set[i] = imap.UID(uid)
	}
	storeCmd := client.Store(imap.UIDSetNum(set...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("failed to mark as seen: %w", err)
	}
	return nil
}

// textBody returns the text/plain content of a raw RFC 822 message, falling
// back to the whole decoded body for single-part mail.
func textBody(raw []byte) (string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	return partText(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
}

func partText(contentType, encoding string, r io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		return multipartText(mediaType, params["boundary"], r)
	}

	// multipart.Reader already decodes quoted-printable parts and drops the header.
	if strings.EqualFold(strings.TrimSpace(encoding), "quoted-printable") {
		r = quotedprintable.NewReader(r)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// multipartText picks the first text/plain part. Delivery reports are joined
// whole so the machine-readable recipient fields survive.
func multipartText(mediaType, boundary string, r io.Reader) (string, error) {
	mr := multipart.NewReader(r, boundary)
	var all []string
	var fallback string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fallback, err
		}
		partType := p.Header.Get("Content-Type")
		text, err := partText(partType, p.Header.Get("Content-Transfer-Encoding"), p)
		if err != nil || text == "" {
			continue
		}
		if mediaType == "multipart/report" {
			all = append(all, text)
			continue
		}
		if pt, _, perr := mime.ParseMediaType(partType); perr != nil || pt == "text/plain" || strings.HasPrefix(pt, "multipart/") {
			return text, nil
		}
		if fallback == "" {
			fallback = text
		}
	}
	if len(all) > 0 {
		return strings.Join(all, "\n"), nil
	}
	return fallback, nil
}
