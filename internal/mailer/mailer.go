// Package mailer is the transport boundary: it turns a rendered message
// into an SMTP delivery and reports back an opaque receipt.
package mailer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"

	"sendflow/internal/model"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

type Message struct {
	To          string
	Subject     string
	HTMLBody    string
	FromName    string
	FromAddr    string
	Attachments []model.Attachment
}

// Receipt is the transport's confirmation of one delivery.
type Receipt struct {
	MessageID  string `json:"message_id"`
	PreviewURL string `json:"preview_url,omitempty"`
}

type Transport interface {
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}

type SMTPTransport struct {
	dialer *gomail.Dialer
	domain string

	// PreviewBase points at a web mailbox (mailpit and friends) that shows
	// sent mail by message id. When set, each receipt carries a preview link.
	PreviewBase string
}

func NewSMTPTransport(host string, port int, username, password string) *SMTPTransport {
	return &SMTPTransport{
		dialer: gomail.NewDialer(host, port, username, password),
		domain: host,
	}
}

func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, messageID, err := t.build(msg)
	if err != nil {
		return nil, err
	}

	if err := t.dialer.DialAndSend(m); err != nil {
		return nil, fmt.Errorf("smtp send: %w", err)
	}

	return &Receipt{MessageID: messageID, PreviewURL: t.previewFor(messageID)}, nil
}

func (t *SMTPTransport) previewFor(messageID string) string {
	if t.PreviewBase == "" {
		return ""
	}
	return t.PreviewBase + "/" + url.PathEscape(messageID)
}

func (t *SMTPTransport) build(msg *Message) (*gomail.Message, string, error) {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromAddr, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), t.domain)
	m.SetHeader("Message-Id", messageID)
	m.SetBody("text/html", msg.HTMLBody)

	for _, att := range msg.Attachments {
		data, err := DecodeAttachment(att)
		if err != nil {
			return nil, "", fmt.Errorf("attachment %q: %w", att.Filename, err)
		}
		m.Attach(att.Filename, gomail.SetCopyFunc(func(w io.Writer) error {
			_, werr := w.Write(data)
			return werr
		}))
	}

	return m, messageID, nil
}

// DecodeAttachment returns the raw bytes of a base64-carried attachment.
// An explicit non-base64 encoding passes the content through untouched.
func DecodeAttachment(att model.Attachment) ([]byte, error) {
	switch att.Encoding {
	case "", "base64":
		return base64.StdEncoding.DecodeString(att.Content)
	default:
		return []byte(att.Content), nil
	}
}
