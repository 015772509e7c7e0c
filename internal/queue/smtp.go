package queue

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/unclebandit/massmail-backend/internal/model"
)

// SMTPRelay delivers queued messages to an SMTP server.
type SMTPRelay struct {
	Addr string
	From string
	Auth smtp.Auth

	// send is replaced in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPRelay(addr, from, user, password string) *SMTPRelay {
	r := &SMTPRelay{Addr: addr, From: from, send: smtp.SendMail}
	if user != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i > 0 {
			host = addr[:i]
		}
		r.Auth = smtp.PlainAuth("", user, password, host)
	}
	return r
}

// Handle satisfies Handler.
func (r *SMTPRelay) Handle(_ context.Context, msg model.OutboundMessage) error {
	if msg.To == "" {
		return nil
	}
	send := r.send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(r.Addr, r.Auth, r.From, []string{msg.To}, BuildMessage(r.From, msg)); err != nil {
		return errors.Wrapf(err, "smtp send %s", msg.ID)
	}
	return nil
}

// BuildMessage renders a plain-text RFC 5322 message.
func BuildMessage(from string, msg model.OutboundMessage) []byte {
	date := msg.CreatedAt
	if date.IsZero() {
		date = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	if msg.ID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s@massmail>\r\n", msg.ID)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String())
}
