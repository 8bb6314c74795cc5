package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/pkg/schema"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTPConfig configures SMTPTransport.
type SMTPConfig struct {
	Addr     string // host:port
	From     string // default sender
	Username string // empty disables AUTH
	Password string
	Timeout  time.Duration
}

// SMTPTransport sends email through an SMTP relay.
type SMTPTransport struct {
	config SMTPConfig
}

// NewSMTPTransport creates an email transport for the given relay.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTPTransport{config: cfg}
}

// SendEmail delivers msg as a multipart/alternative message. The dial and the
// whole conversation are bounded by ctx and the configured timeout.
func (t *SMTPTransport) SendEmail(ctx context.Context, msg actions.EmailMessage) (*actions.EmailReceipt, error) {
	from := msg.From
	if from == "" {
		from = t.config.From
	}
	if from == "" {
		return nil, fmt.Errorf("smtp: no sender configured")
	}
	host, _, err := net.SplitHostPort(t.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: invalid address %q: %w", t.config.Addr, err)
	}

	domain := "autoflow.local"
	if at := strings.LastIndex(from, "@"); at >= 0 {
		domain = from[at+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
	raw, err := buildMessage(from, messageID, msg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: dial %s: %w", t.config.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp: greeting: %w", err)
	}
	defer c.Close()

	if err := t.converse(c, host, from, recipients(msg), raw); err != nil {
		return nil, err
	}
	return &actions.EmailReceipt{Success: true, MessageID: messageID}, nil
}

func (t *SMTPTransport) converse(c *smtp.Client, host, from string, to []string, raw []byte) error {
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp: starttls: %w", err)
		}
	}
	if t.config.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", t.config.Username, t.config.Password, host)); err != nil {
			return fmt.Errorf("smtp: auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp: mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp: rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("smtp: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: end data: %w", err)
	}
	return c.Quit()
}

func recipients(msg actions.EmailMessage) []string {
	var out []string
	for _, addr := range append([]string{msg.To}, msg.Cc...) {
		for _, a := range strings.Split(addr, ",") {
			if a = strings.TrimSpace(a); a != "" {
				out = append(out, a)
			}
		}
	}
	return out
}

// buildMessage renders an RFC 5322 message with text and html alternatives.
func buildMessage(from, messageID string, msg actions.EmailMessage) ([]byte, error) {
	if err := checkAddressHeaders(from, msg); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", from)
	header("To", msg.To)
	if len(msg.Cc) > 0 {
		header("Cc", strings.Join(msg.Cc, ", "))
	}
	if msg.ReplyTo != "" {
		header("Reply-To", msg.ReplyTo)
	}
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", time.Now().Format(time.RFC1123Z))
	header("Message-ID", messageID)
	header("MIME-Version", "1.0")
	header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	parts := []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.ctype},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, fmt.Errorf("smtp: create part: %w", err)
		}
		qp := quotedprintable.NewWriter(pw)
		if _, err := qp.Write([]byte(p.body)); err != nil {
			return nil, fmt.Errorf("smtp: encode part: %w", err)
		}
		if err := qp.Close(); err != nil {
			return nil, fmt.Errorf("smtp: encode part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("smtp: close message: %w", err)
	}
	return buf.Bytes(), nil
}

// checkAddressHeaders rejects line breaks in address headers. Interpolated
// values could otherwise inject headers or a body into the message.
func checkAddressHeaders(from string, msg actions.EmailMessage) error {
	fields := []struct{ name, value string }{
		{"From", from},
		{"To", msg.To},
		{"Reply-To", msg.ReplyTo},
	}
	for _, cc := range msg.Cc {
		fields = append(fields, struct{ name, value string }{"Cc", cc})
	}
	for _, f := range fields {
		if strings.ContainsAny(f.value, "\r\n") {
			return schema.NewErrorf(schema.ErrCodeValidation, "email: %s header contains a line break", f.name)
		}
	}
	return nil
}

var _ actions.EmailTransport = (*SMTPTransport)(nil)
