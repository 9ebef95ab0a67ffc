package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig configures mail delivery over implicit TLS (port 465).
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// SMTPChannel sends one mail per notification.
type SMTPChannel struct {
	cfg  SMTPConfig
	now  func() time.Time
	dial func(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error)
}

func NewSMTPChannel(cfg SMTPConfig) (*SMTPChannel, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		cfg.Host = "smtp.gmail.com"
	}
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	if cfg.From == "" {
		return nil, errors.New("smtp channel: notifier.smtp.from is required")
	}
	if len(cfg.To) == 0 {
		cfg.To = []string{cfg.From}
	}
	if cfg.Username == "" {
		cfg.Username = cfg.From
	}
	if cfg.Password == "" {
		return nil, errors.New("smtp channel: BOOKBOT_SMTP_PASSWORD is not set")
	}
	return &SMTPChannel{cfg: cfg, now: time.Now, dial: dialTLS}, nil
}

func (c *SMTPChannel) Name() string { return "smtp" }

func dialTLS(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 10 * time.Second}, Config: tlsCfg}
	return d.DialContext(ctx, "tcp", addr)
}

func (c *SMTPChannel) Send(ctx context.Context, m Message) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := c.dial(ctx, addr, &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	cl, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer cl.Close()

	if err := cl.Auth(smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := cl.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, to := range c.cfg.To {
		if err := cl.Rcpt(to); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", to, err)
		}
	}
	w, err := cl.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMail(c.cfg.From, c.cfg.To, m, c.now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return cl.Quit()
}

func buildMail(from string, to []string, m Message, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	body := m.Body
	if body == "" {
		body = m.Subject
	}
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
