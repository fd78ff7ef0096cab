package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/huangang/repoflow/internal/config"
	"github.com/huangang/repoflow/pkg/logger"
)

// EmailChannel sends plain text mail through an SMTP relay.
type EmailChannel struct {
	cfg config.SMTPConfig
}

func NewEmailChannel(cfg config.SMTPConfig) *EmailChannel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, address, subject, body string) error {
	if c.cfg.Host == "" {
		return fmt.Errorf("email: smtp host not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := c.from()
	msg := buildMessage(from, address, subject, body)
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	var auth smtp.Auth
	if c.cfg.Username != "" && c.cfg.Password != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	var err error
	if c.cfg.UseTLS {
		err = c.sendTLS(addr, auth, from, address, msg)
	} else {
		err = smtp.SendMail(addr, auth, from, []string{address}, msg)
	}
	if err != nil {
		return err
	}

	logger.Debug().Str("to", address).Str("subject", subject).Msg("[Email] Sent")
	return nil
}

func (c *EmailChannel) from() string {
	if c.cfg.From != "" {
		return c.cfg.From
	}
	return c.cfg.Username
}

func (c *EmailChannel) sendTLS(addr string, auth smtp.Auth, from, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: c.cfg.Host})
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from, to, subject, body string) []byte {
	headers := [][2]string{
		{"From", from},
		{"To", to},
		{"Subject", strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=UTF-8"},
	}

	var sb strings.Builder
	for _, h := range headers {
		sb.WriteString(h[0])
		sb.WriteString(": ")
		sb.WriteString(h[1])
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
