package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/google/uuid"
)

var ErrInvalidMessage = errors.New("invalid email message")

// SMTPConfig holds the relay settings. Username empty disables AUTH.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

func (c SMTPConfig) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// SMTPSender delivers codes through an SMTP relay using STARTTLS when the
// server offers it.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.New("smtp host and port are required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address is required")
	}
	return &SMTPSender{cfg: cfg, send: smtp.SendMail, now: time.Now}, nil
}

// Send honours ctx only before the transfer starts; net/smtp has no
// cancellation once connected.
func (s *SMTPSender) Send(ctx context.Context, msg authcore.EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.To == "" || strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return ErrInvalidMessage
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	body := buildMessage(s.cfg.From, msg, s.now())
	if err := s.send(s.cfg.addr(), auth, s.cfg.From, []string{msg.To}, body); err != nil {
		return fmt.Errorf("smtp send to %s: %w", s.cfg.addr(), err)
	}
	return nil
}

func buildMessage(from string, msg authcore.EmailMessage, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("Date: " + now.UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Message-ID: <" + uuid.NewString() + "@authcore>\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Text, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
