package alert

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPConfig configures SMTPChannel.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Sender   string `yaml:"sender"`
}

// Configured reports whether every field needed to send mail is set.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Username != "" && c.Password != "" && c.Sender != ""
}

// SMTPChannel sends alerts as HTML mail.
type SMTPChannel struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPChannel(cfg SMTPConfig) *SMTPChannel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPChannel{cfg: cfg, send: smtp.SendMail}
}

func (c *SMTPChannel) Send(to, subject, htmlBody string) error {
	if !c.cfg.Configured() {
		return errors.New("email not configured: set alert.smtp host/username/password/sender")
	}
	if to == "" {
		return errors.New("missing email recipient")
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	msg := strings.Join([]string{
		"From: " + c.cfg.Sender,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		htmlBody,
	}, "\r\n")
	return c.send(addr, auth, c.cfg.Sender, []string{to}, []byte(msg))
}

// LogChannel writes alerts to the log instead of delivering them.
type LogChannel struct{}

func (LogChannel) Send(to, subject, htmlBody string) error {
	log.Info("ALERT", "to", to, "subject", subject, "body", htmlBody)
	return nil
}
