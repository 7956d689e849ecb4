package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

type SMTPConfig struct {
	Addr string // host:port
	From string
	To   []string
}

// SMTP mails one alert per dead client. The relay is expected to accept
// unauthenticated local submission.
type SMTP struct {
	cfg  SMTPConfig
	now  func() time.Time
	send func(addr, from string, to []string, msg []byte) error
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	return &SMTP{cfg: cfg, now: time.Now, send: sendMail}
}

func (s *SMTP) Notify(ctx context.Context, id string, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", Subject(id))
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(Message(id, lastSeen, s.now()), "\n", "\r\n"))

	if err := s.send(s.cfg.Addr, s.cfg.From, s.cfg.To, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp alert for %s via %s: %w", id, s.cfg.Addr, err)
	}
	return nil
}

const smtpDialTimeout = 10 * time.Second

// sendMail is smtp.SendMail with a dial timeout, so an unreachable relay
// cannot stall a sweep indefinitely.
func sendMail(addr, from string, to []string, msg []byte) error {
	conn, err := net.DialTimeout("tcp", addr, smtpDialTimeout)
	if err != nil {
		return err
	}
	_ = conn.SetDeadline(time.Now().Add(2 * smtpDialTimeout))
	host, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return err
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
