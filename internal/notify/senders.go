package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/stockapp/crawlsync/internal/events"
)

const (
	telegramAPIBase = "https://api.telegram.org"
	smtpTimeout     = 10 * time.Second
)

// SMTPSender delivers EMAIL notifications through an SMTP relay.
type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates an email sender. Username may be empty for unauthenticated relays.
func NewSMTPSender(addr, from, username, password string) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			host = addr[:i]
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{addr: addr, from: from, auth: auth, send: dialSendMail(smtpTimeout)}
}

// dialSendMail behaves like smtp.SendMail but bounds the whole exchange,
// dial included, by timeout so a stalled relay cannot hold the goroutine.
func dialSendMail(timeout time.Duration) func(string, smtp.Auth, string, []string, []byte) error {
	return func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return err
		}
		c, err := smtp.NewClient(conn, host)
		if err != nil {
			return err
		}
		defer c.Close()

		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
				return err
			}
		}
		if a != nil {
			if err := c.Auth(a); err != nil {
				return err
			}
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
}

// Send writes a plain-text message to recipient.
func (s *SMTPSender) Send(ctx context.Context, recipient, subject, body string) error {
	if strings.ContainsAny(recipient, "\r\n") {
		return fmt.Errorf("invalid email recipient %q", recipient)
	}

	msg := buildEmail(s.from, recipient, subject, body)

	// net/smtp has no context support; the dispatcher bounds the wait and
	// the dial deadline bounds the goroutine.
	done := make(chan error, 1)
	go func() {
		done <- s.send(s.addr, s.auth, s.from, []string{recipient}, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildEmail(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.NewReplacer("\r", " ", "\n", " ").Replace(subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// TelegramSender delivers PUSH notifications via the Telegram bot API.
// The recipient is the target chat id.
type TelegramSender struct {
	botToken string
	baseURL  string
	client   *http.Client
}

// NewTelegramSender registers the bot token.
func NewTelegramSender(botToken string) *TelegramSender {
	return &TelegramSender{
		botToken: botToken,
		baseURL:  telegramAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Send posts the message to the chat.
func (t *TelegramSender) Send(ctx context.Context, recipient, subject, body string) error {
	if t.botToken == "" || recipient == "" {
		return fmt.Errorf("telegram sender misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	form := url.Values{}
	form.Set("chat_id", recipient)
	form.Set("text", subject+"\n\n"+body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", stripURL(err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", stripURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}
	return nil
}

// stripURL drops the request URL from err. The Telegram URL embeds the bot
// token, and send errors end up in stored notifications and logs.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// SMSSender delivers SMS notifications by posting JSON to a gateway webhook.
type SMSSender struct {
	gatewayURL string
	client     *http.Client
}

type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// NewSMSSender creates a sender for the given gateway endpoint.
func NewSMSSender(gatewayURL string) *SMSSender {
	return &SMSSender{
		gatewayURL: gatewayURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Send posts the subject line as the SMS text.
func (s *SMSSender) Send(ctx context.Context, recipient, subject, body string) error {
	payload, err := json.Marshal(smsRequest{To: recipient, Message: subject})
	if err != nil {
		return fmt.Errorf("marshal sms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway error: %s", resp.Status)
	}
	return nil
}

// InAppMessage is the payload of an in-app notification.
type InAppMessage struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// NATSInboxSender delivers IN_APP notifications on "<prefix>.notifications.inapp.<recipient>".
type NATSInboxSender struct {
	conn   events.Conn
	prefix string
}

// NewNATSInboxSender creates an in-app sender publishing on conn.
func NewNATSInboxSender(conn events.Conn, prefix string) *NATSInboxSender {
	return &NATSInboxSender{conn: conn, prefix: prefix}
}

// Subject returns the inbox subject for recipient.
func (s *NATSInboxSender) Subject(recipient string) string {
	return s.prefix + ".notifications.inapp." + events.SubjectToken(recipient)
}

// Send publishes the message to the recipient's inbox subject.
func (s *NATSInboxSender) Send(ctx context.Context, recipient, subject, body string) error {
	data, err := json.Marshal(InAppMessage{Recipient: recipient, Subject: subject, Body: body, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal in-app message: %w", err)
	}
	if err := s.conn.Publish(s.Subject(recipient), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// LogSender records IN_APP notifications in the service log when no broker is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message.
func (s *LogSender) Send(ctx context.Context, recipient, subject, body string) error {
	s.logger.Info("in-app notification", "recipient", recipient, "subject", subject)
	return nil
}
