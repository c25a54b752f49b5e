package events

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"
)

var mailTemplate = template.Must(template.New("event").Parse(`Repository: {{.Repo}}
Event:      {{.Kind}} (seq {{.Seq}})
Time:       {{.Time.Format "2006-01-02 15:04:05 MST"}}
{{- if .Refs}}

Refs:
{{- range .Refs}}
  {{.Name}} {{.Old}} -> {{.New}}
{{- end}}
{{- end}}
{{- if .Payload}}

Payload:
{{.Payload}}
{{- end}}
`))

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	UseTLS   bool
	Timeout  time.Duration
}

// MailSink sends one plain-text message per matching event over SMTP.
type MailSink struct {
	config MailConfig
	kinds  []Kind
}

func NewMailSink(cfg MailConfig, kinds []Kind) *MailSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &MailSink{config: cfg, kinds: kinds}
}

func (s *MailSink) Name() string {
	return "mail:" + strings.Join(s.config.To, ",")
}

type mailTemplateData struct {
	Event
	Refs    []RefUpdate
	Payload string
}

func (s *MailSink) Deliver(ctx context.Context, event Event) error {
	if len(s.kinds) > 0 && !slices.Contains(s.kinds, event.Kind) {
		return nil
	}

	body, err := renderMail(event)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("[lgh] %s %s (seq %d)", event.Kind, event.Repo, event.Seq)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\n%s",
		s.config.From, strings.Join(s.config.To, ", "), subject, event.Time.Format(time.RFC1123Z),
		strings.ReplaceAll(body, "\n", "\r\n"))

	return s.send(ctx, []byte(msg))
}

func renderMail(event Event) (string, error) {
	data := mailTemplateData{Event: event}
	rest := make(map[string]any, len(event.Payload))
	for key, value := range event.Payload {
		if key == "refs" {
			if refs, ok := decodeRefs(value); ok {
				data.Refs = refs
				continue
			}
		}
		rest[key] = value
	}
	if len(rest) > 0 {
		encoded, err := json.MarshalIndent(rest, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		data.Payload = string(encoded)
	}

	var body bytes.Buffer
	if err := mailTemplate.Execute(&body, data); err != nil {
		return "", fmt.Errorf("failed to execute mail template: %w", err)
	}
	return body.String(), nil
}

// decodeRefs accepts refs as appended in-process or as decoded from the log.
func decodeRefs(value any) ([]RefUpdate, bool) {
	if refs, ok := value.([]RefUpdate); ok {
		return refs, true
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	var refs []RefUpdate
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, false
	}
	return refs, true
}

func (s *MailSink) send(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	var (
		conn net.Conn
		err  error
	)
	if s.config.UseTLS {
		dialer := &tls.Dialer{Config: &tls.Config{ServerName: s.config.Host}}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	if !s.config.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}
	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range s.config.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}
