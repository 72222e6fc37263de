// Package email provides the example outbound-mail skill used by the
// scheduler: a write send_email skill backed by net/smtp. No example in the
// corpus wires a third-party SMTP client; stdlib net/smtp is the documented
// exception (see DESIGN.md).
package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"deskagent/internal/agent/skills"
	"deskagent/internal/agent/tools"
)

// Options configures the SMTP connection used to send mail.
type Options struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// Catalog sends mail through one configured SMTP relay.
type Catalog struct {
	opts Options
	auth smtp.Auth
}

// NewCatalog builds an email Catalog using PLAIN auth against opts.Host.
func NewCatalog(opts Options) *Catalog {
	var auth smtp.Auth
	if opts.Username != "" {
		auth = smtp.PlainAuth("", opts.Username, opts.Password, opts.Host)
	}
	return &Catalog{opts: opts, auth: auth}
}

// Register adds send_email to reg.
func (c *Catalog) Register(reg *skills.Registry) error {
	return reg.Register(sendEmailSpec(), skills.InvokerFunc(c.sendEmail))
}

func sendEmailSpec() *tools.Spec {
	return &tools.Spec{
		Name:        "send_email",
		Description: "Send an email to one or more recipients.",
		Required:    []string{"to", "subject", "body"},
		Permission:  tools.Write,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"subject": map[string]any{"type": "string"},
				"body":    map[string]any{"type": "string"},
			},
			"required": []string{"to", "subject", "body"},
		},
	}
}

func (c *Catalog) sendEmail(ctx context.Context, args map[string]any) (skills.Result, error) {
	to := toStringList(args["to"])
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)
	if len(to) == 0 {
		return skills.Err("send_email: at least one recipient is required"), nil
	}

	msg := buildMessage(c.opts.From, to, subject, body)
	addr := fmt.Sprintf("%s:%s", c.opts.Host, c.opts.Port)
	if err := smtp.SendMail(addr, c.auth, c.opts.From, to, msg); err != nil {
		return skills.Err(fmt.Sprintf("send_email: %v", err)), nil
	}
	return skills.Ok(fmt.Sprintf("sent to %s", strings.Join(to, ", ")), map[string]any{"to": to}), nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func toStringList(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}
