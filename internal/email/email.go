// Package email sends account verification mail over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	Logger   zerolog.Logger
}

func NewSender(host, port, username, password, from string, logger zerolog.Logger) *Sender {
	return &Sender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		Logger:   logger,
	}
}

var verificationTemplate = template.Must(template.New("verification").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #ddd; border-radius: 5px; }
        .header { background-color: #f5b700; color: black; padding: 10px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { padding: 20px; }
        .button { display: inline-block; padding: 10px 20px; background-color: #222; color: white; text-decoration: none; border-radius: 4px; font-weight: bold; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Welcome to Lightning</h1>
        </div>
        <div class="content">
            <p>Hi {{.Username}},</p>
            <p>Confirm your email address to finish setting up your account.</p>
            <p style="text-align: center;">
                <a href="{{.Link}}" class="button">Verify Email</a>
            </p>
            <p>If you didn't sign up, ignore this email.</p>
        </div>
    </div>
</body>
</html>
`))

const verificationSubject = "Verify your Lightning email"

func renderVerification(username, link string) (string, error) {
	var body bytes.Buffer
	if err := verificationTemplate.Execute(&body, map[string]string{"Username": username, "Link": link}); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return body.String(), nil
}

// buildMessage assembles an RFC 5322 message with headers in a stable order.
func buildMessage(headers map[string]string, body string) []byte {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, headers[k])
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// SendVerificationEmail mails link to a new account. Without a configured
// host the mail is logged instead of sent.
func (s *Sender) SendVerificationEmail(to, username, link string) error {
	body, err := renderVerification(username, link)
	if err != nil {
		return err
	}

	if s.Host == "" {
		s.Logger.Info().
			Str("to", to).
			Str("subject", verificationSubject).
			Str("link", link).
			Msg("smtp not configured, verification mail not sent")
		return nil
	}

	message := buildMessage(map[string]string{
		"From":         s.From,
		"To":           to,
		"Subject":      verificationSubject,
		"MIME-Version": "1.0",
		"Content-Type": "text/html; charset=\"UTF-8\"",
	}, body)

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := net.JoinHostPort(s.Host, s.Port)
	if err := smtp.SendMail(addr, auth, s.From, []string{to}, message); err != nil {
		return fmt.Errorf("send verification mail: %w", err)
	}
	return nil
}
