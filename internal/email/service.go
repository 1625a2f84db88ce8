// Package email delivers sign-in links and witness notices over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

const appName = "Oathboard"

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

type MagicLinkData struct {
	AppName   string
	SignInURL string
	ExpiresIn string
}

type WitnessData struct {
	AppName     string
	WitnessName string
	ProfileURL  string
}

// SendMagicLink mails a one-time sign-in link.
func (s *Service) SendMagicLink(to, signInURL string, ttl time.Duration) error {
	data := MagicLinkData{AppName: appName, SignInURL: signInURL, ExpiresIn: humanDuration(ttl)}
	html, err := renderTemplate(magicLinkTemplate, data)
	if err != nil {
		return fmt.Errorf("render magic link template: %w", err)
	}
	text := fmt.Sprintf("Sign in to %s: %s\r\nThis link expires in %s and works once.", appName, signInURL, data.ExpiresIn)
	return s.send([]string{to}, "Your "+appName+" sign-in link", text, html)
}

// SendWitnessNotice tells a profile owner someone witnessed their pledge.
func (s *Service) SendWitnessNotice(to, witnessName, profileURL string) error {
	data := WitnessData{AppName: appName, WitnessName: witnessName, ProfileURL: profileURL}
	html, err := renderTemplate(witnessTemplate, data)
	if err != nil {
		return fmt.Errorf("render witness template: %w", err)
	}
	text := fmt.Sprintf("%s witnessed your pledge: %s", witnessName, profileURL)
	return s.send([]string{to}, witnessName+" witnessed your pledge", text, html)
}

func (s *Service) send(to []string, subject, text, html string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	return s.sendMail(s.server, s.auth, s.config.From, to, s.buildMessage(to, subject, text, html))
}

func (s *Service) buildMessage(to []string, subject, text, html string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-oathboard"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", text)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", html)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

func humanDuration(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		if d == time.Hour {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", d/time.Hour)
	}
	minutes := int(d / time.Minute)
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const magicLinkTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Sign in to {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #222; max-width: 560px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #1f6f4a; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .link { word-break: break-all; color: #1f6f4a; }
        .footer { margin-top: 30px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <h1>{{.AppName}}</h1>
    <p>Use the button below to sign in. The link works once and expires in {{.ExpiresIn}}.</p>
    <p><a href="{{.SignInURL}}" class="button">Sign in</a></p>
    <p class="link">{{.SignInURL}}</p>
    <div class="footer">
        <p>If you did not ask to sign in, ignore this email.</p>
    </div>
</body>
</html>`

const witnessTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.WitnessName}} witnessed your pledge</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #222; max-width: 560px; margin: 0 auto; padding: 20px; }
        .link { word-break: break-all; color: #1f6f4a; }
    </style>
</head>
<body>
    <h1>{{.AppName}}</h1>
    <p><strong>{{.WitnessName}}</strong> stood witness to your public pledge.</p>
    <p class="link"><a href="{{.ProfileURL}}">{{.ProfileURL}}</a></p>
</body>
</html>`
