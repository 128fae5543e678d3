package report

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Mailer delivers report PDFs over implicit-TLS SMTP (port 465). Sends are
// best effort; callers log failures and continue.
type Mailer struct {
	Addr     string // host:port, e.g. smtp.gmail.com:465
	Sender   string
	Password string
	Log      *slog.Logger
}

// NewMailer constructs a Mailer with env-sourced credentials.
func NewMailer(addr, sender, password string, log *slog.Logger) *Mailer {
	return &Mailer{Addr: addr, Sender: sender, Password: password, Log: log}
}

// Send mails the attachment to the recipient.
func (m *Mailer) Send(_ context.Context, recipient, attachmentPath string) error {
	if recipient == "" {
		return fmt.Errorf("op=report.send: empty recipient")
	}
	msg, err := m.buildMessage(recipient, attachmentPath)
	if err != nil {
		return err
	}

	host, _, err := net.SplitHostPort(m.Addr)
	if err != nil {
		return fmt.Errorf("op=report.send: %w", err)
	}
	conn, err := tls.Dial("tcp", m.Addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("op=report.send: %w", err)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("op=report.send: %w", err)
	}
	defer func() { _ = client.Quit() }()

	auth := smtp.PlainAuth("", m.Sender, m.Password, host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("op=report.send_auth: %w", err)
	}
	if err := client.Mail(m.Sender); err != nil {
		return fmt.Errorf("op=report.send_mail: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("op=report.send_rcpt: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("op=report.send_data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("op=report.send_write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("op=report.send_close: %w", err)
	}
	m.Log.Info("report sent", slog.String("recipient", recipient))
	return nil
}

func (m *Mailer) buildMessage(recipient, attachmentPath string) ([]byte, error) {
	attachment, err := os.ReadFile(attachmentPath)
	if err != nil {
		return nil, fmt.Errorf("op=report.send_attachment: %w", err)
	}
	contentType := mimetype.Detect(attachment).String()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "From: %s\r\n", m.Sender)
	fmt.Fprintf(&buf, "To: %s\r\n", recipient)
	fmt.Fprintf(&buf, "Subject: Calibration Report\r\n")
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, fmt.Errorf("op=report.send_body: %w", err)
	}
	fmt.Fprintf(body, "Your calibration session has completed. The report is attached.\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {fmt.Sprintf("%s; name=%q", contentType, filepath.Base(attachmentPath))},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", filepath.Base(attachmentPath))},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, fmt.Errorf("op=report.send_part: %w", err)
	}
	enc := base64.NewEncoder(base64.StdEncoding, part)
	if _, err := enc.Write(attachment); err != nil {
		return nil, fmt.Errorf("op=report.send_encode: %w", err)
	}
	_ = enc.Close()
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("op=report.send_mime: %w", err)
	}
	return buf.Bytes(), nil
}
