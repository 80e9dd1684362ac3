// Package alert отправляет итоговый HTML отчёт прогона по SMTP.
package alert

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/arzzra/voip_patrol/pkg/patrol"
)

// Sender почтовый отправитель отчётов; аутентификации нет, хост берётся
// из действия alert сценария
type Sender struct {
	log patrol.StructuredLogger
}

// NewSender создает отправителя
func NewSender(log patrol.StructuredLogger) *Sender {
	if log == nil {
		log = patrol.NoOpLogger{}
	}
	return &Sender{log: log.WithComponent("alert")}
}

// Send отправляет htmlBody одним письмом; smtpHost без порта дополняется :25
func (s *Sender) Send(to, from, smtpHost, htmlBody string) error {
	if to == "" || smtpHost == "" {
		return fmt.Errorf("alert без адресата или SMTP хоста")
	}
	if !strings.Contains(smtpHost, ":") {
		smtpHost += ":25"
	}

	msg := buildMessage(to, from, htmlBody)
	s.log.Info("отправка отчёта",
		patrol.String("to", to),
		patrol.String("smtp_host", smtpHost),
	)
	if err := smtp.SendMail(smtpHost, nil, from, []string{to}, msg); err != nil {
		return fmt.Errorf("отправка отчёта через %s: %w", smtpHost, err)
	}
	return nil
}

func buildMessage(to, from, htmlBody string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: VoIP Patrol test report\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	b.WriteString("\r\n")
	return []byte(b.String())
}
