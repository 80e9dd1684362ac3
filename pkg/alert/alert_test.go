package alert

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSendValidation отправка без адресата или хоста отвергается до
// обращения к сети
func TestSendValidation(t *testing.T) {
	s := NewSender(nil)

	require.Error(t, s.Send("", "patrol@example.org", "smtp.example.org", "<html/>"))
	require.Error(t, s.Send("ops@example.org", "patrol@example.org", "", "<html/>"))
}

// TestBuildMessage заголовки письма и тело собираются по RFC 5322
func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("ops@example.org", "patrol@example.org", "<html><body>ok</body></html>"))

	assert.True(t, strings.HasPrefix(msg, "From: patrol@example.org\r\n"))
	assert.Contains(t, msg, "To: ops@example.org\r\n")
	assert.Contains(t, msg, "Subject: VoIP Patrol test report\r\n")
	assert.Contains(t, msg, "MIME-Version: 1.0\r\n")
	assert.Contains(t, msg, "Content-Type: text/html; charset=\"UTF-8\"\r\n")

	// Пустая строка отделяет заголовки от тела
	headerEnd := strings.Index(msg, "\r\n\r\n")
	require.Greater(t, headerEnd, 0)
	assert.Contains(t, msg[headerEnd:], "<html><body>ok</body></html>")
}
