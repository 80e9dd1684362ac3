package patrol

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_patrol/pkg/engine"
	"github.com/arzzra/voip_patrol/pkg/engine/enginetest"
)

func step(typ string, attrs map[string]string) ScenarioStep {
	return ScenarioStep{Type: typ, Attrs: attrs}
}

// TestExecuteUnknownAction неизвестное действие отвергается без побочных
// эффектов
func TestExecuteUnknownAction(t *testing.T) {
	cfg, eng := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("codec", nil))
	require.Error(t, err)

	var perr *PatrolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "UNKNOWN_ACTION", perr.Code)
	assert.Equal(t, ErrorCategoryValidation, perr.Category)

	assert.Empty(t, cfg.Accounts())
	assert.Empty(t, eng.Calls())
}

// TestExecuteMissingParam отсутствие обязательного параметра отвергает шаг
// до каких-либо сигнальных операций
func TestExecuteMissingParam(t *testing.T) {
	cfg, eng := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("call", map[string]string{
		"caller": "alice@10.0.0.1",
	}))
	require.Error(t, err)

	var perr *PatrolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "MISSING_PARAM", perr.Code)
	assert.Equal(t, "callee", perr.Fields["param"])

	assert.Empty(t, cfg.Accounts())
	assert.Empty(t, eng.Calls())
}

// TestExecuteRegisterEmptyRequired пустые значения обязательных атрибутов
// отвергаются до создания аккаунта
func TestExecuteRegisterEmptyRequired(t *testing.T) {
	cfg, _ := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("register", map[string]string{
		"username":  "",
		"password":  "",
		"realm":     "",
		"registrar": "",
	}))
	require.Error(t, err)

	var perr *PatrolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "MISSING_PARAM", perr.Code)
	assert.Equal(t, "username", perr.Fields["param"])

	assert.Empty(t, cfg.Accounts())
	assert.Equal(t, 0, cfg.ResultCount())
}

// TestExecuteRegister регистрация создает аккаунт и фиксирует результат
// синхронно доставленным кодом
func TestExecuteRegister(t *testing.T) {
	cfg, _ := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("register", map[string]string{
		"username":  "alice",
		"password":  "secret",
		"realm":     "sip.example.org",
		"registrar": "sip.example.org",
	}))
	require.NoError(t, err)

	acc := cfg.FindAccount("alice")
	require.NotNil(t, acc)
	assert.Equal(t, "sip:alice@sip.example.org", acc.URI())

	assert.Equal(t, 1, cfg.ResultCount())
	assert.Equal(t, 0, cfg.FailedCount())

	// Повторная регистрация перенастраивает существующий аккаунт
	err = act.Execute(context.Background(), step("register", map[string]string{
		"username":  "alice",
		"password":  "changed",
		"realm":     "sip.example.org",
		"registrar": "sip.example.org",
	}))
	require.NoError(t, err)
	assert.Len(t, cfg.Accounts(), 1)
	assert.Equal(t, 2, cfg.ResultCount())
}

// TestExecuteRegisterExpectedRejection ожидание отказа регистрации — PASS
// при совпадении кода
func TestExecuteRegisterExpectedRejection(t *testing.T) {
	cfg, eng := newTestConfig(t)
	eng.SetRegisterResult(engine.RegInfo{
		Code:      407,
		Reason:    "Proxy Authentication Required",
		Transport: "UDP",
	})
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("register", map[string]string{
		"username":            "bob",
		"password":            "secret",
		"realm":               "sip.example.org",
		"registrar":           "sip.example.org",
		"expected_cause_code": "407",
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.ResultCount())
	assert.Equal(t, 0, cfg.FailedCount())
}

// TestExecuteCall успешный вызов: инициация, медиа по подтверждению,
// PASS по финальному коду
func TestExecuteCall(t *testing.T) {
	cfg, eng := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("call", map[string]string{
		"caller":    "alice@10.0.0.1",
		"callee":    "bob@10.0.0.2",
		"play_dtmf": "1234",
	}))
	require.NoError(t, err)

	calls := eng.Calls()
	require.Len(t, calls, 1)
	ecall := calls[0]
	assert.Equal(t, engine.StateCalling, ecall.State())

	ecall.Ring(180, "Ringing")
	ecall.Confirm()

	// Подтверждение запускает медиа согласно параметрам вызова
	assert.Equal(t, "1234", ecall.SentDTMF())
	assert.Equal(t, cfg.PlaybackFile, ecall.PlayFile())

	ecall.Disconnect(200, "Normal call clearing")
	assert.Equal(t, 1, cfg.ResultCount())
	assert.Equal(t, 0, cfg.FailedCount())
}

// TestExecuteCallCauseCode финальный код сверяется с ожидаемым
func TestExecuteCallCauseCode(t *testing.T) {
	t.Run("busy expected", func(t *testing.T) {
		cfg, eng := newTestConfig(t)
		act := NewAction(cfg)

		err := act.Execute(context.Background(), step("call", map[string]string{
			"caller":              "alice@10.0.0.1",
			"callee":              "busy@10.0.0.2",
			"expected_cause_code": "486",
		}))
		require.NoError(t, err)

		eng.Calls()[0].Disconnect(486, "Busy Here")
		assert.Equal(t, 1, cfg.ResultCount())
		assert.Equal(t, 0, cfg.FailedCount())
	})

	t.Run("busy unexpected", func(t *testing.T) {
		cfg, eng := newTestConfig(t)
		act := NewAction(cfg)

		err := act.Execute(context.Background(), step("call", map[string]string{
			"caller": "alice@10.0.0.1",
			"callee": "busy@10.0.0.2",
		}))
		require.NoError(t, err)

		eng.Calls()[0].Disconnect(486, "Busy Here")
		assert.Equal(t, 1, cfg.ResultCount())
		assert.Equal(t, 1, cfg.FailedCount())
	})
}

// TestExecuteCallTLSUnavailable запрошенный TLS без транспорта — ошибка
// конфигурации, вызова нет
func TestExecuteCallTLSUnavailable(t *testing.T) {
	cfg, eng := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("call", map[string]string{
		"caller":    "alice@10.0.0.1",
		"callee":    "bob@10.0.0.2",
		"transport": "tls",
	}))
	require.Error(t, err)

	var perr *PatrolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "TLS_UNAVAILABLE", perr.Code)
	assert.Empty(t, eng.Calls())
}

// TestExecuteCallTLSEnabled при поднятом TLS цель получает схему sips
func TestExecuteCallTLSEnabled(t *testing.T) {
	eng := enginetest.New(enginetest.Config{EnableTLS: true})
	cfg := NewConfig(eng, nil, NoOpLogger{}, NewMetrics(prometheus.NewRegistry()))
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("call", map[string]string{
		"caller":    "alice@10.0.0.1",
		"callee":    "bob@10.0.0.2",
		"transport": "tls",
	}))
	require.NoError(t, err)

	calls := eng.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sips:bob@10.0.0.2", calls[0].Info().RemoteURI)
}

// TestExecuteCallRealmRequiresCredentials realm без пары username/password
// отвергается
func TestExecuteCallRealmRequiresCredentials(t *testing.T) {
	cfg, eng := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("call", map[string]string{
		"caller": "alice@10.0.0.1",
		"callee": "bob@10.0.0.2",
		"realm":  "sip.example.org",
	}))
	require.Error(t, err)

	var perr *PatrolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "MISSING_CREDENTIALS", perr.Code)
	assert.Empty(t, eng.Calls())
}

// TestExecuteCallRepeat repeat порождает серию независимых вызовов
func TestExecuteCallRepeat(t *testing.T) {
	cfg, eng := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("call", map[string]string{
		"caller": "alice@10.0.0.1",
		"callee": "bob@10.0.0.2",
		"repeat": "2",
		"sps":    "100",
	}))
	require.NoError(t, err)

	calls := eng.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		c.Disconnect(200, "Normal call clearing")
	}
	assert.Equal(t, 3, cfg.ResultCount())
	assert.Equal(t, 1, len(cfg.Accounts()), "аккаунт звонящего общий для серии")
}

// TestCallInterval темп серии: дробный sps растягивает паузу между вызовами
func TestCallInterval(t *testing.T) {
	assert.Equal(t, 2*time.Second, callInterval(0.5))
	assert.Equal(t, time.Second, callInterval(1))
	assert.Equal(t, 250*time.Millisecond, callInterval(4))

	// Незаданный или некорректный sps означает один вызов в секунду
	assert.Equal(t, time.Second, callInterval(0))
	assert.Equal(t, time.Second, callInterval(-2))
}

// TestExecuteCallXHeaders дополнительные заголовки доходят до INVITE
func TestExecuteCallXHeaders(t *testing.T) {
	cfg, eng := newTestConfig(t)
	act := NewAction(cfg)

	s := step("call", map[string]string{
		"caller": "alice@10.0.0.1",
		"callee": "bob@10.0.0.2",
	})
	s.XHeaders = []engine.Header{
		{Name: "X-Foo", Value: "bar"},
		{Name: "X-Request-Id", Value: "r-17"},
	}
	require.NoError(t, act.Execute(context.Background(), s))

	calls := eng.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, s.XHeaders, calls[0].Headers())
}

// TestExecuteAcceptDirectAnswer входящий вызов отвечается кодом политики
func TestExecuteAcceptDirectAnswer(t *testing.T) {
	cfg, eng := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("accept", map[string]string{
		"account": "bob",
		"code":    "202",
		"reason":  "Accepted",
	}))
	require.NoError(t, err)
	require.NotNil(t, cfg.FindAccount("bob"))

	ecall := eng.InjectIncomingCall("bob", "sip:alice@10.0.0.1", "in-call-1")
	require.NotNil(t, ecall)

	info := ecall.Info()
	assert.Equal(t, engine.StateConfirmed, info.State)
	assert.Equal(t, 202, info.LastStatusCode)

	ecall.ReceiveDTMF("42")
	ecall.Disconnect(200, "Normal call clearing")

	require.Equal(t, 1, cfg.ResultCount())
	assert.Equal(t, 0, cfg.FailedCount())

	calls := cfg.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "42", calls[0].Test().DTMFRecv())
}

// TestExecuteAcceptRingDuration при ring_duration входящий получает лишь
// ранний ответ, тест остается ждать порога wait_until
func TestExecuteAcceptRingDuration(t *testing.T) {
	cfg, eng := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("accept", map[string]string{
		"account":       "bob",
		"ring_duration": "5",
		"wait_until":    "CONFIRMED",
	}))
	require.NoError(t, err)

	ecall := eng.InjectIncomingCall("bob", "sip:alice@10.0.0.1", "in-call-2")
	require.NotNil(t, ecall)

	info := ecall.Info()
	assert.Equal(t, engine.StateEarly, info.State)
	assert.Equal(t, 183, info.LastStatusCode)

	calls := cfg.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, TestStateRunWait, calls[0].Test().State())
}

// TestExecuteAcceptUnmatchedCall вызов на несуществующий аккаунт
// игнорируется движком
func TestExecuteAcceptUnmatchedCall(t *testing.T) {
	cfg, eng := newTestConfig(t)
	_ = NewAction(cfg)

	assert.Nil(t, eng.InjectIncomingCall("nobody", "sip:alice@10.0.0.1", "in-call-3"))
	assert.Empty(t, cfg.Calls())
}

// TestExecuteAlert alert сохраняет адресатов отчёта
func TestExecuteAlert(t *testing.T) {
	cfg, _ := newTestConfig(t)
	act := NewAction(cfg)

	err := act.Execute(context.Background(), step("alert", map[string]string{
		"email":      "ops@example.org",
		"email_from": "patrol@example.org",
		"smtp_host":  "smtp.example.org",
	}))
	require.NoError(t, err)

	to, from, host := cfg.AlertConfig()
	assert.Equal(t, "ops@example.org", to)
	assert.Equal(t, "patrol@example.org", from)
	assert.Equal(t, "smtp.example.org", host)
}

// TestExecuteWait wait без активных тестов возвращается сразу
func TestExecuteWait(t *testing.T) {
	cfg, _ := newTestConfig(t)
	act := NewAction(cfg)

	require.NoError(t, act.Execute(context.Background(), step("wait", map[string]string{
		"ms": "50",
	})))
}
