package patrol

import (
	"sync"

	"github.com/arzzra/voip_patrol/pkg/engine"
)

// AcceptPolicy параметры ответа на входящие вызовы, задаются действием accept.
// Политика переживает несколько входящих: каждый вызов порождает свой тест
// по её текущему снимку.
type AcceptPolicy struct {
	Label             string
	HangupDuration    int
	MaxDuration       int
	RingDuration      int
	ExpectedCauseCode int
	WaitState         engine.CallState
	MinMOS            float64
	RTPStats          bool
	Play              string
	PlayDTMF          string
	AnswerCode        int
	AnswerReason      string
}

// TestAccount аккаунт реестра: обёртка над аккаунтом движка, несущая
// текущий тест регистрации и политику ответа на входящие
type TestAccount struct {
	config *Config
	acc    engine.Account

	mu     sync.Mutex
	test   *Test
	policy AcceptPolicy
	calls  []*TestCall
}

func newTestAccount(config *Config) *TestAccount {
	return &TestAccount{config: config}
}

// bind привязывает аккаунт движка; вызывается один раз при создании
func (a *TestAccount) bind(acc engine.Account) {
	a.mu.Lock()
	a.acc = acc
	a.mu.Unlock()
}

// Account нижележащий аккаунт движка
func (a *TestAccount) Account() engine.Account {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acc
}

// URI идентификационный URI аккаунта
func (a *TestAccount) URI() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.acc == nil {
		return ""
	}
	return a.acc.URI()
}

// SetTest привязывает тест регистрации
func (a *TestAccount) SetTest(t *Test) {
	a.mu.Lock()
	a.test = t
	a.mu.Unlock()
}

// Test текущий тест регистрации, nil если его нет
func (a *TestAccount) Test() *Test {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.test
}

// detachTest отцепляет завершённый тест регистрации
func (a *TestAccount) detachTest() {
	a.mu.Lock()
	a.test = nil
	a.mu.Unlock()
}

// SetAcceptPolicy устанавливает политику ответа на входящие
func (a *TestAccount) SetAcceptPolicy(p AcceptPolicy) {
	a.mu.Lock()
	a.policy = p
	a.mu.Unlock()
}

// setPlay меняет только файл проигрывания политики
func (a *TestAccount) setPlay(play string) {
	a.mu.Lock()
	a.policy.Play = play
	a.mu.Unlock()
}

// acceptPolicy снимок политики
func (a *TestAccount) acceptPolicy() AcceptPolicy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy
}

func (a *TestAccount) addCall(call *TestCall) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()
}

// OnRegState уведомление движка об изменении состояния регистрации.
// Финализирует привязанный тест регистрации наблюдаемым кодом ответа.
func (a *TestAccount) OnRegState(info engine.RegInfo) {
	a.config.log.Info("состояние регистрации",
		String("uri", a.URI()),
		Int("code", info.Code),
		String("reason", info.Reason),
		Bool("active", info.Active),
	)

	t := a.Test()
	if t == nil {
		return
	}
	t.RecordRegistration(info)
	t.UpdateResult()
}

// OnIncomingCall уведомление движка о входящем вызове. Создает вызов
// и тест accept по текущей политике аккаунта, отвечает согласно политике
// и возвращает обработчик дальнейших событий вызова.
func (a *TestAccount) OnIncomingCall(call engine.Call, ci engine.CallInfo) engine.CallHandler {
	p := a.acceptPolicy()

	a.config.log.Info("входящий вызов",
		String("account", a.URI()),
		String("from", ci.RemoteURI),
		String("callid", ci.CallID),
	)

	t := NewTest(a.config, "accept")
	if p.Label != "" {
		t.Label = p.Label
	}
	t.LocalUser = ci.LocalURI
	t.RemoteUser = ci.RemoteURI
	t.From = ci.LocalURI
	t.To = ci.RemoteURI
	t.HangupDuration = p.HangupDuration
	t.MaxDuration = p.MaxDuration
	t.RingDuration = p.RingDuration
	if p.ExpectedCauseCode > 0 {
		t.ExpectedCauseCode = p.ExpectedCauseCode
	}
	t.WaitState = p.WaitState
	t.RTPStats = p.RTPStats
	t.Play = p.Play
	t.PlayDTMF = p.PlayDTMF
	t.AnswerCode = p.AnswerCode
	t.AnswerReason = p.AnswerReason
	t.RecordCallInfo(ci, call.ID())
	if t.WaitState != engine.StateNull {
		t.Hold()
	}

	tc := newTestCall(a.config, a, call)
	tc.setTest(t)
	a.addCall(tc)
	a.config.addCall(tc)

	// ring_duration > 0: ранний ответ 183, окончательный даст супервизор
	if p.RingDuration > 0 {
		if err := call.Answer(183, ""); err != nil {
			a.config.log.Error("не удалось отправить ранний ответ", Err(err), Int("call", call.ID()))
		}
		return tc
	}

	code := p.AnswerCode
	if code == 0 {
		code = 200
	}
	if err := call.Answer(code, p.AnswerReason); err != nil {
		a.config.log.Error("не удалось ответить на вызов", Err(err), Int("call", call.ID()), Int("code", code))
	}
	return tc
}
