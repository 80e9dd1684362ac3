package patrol

import (
	"context"
	"strings"
	"time"

	"github.com/arzzra/voip_patrol/pkg/engine"
)

// ScenarioStep одно декодированное действие сценария: тип, атрибуты и
// дополнительные SIP заголовки исходящего INVITE
type ScenarioStep struct {
	Type     string
	Attrs    map[string]string
	XHeaders []engine.Header
}

// Action диспетчер действий сценария. Последовательно применяет шаги к
// реестру: register/call/accept запускают асинхронные операции и сразу
// возвращают управление, wait блокирует в супервизоре, alert только
// сохраняет конфигурацию.
type Action struct {
	config     *Config
	supervisor *Supervisor
	log        StructuredLogger
}

// NewAction создает диспетчер над реестром
func NewAction(config *Config) *Action {
	return &Action{
		config:     config,
		supervisor: NewSupervisor(config),
		log:        config.log.WithComponent("action"),
	}
}

// Supervisor супервизор диспетчера, им же пользуется финальное ожидание
func (a *Action) Supervisor() *Supervisor {
	return a.supervisor
}

// Execute валидирует шаг сценария по схеме его действия и диспетчеризует.
// Ошибка валидации возвращается до каких-либо сигнальных побочных
// эффектов; ошибки самих операций логируются и не прерывают сценарий.
func (a *Action) Execute(ctx context.Context, step ScenarioStep) error {
	params := ActionParams(step.Type)
	if params == nil {
		err := NewValidationError("UNKNOWN_ACTION", "неизвестное действие сценария", step.Type)
		a.log.Error("шаг сценария отвергнут", Err(err))
		return err
	}
	BindParams(params, step.Attrs)
	if name := missingRequired(params); name != "" {
		err := NewValidationError("MISSING_PARAM", "не задан обязательный параметр", step.Type).
			WithField("param", name)
		a.log.Error("шаг сценария отвергнут", Err(err))
		return err
	}

	a.log.Info("действие сценария", String("action", step.Type))

	switch step.Type {
	case "register":
		return a.DoRegister(ctx, params)
	case "accept":
		return a.DoAccept(params)
	case "call":
		return a.DoCall(ctx, params, step.XHeaders)
	case "wait":
		a.DoWait(ctx, params)
		return nil
	case "alert":
		a.DoAlert(params)
		return nil
	}
	return nil
}

// selectTransport выбирает идентификатор транспорта движка по имени.
// Пустое или неизвестное имя означает UDP; запрошенный, но не поднятый
// TLS — ошибка конфигурации.
func (a *Action) selectTransport(name string) (int, bool, error) {
	switch name {
	case "tcp":
		return a.config.TransportIDTCP, false, nil
	case "tls":
		if a.config.TransportIDTLS == engine.TransportUnsupported {
			return engine.TransportUnsupported, true,
				NewValidationError("TLS_UNAVAILABLE", "транспорт TLS не инициализирован", "")
		}
		return a.config.TransportIDTLS, true, nil
	default:
		return a.config.TransportIDUDP, false, nil
	}
}

// DoRegister создает либо перенастраивает аккаунт с регистрацией и
// запускает REGISTER транзакцию; исход зафиксирует тест регистрации
func (a *Action) DoRegister(ctx context.Context, params []ActionParam) error {
	username := paramString(params, "username")
	password := paramString(params, "password")
	realm := paramString(params, "realm")
	registrar := paramString(params, "registrar")
	proxy := paramString(params, "proxy")

	accountName := paramString(params, "account")
	if accountName == "" {
		accountName = username
	}

	transportID, tls, err := a.selectTransport(paramString(params, "transport"))
	if err != nil {
		a.log.Error("register отвергнут", Err(err))
		return err
	}

	scheme := "sip:"
	transportSuffix := ""
	if tls {
		scheme = "sips:"
	} else if paramString(params, "transport") == "tcp" {
		transportSuffix = ";transport=tcp"
	}

	accCfg := engine.AccountConfig{
		IDURI:        scheme + accountName + "@" + registrar,
		RegistrarURI: scheme + registrar + transportSuffix,
		TransportID:  transportID,
		Auth: &engine.AuthCred{
			Realm:    realm,
			Username: username,
			Password: password,
		},
	}
	if proxy != "" {
		accCfg.ProxyURI = scheme + proxy + transportSuffix
	}

	t := NewTest(a.config, "register")
	if label := paramString(params, "label"); label != "" {
		t.Label = label
	}
	t.LocalUser = username
	t.RemoteUser = username
	t.From = accountName
	t.To = registrar
	t.ExpectedCauseCode = 200
	if paramSet(params, "expected_cause_code") {
		t.ExpectedCauseCode = paramInt(params, "expected_cause_code")
	}

	acc := a.config.FindAccount(accountName)
	if acc == nil {
		acc, err = a.config.CreateAccount(accCfg)
		if err != nil {
			a.log.Error("register не выполнен", Err(err))
			return err
		}
	} else if err := acc.Account().Modify(accCfg); err != nil {
		perr := NewSignalingError("ACCOUNT_MODIFY", "не удалось перенастроить аккаунт", err).WithField("account", accountName)
		a.log.Error("register не выполнен", Err(perr))
		return perr
	}
	acc.SetTest(t)

	if err := acc.Account().Register(ctx); err != nil {
		perr := NewSignalingError("REGISTER", "не удалось запустить регистрацию", err).WithField("account", accountName)
		a.log.Error("register не выполнен", Err(perr))
		t.UpdateResult()
		return perr
	}
	return nil
}

// DoAccept настраивает политику ответа на входящие: находит либо создает
// аккаунт и сохраняет политику; вызовов и тестов не порождает
func (a *Action) DoAccept(params []ActionParam) error {
	accountName := paramString(params, "account")

	transportID, tls, err := a.selectTransport(paramString(params, "transport"))
	if err != nil {
		a.log.Error("accept отвергнут", Err(err))
		return err
	}

	acc := a.config.FindAccount(accountName)
	if acc == nil {
		scheme := "sip:"
		if tls {
			scheme = "sips:"
		}
		acc, err = a.config.CreateAccount(engine.AccountConfig{
			IDURI:       scheme + accountName,
			TransportID: transportID,
		})
		if err != nil {
			a.log.Error("accept не выполнен", Err(err))
			return err
		}
	}

	policy := AcceptPolicy{
		Label:             paramString(params, "label"),
		HangupDuration:    paramInt(params, "hangup"),
		MaxDuration:       paramInt(params, "max_duration"),
		RingDuration:      paramInt(params, "ring_duration"),
		ExpectedCauseCode: 200,
		WaitState:         engine.ParseCallState(paramString(params, "wait_until")),
		MinMOS:            paramFloat(params, "min_mos"),
		RTPStats:          paramBool(params, "rtp_stats"),
		Play:              paramString(params, "play"),
		PlayDTMF:          paramString(params, "play_dtmf"),
		AnswerCode:        paramInt(params, "code"),
		AnswerReason:      paramString(params, "reason"),
	}
	if paramSet(params, "expected_cause_code") {
		policy.ExpectedCauseCode = paramInt(params, "expected_cause_code")
	}
	if policy.Play == "" {
		policy.Play = a.config.PlaybackFile
	}
	acc.SetAcceptPolicy(policy)
	return nil
}

// DoCall запускает исходящий вызов (или серию при repeat) от имени
// аккаунта звонящего; сбой инициации одного вызова финализирует его тест
// и не прерывает остальные
func (a *Action) DoCall(ctx context.Context, params []ActionParam, xHeaders []engine.Header) error {
	caller := paramString(params, "caller")
	callee := paramString(params, "callee")
	transport := paramString(params, "transport")

	transportID, tls, err := a.selectTransport(transport)
	if err != nil {
		a.log.Error("call отвергнут", Err(err))
		return err
	}

	realm := paramString(params, "realm")
	username := paramString(params, "username")
	password := paramString(params, "password")
	if realm != "" && (username == "" || password == "") {
		perr := NewValidationError("MISSING_CREDENTIALS", "realm требует username и password", "call")
		a.log.Error("call отвергнут", Err(perr))
		return perr
	}

	acc := a.config.FindAccount(caller)
	if acc == nil {
		scheme := "sip:"
		if tls {
			scheme = "sips:"
		}
		accCfg := engine.AccountConfig{
			IDURI:       scheme + caller,
			TransportID: transportID,
		}
		if realm != "" {
			accCfg.Auth = &engine.AuthCred{Realm: realm, Username: username, Password: password}
		}
		acc, err = a.config.CreateAccount(accCfg)
		if err != nil {
			a.log.Error("call не выполнен", Err(err))
			return err
		}
	}

	target := "sip:" + callee
	if tls {
		target = "sips:" + callee
	} else if transport == "tcp" {
		target += ";transport=tcp"
	}

	repeat := paramInt(params, "repeat")
	interval := callInterval(paramFloat(params, "sps"))

	for attempt := 0; attempt <= repeat; attempt++ {
		t := a.buildCallTest(params, caller, callee)

		tc := newTestCall(a.config, acc, nil)
		tc.setTest(t)
		acc.addCall(tc)
		a.config.addCall(tc)

		ecall, err := acc.Account().MakeCall(ctx, target, engine.CallOpts{Headers: xHeaders}, tc)
		if err != nil {
			a.log.Error("не удалось инициировать вызов",
				Err(NewSignalingError("MAKE_CALL", "вызов не инициирован", err)),
				String("target", target),
			)
			t.UpdateResult()
			a.config.RemoveCall(tc)
			continue
		}
		tc.bind(ecall)
		a.log.Info("вызов инициирован", Int("call", ecall.ID()), String("target", target))

		if attempt < repeat {
			if !sleepTick(ctx, interval) {
				return ctx.Err()
			}
		}
	}
	return nil
}

// buildCallTest собирает тест исходящего вызова из параметров действия
func (a *Action) buildCallTest(params []ActionParam, caller, callee string) *Test {
	t := NewTest(a.config, "call")
	if label := paramString(params, "label"); label != "" {
		t.Label = label
	}
	t.LocalUser = userPart(caller)
	t.RemoteUser = userPart(callee)
	t.From = caller
	t.To = callee
	t.ExpectedCauseCode = 200
	if paramSet(params, "expected_cause_code") {
		t.ExpectedCauseCode = paramInt(params, "expected_cause_code")
	}
	t.ExpectedDuration = paramInt(params, "duration")
	t.MaxDuration = paramInt(params, "max_duration")
	t.MaxCallingDuration = paramInt(params, "max_calling_duration")
	t.HangupDuration = paramInt(params, "hangup")
	t.MinMOS = paramFloat(params, "min_mos")
	t.RTPStats = paramBool(params, "rtp_stats")
	t.Recording = paramBool(params, "recording")
	t.Play = paramString(params, "play")
	t.PlayDTMF = paramString(params, "play_dtmf")
	t.WaitState = engine.ParseCallState(paramString(params, "wait_until"))
	if t.WaitState != engine.StateNull {
		t.Hold()
	}
	return t
}

// DoAlert сохраняет адресатов итогового отчёта
func (a *Action) DoAlert(params []ActionParam) {
	a.config.SetAlert(
		paramString(params, "email"),
		paramString(params, "email_from"),
		paramString(params, "smtp_host"),
	)
}

// DoWait блокирует сценарий в супервизоре
func (a *Action) DoWait(ctx context.Context, params []ActionParam) {
	durationMS := paramInt(params, "ms")
	if !paramSet(params, "ms") {
		durationMS = 0
	}
	a.supervisor.Wait(ctx, durationMS, paramBool(params, "complete"))
}

// callInterval пауза между вызовами серии: 1000/sps миллисекунд.
// Дробный sps растягивает серию, sps <= 0 трактуется как 1.0.
func callInterval(sps float64) time.Duration {
	if sps <= 0 {
		sps = 1.0
	}
	return time.Duration(1000/sps) * time.Millisecond
}

// userPart пользовательская часть адреса вида user@host
func userPart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}
