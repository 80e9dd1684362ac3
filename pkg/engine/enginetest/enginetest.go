// Package enginetest реализует управляемый сигнальный движок для тестов.
//
// Движок ничего не шлёт по сети: тест сам продвигает вызовы по состояниям
// (Ring, Confirm, Disconnect), впрыскивает входящие вызовы, DTMF и RTCP
// статистику. Уведомления доставляются синхронно из вызывающей горутины,
// что делает тесты детерминированными.
package enginetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/voip_patrol/pkg/engine"
)

// Config конфигурация тестового движка
type Config struct {
	// EnableTLS поднимает фиктивный TLS транспорт
	EnableTLS bool
}

// Engine управляемый движок
type Engine struct {
	cfg Config

	mu          sync.Mutex
	started     bool
	accounts    []*Account
	calls       []*Call
	nextAccID   int
	nextCallID  int
	regResult   engine.RegInfo
	failMake    error
	failReg     error
	failCreate  error
}

// New создает тестовый движок
func New(cfg Config) *Engine {
	return &Engine{
		cfg:       cfg,
		regResult: engine.RegInfo{Code: 200, Reason: "OK", Active: true, Expiration: 60 * time.Second, Transport: "UDP"},
	}
}

// Start помечает движок запущенным
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return nil
}

// Shutdown завершает активные вызовы и останавливает движок
func (e *Engine) Shutdown(ctx context.Context) error {
	e.HangupAll()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	return nil
}

// TransportID идентификаторы фиктивных транспортов
func (e *Engine) TransportID(t engine.Transport) int {
	switch t {
	case engine.TransportUDP:
		return 0
	case engine.TransportTCP:
		return 1
	case engine.TransportTLS:
		if e.cfg.EnableTLS {
			return 2
		}
	}
	return engine.TransportUnsupported
}

// SetRegisterResult задает исход следующих регистраций
func (e *Engine) SetRegisterResult(info engine.RegInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regResult = info
}

// FailMakeCall заставляет последующие MakeCall возвращать err
func (e *Engine) FailMakeCall(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failMake = err
}

// FailRegister заставляет последующие Register возвращать err
func (e *Engine) FailRegister(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failReg = err
}

// FailCreateAccount заставляет последующие CreateAccount возвращать err
func (e *Engine) FailCreateAccount(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCreate = err
}

// CreateAccount создает фиктивный аккаунт
func (e *Engine) CreateAccount(cfg engine.AccountConfig, h engine.AccountHandler) (engine.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCreate != nil {
		return nil, e.failCreate
	}
	acc := &Account{
		engine:  e,
		id:      e.nextAccID,
		cfg:     cfg,
		handler: h,
	}
	e.nextAccID++
	e.accounts = append(e.accounts, acc)
	return acc, nil
}

// HangupAll завершает все незавершённые вызовы
func (e *Engine) HangupAll() {
	e.mu.Lock()
	calls := make([]*Call, len(e.calls))
	copy(calls, e.calls)
	e.mu.Unlock()
	for _, c := range calls {
		if c.State() != engine.StateDisconnected {
			_ = c.Hangup()
		}
	}
}

// Calls снимок всех вызовов движка, включая завершённые
func (e *Engine) Calls() []*Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// InjectIncomingCall впрыскивает входящий вызов на аккаунт, чей URI
// содержит toUser, и возвращает вызов с привязанным обработчиком.
// Возвращает nil, если подходящего аккаунта нет.
func (e *Engine) InjectIncomingCall(toUser, fromURI, sipCallID string) *Call {
	e.mu.Lock()
	var target *Account
	for _, acc := range e.accounts {
		if strings.Contains(acc.cfg.IDURI, toUser) {
			target = acc
			break
		}
	}
	e.mu.Unlock()
	if target == nil {
		return nil
	}

	c := e.newCall(target, engine.RoleCallee)
	c.mu.Lock()
	c.info.State = engine.StateIncoming
	c.info.CallID = sipCallID
	c.info.LocalURI = target.cfg.IDURI
	c.info.RemoteURI = fromURI
	c.info.Transport = "UDP"
	c.info.PeerSocket = "10.0.0.2:5060"
	info := c.info
	c.mu.Unlock()

	h := target.handler.OnIncomingCall(c, info)
	c.bindHandler(h)
	return c
}

func (e *Engine) newCall(acc *Account, role engine.Role) *Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &Call{
		engine:  e,
		account: acc,
		id:      e.nextCallID,
		created: time.Now(),
	}
	c.info.Role = role
	e.nextCallID++
	e.calls = append(e.calls, c)
	return c
}

// Account фиктивный SIP аккаунт
type Account struct {
	engine  *Engine
	id      int
	handler engine.AccountHandler

	mu  sync.Mutex
	cfg engine.AccountConfig
}

// ID идентификатор аккаунта
func (a *Account) ID() int { return a.id }

// URI идентификатор аккаунта из конфигурации
func (a *Account) URI() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.IDURI
}

// Config текущая конфигурация аккаунта
func (a *Account) Config() engine.AccountConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Modify заменяет конфигурацию аккаунта
func (a *Account) Modify(cfg engine.AccountConfig) error {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	return nil
}

// Register синхронно доставляет сценарный исход регистрации
func (a *Account) Register(ctx context.Context) error {
	a.engine.mu.Lock()
	failErr := a.engine.failReg
	result := a.engine.regResult
	a.engine.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	a.handler.OnRegState(result)
	return nil
}

// MakeCall создает исходящий вызов в состоянии CALLING; дальше его
// продвигает тест через Ring/Confirm/Disconnect
func (a *Account) MakeCall(ctx context.Context, target string, opts engine.CallOpts, h engine.CallHandler) (engine.Call, error) {
	a.engine.mu.Lock()
	failErr := a.engine.failMake
	a.engine.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	c := a.engine.newCall(a, engine.RoleCaller)
	c.bindHandler(h)
	c.mu.Lock()
	c.info.State = engine.StateCalling
	c.info.LocalURI = a.URI()
	c.info.RemoteURI = target
	c.info.CallID = "test-callid-" + target
	c.info.Transport = "UDP"
	c.info.PeerSocket = "10.0.0.2:5060"
	c.headers = opts.Headers
	c.mu.Unlock()
	return c, nil
}

// Call фиктивный вызов, продвигаемый тестом
type Call struct {
	engine  *Engine
	account *Account
	id      int
	created time.Time

	mu          sync.Mutex
	handler     engine.CallHandler
	info        engine.CallInfo
	headers     []engine.Header
	hangupErr   error
	playFile    string
	recordFile  string
	dtmfSent    string
	mediaActive bool
}

func (c *Call) bindHandler(h engine.CallHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// ID идентификатор вызова
func (c *Call) ID() int { return c.id }

// Info снимок состояния диалога
func (c *Call) Info() engine.CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// State текущее состояние диалога
func (c *Call) State() engine.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.State
}

// Headers заголовки исходящего INVITE
func (c *Call) Headers() []engine.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers
}

// PlayFile файл, переданный в StartPlayback
func (c *Call) PlayFile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playFile
}

// RecordedFile файл, переданный в StartRecording
func (c *Call) RecordedFile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordFile
}

// SentDTMF цифры, отправленные через DialDTMF
func (c *Call) SentDTMF() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dtmfSent
}

// SetHangupError заставляет следующий Hangup вернуть err
func (c *Call) SetHangupError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangupErr = err
}

// SetDurations выставляет наблюдаемые длительности диалога
func (c *Call) SetDurations(total, connected time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.TotalDuration = total
	c.info.ConnectDuration = connected
}

// notify доставляет снимок обработчику вне мьютекса вызова
func (c *Call) notify() {
	c.mu.Lock()
	h := c.handler
	info := c.info
	c.mu.Unlock()
	if h != nil {
		h.OnCallState(info)
	}
}

// Ring переводит вызов в EARLY с предварительным кодом code
func (c *Call) Ring(code int, reason string) {
	c.mu.Lock()
	c.info.State = engine.StateEarly
	c.info.LastStatusCode = code
	c.info.LastReason = reason
	c.mu.Unlock()
	c.notify()
}

// Confirm подтверждает вызов (200 OK + ACK)
func (c *Call) Confirm() {
	c.mu.Lock()
	c.info.State = engine.StateConfirmed
	c.info.LastStatusCode = 200
	c.info.LastReason = "OK"
	c.mediaActive = true
	c.mu.Unlock()
	c.notify()
}

// Disconnect завершает вызов с указанным финальным кодом
func (c *Call) Disconnect(code int, reason string) {
	c.mu.Lock()
	if c.info.State == engine.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.info.State = engine.StateDisconnected
	c.info.LastStatusCode = code
	c.info.LastReason = reason
	c.mu.Unlock()
	c.notify()
}

// ReceiveDTMF впрыскивает принятые DTMF цифры
func (c *Call) ReceiveDTMF(digits string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	for i := 0; i < len(digits); i++ {
		h.OnDTMFDigit(digits[i])
	}
}

// DestroyStream впрыскивает финальную RTCP статистику медиапотока
func (c *Call) DestroyStream(stats engine.StreamStats) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.OnStreamDestroyed(stats)
	}
}

// Answer отвечает на вызов: предварительный код оставляет EARLY,
// финальный подтверждает либо завершает
func (c *Call) Answer(code int, reason string) error {
	if reason == "" {
		reason = "OK"
	}
	switch {
	case code < 200:
		c.mu.Lock()
		c.info.State = engine.StateEarly
		c.info.LastStatusCode = code
		c.info.LastReason = reason
		c.mu.Unlock()
		c.notify()
	case code < 300:
		c.mu.Lock()
		c.info.State = engine.StateConfirmed
		c.info.LastStatusCode = code
		c.info.LastReason = reason
		c.mediaActive = true
		c.mu.Unlock()
		c.notify()
	default:
		c.Disconnect(code, reason)
	}
	return nil
}

// Hangup завершает вызов: 487 до подтверждения, 200 после
func (c *Call) Hangup() error {
	c.mu.Lock()
	if c.hangupErr != nil {
		err := c.hangupErr
		c.hangupErr = nil
		c.mu.Unlock()
		return err
	}
	state := c.info.State
	c.mu.Unlock()

	if state == engine.StateConfirmed {
		c.Disconnect(200, "Normal call clearing")
	} else {
		c.Disconnect(487, "Request Terminated")
	}
	return nil
}

// DialDTMF запоминает отправленные цифры
func (c *Call) DialDTMF(digits string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dtmfSent += digits
	return nil
}

// StartPlayback запоминает файл проигрывания
func (c *Call) StartPlayback(file string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playFile = file
	return nil
}

// StartRecording запоминает файл записи
func (c *Call) StartRecording(file string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordFile = file
	return nil
}

// StopMedia сбрасывает флаг активного медиа
func (c *Call) StopMedia() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaActive = false
}
