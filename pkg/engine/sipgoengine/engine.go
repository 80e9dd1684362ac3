// Package sipgoengine реализует сигнальный движок на emiago/sipgo.
//
// Каждый аккаунт харнесса отображается на локальный UA; входящие запросы
// маршрутизируются по пользователю из To на аккаунт, чей URI его содержит,
// с откатом на аккаунт default. Медиа — G.711u поверх собственного RTP
// сокета на вызов.
package sipgoengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/voip_patrol/pkg/engine"
	"github.com/arzzra/voip_patrol/pkg/patrol"
)

// Config конфигурация движка
type Config struct {
	// IP локальный адрес для Via/Contact/SDP
	IP string
	// Port сигнальный порт UDP и TCP
	Port int
	// TLSPort сигнальный порт TLS, используется при ненулевом TLSConfig
	TLSPort int
	// TLSConfig nil отключает TLS транспорт
	TLSConfig *tls.Config
	// UserAgent значение заголовка User-Agent
	UserAgent string
	// RTPPortMin начало диапазона RTP портов, 0 — эфемерные порты
	RTPPortMin int
	// RTPPortMax конец диапазона RTP портов
	RTPPortMax int
}

// DefaultConfig конфигурация движка по умолчанию
func DefaultConfig() Config {
	return Config{
		IP:         "127.0.0.1",
		Port:       5060,
		TLSPort:    5061,
		UserAgent:  "voip_patrol",
		RTPPortMin: 4000,
		RTPPortMax: 5000,
	}
}

// Engine движок на sipgo
type Engine struct {
	cfg Config
	log patrol.StructuredLogger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	mu         sync.Mutex
	accounts   []*account
	calls      map[string]*call // ключ — SIP Call-ID
	nextAccID  int
	nextCallID int
	nextRTP    int
	started    bool
	cancel     context.CancelFunc
}

// New создает движок; Start поднимает транспорты
func New(cfg Config, log patrol.StructuredLogger) *Engine {
	if log == nil {
		log = patrol.NoOpLogger{}
	}
	if cfg.IP == "" {
		cfg.IP = "127.0.0.1"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "voip_patrol"
	}
	return &Engine{
		cfg:     cfg,
		log:     log.WithComponent("sipgo_engine"),
		calls:   make(map[string]*call),
		nextRTP: cfg.RTPPortMin,
	}
}

// Start создает UA и запускает слушателей всех сконфигурированных транспортов
func (e *Engine) Start(ctx context.Context) error {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(e.cfg.UserAgent))
	if err != nil {
		return fmt.Errorf("создание user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(e.cfg.IP))
	if err != nil {
		return fmt.Errorf("создание клиента: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return fmt.Errorf("создание сервера: %w", err)
	}
	e.ua = ua
	e.client = client
	e.server = server

	server.OnInvite(e.onInvite)
	server.OnAck(e.onAck)
	server.OnBye(e.onBye)
	server.OnCancel(e.onCancel)
	server.OnInfo(e.onInfo)

	serveCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	addr := fmt.Sprintf("%s:%d", e.cfg.IP, e.cfg.Port)
	go e.serve(serveCtx, "udp", addr, nil)
	go e.serve(serveCtx, "tcp", addr, nil)
	if e.cfg.TLSConfig != nil {
		tlsAddr := fmt.Sprintf("%s:%d", e.cfg.IP, e.cfg.TLSPort)
		go e.serve(serveCtx, "tls", tlsAddr, e.cfg.TLSConfig)
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	e.log.Info("движок запущен",
		patrol.String("addr", addr),
		patrol.Bool("tls", e.cfg.TLSConfig != nil),
	)
	return nil
}

func (e *Engine) serve(ctx context.Context, network, addr string, tlsConf *tls.Config) {
	var err error
	if tlsConf != nil {
		err = e.server.ListenAndServeTLS(ctx, network, addr, tlsConf)
	} else {
		err = e.server.ListenAndServe(ctx, network, addr)
	}
	if err != nil && ctx.Err() == nil {
		e.log.Error("слушатель остановлен", patrol.Err(err), patrol.String("network", network))
	}
}

// Shutdown завершает вызовы и останавливает слушателей
func (e *Engine) Shutdown(ctx context.Context) error {
	e.HangupAll()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	if e.ua != nil {
		return e.ua.Close()
	}
	return nil
}

// TransportID идентификаторы транспортов: порядковый номер либо
// TransportUnsupported для TLS без сертификатов
func (e *Engine) TransportID(t engine.Transport) int {
	switch t {
	case engine.TransportUDP:
		return 0
	case engine.TransportTCP:
		return 1
	case engine.TransportTLS:
		if e.cfg.TLSConfig != nil {
			return 2
		}
	}
	return engine.TransportUnsupported
}

// CreateAccount создает аккаунт и привязывает обработчик
func (e *Engine) CreateAccount(cfg engine.AccountConfig, h engine.AccountHandler) (engine.Account, error) {
	if h == nil {
		return nil, fmt.Errorf("аккаунт без обработчика")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acc := &account{
		engine:  e,
		id:      e.nextAccID,
		cfg:     cfg,
		handler: h,
	}
	e.nextAccID++
	e.accounts = append(e.accounts, acc)
	return acc, nil
}

// HangupAll завершает все активные вызовы
func (e *Engine) HangupAll() {
	e.mu.Lock()
	calls := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	e.mu.Unlock()
	for _, c := range calls {
		if c.state() != engine.StateDisconnected {
			_ = c.Hangup()
		}
	}
}

// registerCall заводит вызов в реестре движка
func (e *Engine) registerCall(c *call) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c.id = e.nextCallID
	e.nextCallID++
	e.calls[c.sipCallID] = c
}

func (e *Engine) findCall(sipCallID string) *call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[sipCallID]
}

// allocRTPPort выдает чётный порт из сконфигурированного диапазона
func (e *Engine) allocRTPPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.RTPPortMin == 0 {
		return 0
	}
	port := e.nextRTP
	e.nextRTP += 2
	if e.nextRTP > e.cfg.RTPPortMax {
		e.nextRTP = e.cfg.RTPPortMin
	}
	return port
}

// findAccountForRequest маршрутизирует входящий запрос: аккаунт, чей URI
// содержит пользователя из To, иначе аккаунт default
func (e *Engine) findAccountForRequest(req *sip.Request) *account {
	user := ""
	if to := req.To(); to != nil {
		user = to.Address.User
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var fallback *account
	for _, acc := range e.accounts {
		if strings.Contains(acc.uri(), "default") {
			fallback = acc
		}
		if user != "" && strings.Contains(acc.uri(), user) {
			return acc
		}
	}
	return fallback
}

// onInvite входящий INVITE: маршрутизация на аккаунт, создание вызова и
// передача управления обработчику аккаунта
func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	// Ре-INVITE существующего диалога подтверждаем текущим оффером
	if existing := e.findCall(callID); existing != nil {
		existing.onReinvite(req, tx)
		return
	}

	acc := e.findAccountForRequest(req)
	if acc == nil {
		e.log.Info("входящий INVITE без аккаунта-получателя", patrol.String("callid", callID))
		_ = tx.Respond(sip.NewResponseFromRequest(req, 404, "Not Found", nil))
		return
	}

	c := newIncomingCall(e, acc, req, tx)
	e.registerCall(c)

	h := acc.handler.OnIncomingCall(c, c.Info())
	if h == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 486, "Busy Here", nil))
		c.finish(486, "Busy Here")
		return
	}
	c.bindHandler(h)
}

// onAck завершение установления входящего вызова
func (e *Engine) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	c := e.findCall(callID)
	if c == nil {
		return
	}
	c.onAck()
}

// onBye завершение вызова удалённой стороной
func (e *Engine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	c := e.findCall(callID)
	if c == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	c.onRemoteBye()
}

// onCancel отмена неподтверждённого входящего вызова
func (e *Engine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	c := e.findCall(callID)
	if c == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	c.onRemoteCancel()
}

// onInfo внеполосный DTMF (application/dtmf-relay)
func (e *Engine) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	c := e.findCall(callID)
	if c == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))

	for _, line := range strings.Split(string(req.Body()), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Signal=") {
			continue
		}
		digit := strings.TrimPrefix(line, "Signal=")
		if digit != "" {
			c.deliverDTMF(digit[0])
		}
	}
}

// transportName имя транспорта по его идентификатору
func (e *Engine) transportName(id int) string {
	switch id {
	case 1:
		return "TCP"
	case 2:
		return "TLS"
	default:
		return "UDP"
	}
}

// waitTimeout общий тайм-аут ожидания финального ответа не-INVITE транзакций
const waitTimeout = 32 * time.Second
