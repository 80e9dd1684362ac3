// Package engine определяет интерфейс сигнального движка для тестового харнесса.
//
// Харнесс (pkg/patrol) не реализует SIP стек сам: он потребляет движок как
// непрозрачный набор примитивов — создание аккаунта, регистрация, исходящий
// вызов, ответ, hangup, DTMF — и получает асинхронные уведомления об изменении
// состояния через интерфейсы AccountHandler и CallHandler.
//
// Реализации:
//   - pkg/engine/sipgoengine — боевой адаптер на emiago/sipgo
//   - pkg/engine/enginetest  — управляемый движок для тестов
package engine

import (
	"context"
	"errors"
	"time"
)

// Transport вид сигнального транспорта
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
	TransportTLS
)

// TransportUnsupported идентификатор отсутствующего транспорта
const TransportUnsupported = -1

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	case TransportTLS:
		return "tls"
	}
	return "unknown"
}

// CallState состояние SIP диалога.
//
// Значения упорядочены: сравнение state >= threshold используется харнессом
// для порога wait_until (тест блокируется пока диалог не достигнет состояния).
type CallState int

const (
	StateNull CallState = iota
	StateCalling
	StateIncoming
	StateEarly
	StateConnecting
	StateConfirmed
	StateDisconnected
)

var callStateNames = map[CallState]string{
	StateNull:         "NULL",
	StateCalling:      "CALLING",
	StateIncoming:     "INCOMING",
	StateEarly:        "EARLY",
	StateConnecting:   "CONNECTING",
	StateConfirmed:    "CONFIRMED",
	StateDisconnected: "DISCONNECTED",
}

func (s CallState) String() string {
	if name, ok := callStateNames[s]; ok {
		return name
	}
	return "NULL"
}

// ParseCallState разбирает имя состояния из сценария. Неизвестное имя — StateNull.
func ParseCallState(name string) CallState {
	for state, n := range callStateNames {
		if n == name {
			return state
		}
	}
	return StateNull
}

// Role роль стороны в диалоге
type Role int

const (
	RoleCaller Role = 0
	RoleCallee Role = 1
)

func (r Role) String() string {
	if r == RoleCallee {
		return "CALLEE"
	}
	return "CALLER"
}

// ErrNoSuchTransaction возвращается движком при CANCEL по уже завершённой
// транзакции. Харнесс подавляет эту ошибку: поздняя отмена безвредна.
var ErrNoSuchTransaction = errors.New("engine: no such transaction")

// Header произвольный SIP заголовок
type Header struct {
	Name  string
	Value string
}

// AuthCred digest-учётные данные аккаунта
type AuthCred struct {
	Realm    string
	Username string
	Password string
}

// AccountConfig конфигурация SIP аккаунта
type AccountConfig struct {
	// IDURI идентификатор аккаунта: sip:user@host или sips:user@host
	IDURI string
	// RegistrarURI адрес регистрара, пустой если аккаунт не регистрируется
	RegistrarURI string
	// ProxyURI исходящий прокси, опционально
	ProxyURI string
	// TransportID транспорт из Engine.TransportID
	TransportID int
	// Auth учётные данные, nil если аутентификация не нужна
	Auth *AuthCred
	// Headers дополнительные заголовки REGISTER
	Headers []Header
}

// CallOpts опции исходящего вызова
type CallOpts struct {
	// Headers кастомные заголовки INVITE (x-header из сценария)
	Headers []Header
}

// CallInfo снимок состояния диалога.
//
// Наполняется движком; харнесс опрашивает его из цикла супервизора
// и из обработчиков уведомлений.
type CallInfo struct {
	Role      Role
	State     CallState
	CallID    string
	LocalURI  string
	RemoteURI string

	// LastStatusCode / LastReason последний финальный или предварительный ответ
	LastStatusCode int
	LastReason     string

	// TotalDuration с момента создания диалога,
	// ConnectDuration с момента подтверждения (200 OK + ACK)
	TotalDuration   time.Duration
	ConnectDuration time.Duration

	// Transport имя транспорта ("UDP", "TCP", "TLS"), PeerSocket адрес пира host:port
	Transport  string
	PeerSocket string
}

// RegInfo результат операции регистрации
type RegInfo struct {
	Code       int
	Reason     string
	Expiration time.Duration
	Active     bool
	Transport  string
}

// StreamLegStat счётчики RTCP одного направления медиапотока
type StreamLegStat struct {
	// JitterAvg / JitterMax в миллисекундах
	JitterAvg float64
	JitterMax float64
	Packets   uint32
	Bytes     uint32
	Loss      uint32
	Discard   uint32
}

// StreamStats итоговая статистика медиапотока, отдаётся при его разрушении
type StreamStats struct {
	// RTT средний round-trip time в миллисекундах
	RTT float64
	Tx  StreamLegStat
	Rx  StreamLegStat
}

// AccountHandler уведомления уровня аккаунта.
//
// Реализуется сущностью TestAccount харнесса; вызывается движком из его
// собственных горутин — реализация обязана быть потокобезопасной.
type AccountHandler interface {
	// OnRegState вызывается по завершении (пере)регистрации
	OnRegState(info RegInfo)

	// OnIncomingCall вызывается при входящем INVITE. Возвращённый CallHandler
	// привязывается к вызову; nil — вызов отклоняется движком.
	OnIncomingCall(call Call, info CallInfo) CallHandler
}

// CallHandler уведомления уровня вызова
type CallHandler interface {
	// OnCallState вызывается при каждом изменении состояния диалога
	OnCallState(info CallInfo)

	// OnDTMFDigit вызывается на каждую принятую DTMF цифру
	OnDTMFDigit(digit byte)

	// OnStreamCreated вызывается при создании медиапотока
	OnStreamCreated(idx int)

	// OnStreamDestroyed вызывается при разрушении медиапотока
	// с финальными RTCP счётчиками
	OnStreamDestroyed(stats StreamStats)
}

// Account SIP аккаунт движка
type Account interface {
	// ID числовой идентификатор внутри движка
	ID() int

	// URI идентификатор аккаунта (IDURI из конфигурации)
	URI() string

	// Modify применяет новую конфигурацию к существующему аккаунту
	Modify(cfg AccountConfig) error

	// Register инициирует асинхронную регистрацию;
	// результат придёт в AccountHandler.OnRegState
	Register(ctx context.Context) error

	// MakeCall инициирует исходящий вызов на target (sip:/sips: URI)
	MakeCall(ctx context.Context, target string, opts CallOpts, h CallHandler) (Call, error)
}

// Call SIP вызов движка
type Call interface {
	// ID числовой идентификатор вызова внутри движка
	ID() int

	// Info снимок текущего состояния диалога
	Info() CallInfo

	// Answer отвечает на входящий вызов: 1xx — предварительный ответ,
	// финальный код завершает установление
	Answer(code int, reason string) error

	// Hangup завершает вызов: CANCEL до подтверждения, BYE после.
	// Возвращает ErrNoSuchTransaction если отменять уже нечего.
	Hangup() error

	// DialDTMF отправляет строку DTMF цифр
	DialDTMF(digits string) error

	// StartPlayback проигрывает WAV файл в вызов
	StartPlayback(file string) error

	// StartRecording записывает принимаемое аудио в WAV файл
	StartRecording(file string) error

	// StopMedia освобождает плеер и рекордер
	StopMedia()
}

// Engine непрозрачный сигнальный движок
type Engine interface {
	// Start запускает транспорты; блокирующие операции движка уважают ctx
	Start(ctx context.Context) error

	// Shutdown останавливает движок и завершает активные вызовы
	Shutdown(ctx context.Context) error

	// TransportID идентификатор транспорта, TransportUnsupported если
	// транспорт не поднялся (например TLS без сертификатов)
	TransportID(t Transport) int

	// CreateAccount создаёт аккаунт и привязывает обработчик уведомлений
	CreateAccount(cfg AccountConfig, h AccountHandler) (Account, error)

	// HangupAll рассылает hangup всем активным вызовам
	HangupAll()
}
