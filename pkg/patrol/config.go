// Package patrol реализует ядро тестового харнесса VoIP Patrol: диспетчер
// действий сценария, модель тестов/вызовов/аккаунтов с асинхронными
// обработчиками уведомлений движка и поллинг-супервизор.
package patrol

import (
	"strings"
	"sync"

	"github.com/arzzra/voip_patrol/pkg/engine"
)

// DefaultPlaybackFile файл проигрывания по умолчанию для call/accept
const DefaultPlaybackFile = "voice_ref_files/reference_8000_12s.wav"

// DefaultMOSReferenceFile эталонный файл для перцептивной оценки качества
const DefaultMOSReferenceFile = "voice_ref_files/reference_8000_12s.wav"

// MOSScorer функция перцептивной оценки качества: эталонный файл против
// записанного. Поставляется извне (PESQ и подобные — вне ядра харнесса).
type MOSScorer func(referenceFile, degradedFile string) (float64, error)

// AlertSender приёмник итогового HTML отчёта
type AlertSender interface {
	Send(to, from, smtpHost, htmlBody string) error
}

// Config реестр прогона: все аккаунты, все вызовы, очередь тестов,
// ожидающих RTP статистику, идентификаторы транспортов и приёмники
// результатов. Создаётся один раз на процесс и передаётся по ссылке
// всем компонентам; мутации списков — только под мьютексом.
type Config struct {
	log     StructuredLogger
	engine  engine.Engine
	metrics *Metrics

	// Идентификаторы транспортов движка, TransportUnsupported если
	// транспорт не поднялся
	TransportIDUDP int
	TransportIDTCP int
	TransportIDTLS int

	// PlaybackFile файл проигрывания по умолчанию
	PlaybackFile string

	// MOSReferenceFile эталон для MOSScorer
	MOSReferenceFile string

	// Scorer внешняя функция оценки MOS, nil если оценка недоступна
	Scorer MOSScorer

	mu              sync.Mutex
	accounts        []*TestAccount
	calls           []*TestCall
	pendingRTPStats []*Test
	reportRows      []string
	resultCount     int
	failedCount     int

	alertEmailTo   string
	alertEmailFrom string
	alertSMTPHost  string

	resultFile *ResultFile
}

// NewConfig создает реестр прогона поверх движка eng.
// Результаты пишутся в resultFile; metrics может быть nil.
func NewConfig(eng engine.Engine, resultFile *ResultFile, log StructuredLogger, metrics *Metrics) *Config {
	if log == nil {
		log = NoOpLogger{}
	}
	return &Config{
		log:              log.WithComponent("config"),
		engine:           eng,
		metrics:          metrics,
		TransportIDUDP:   eng.TransportID(engine.TransportUDP),
		TransportIDTCP:   eng.TransportID(engine.TransportTCP),
		TransportIDTLS:   eng.TransportID(engine.TransportTLS),
		PlaybackFile:     DefaultPlaybackFile,
		MOSReferenceFile: DefaultMOSReferenceFile,
		resultFile:       resultFile,
	}
}

// Logger базовый логгер прогона
func (c *Config) Logger() StructuredLogger {
	return c.log
}

// CreateAccount создает аккаунт в движке и регистрирует его в реестре
func (c *Config) CreateAccount(accCfg engine.AccountConfig) (*TestAccount, error) {
	ta := newTestAccount(c)
	eacc, err := c.engine.CreateAccount(accCfg, ta)
	if err != nil {
		return nil, NewSignalingError("ACCOUNT_CREATE", "не удалось создать аккаунт", err).WithField("uri", accCfg.IDURI)
	}
	ta.bind(eacc)

	c.mu.Lock()
	c.accounts = append(c.accounts, ta)
	c.mu.Unlock()

	c.log.Info("аккаунт создан", Int("id", eacc.ID()), String("uri", eacc.URI()))
	return ta, nil
}

// CreateDefaultAccount создает синтетический аккаунт sip:default —
// приёмник входящих вызовов, не адресованных ни одному аккаунту сценария
func (c *Config) CreateDefaultAccount() (*TestAccount, error) {
	acc, err := c.CreateAccount(engine.AccountConfig{
		IDURI:       "sip:default",
		TransportID: c.TransportIDUDP,
	})
	if err != nil {
		return nil, err
	}
	acc.setPlay(c.PlaybackFile)
	return acc, nil
}

// FindAccount ищет аккаунт по имени: суффиксное сравнение с URI после
// схемы, ведущий "+" отбрасывается
func (c *Config) FindAccount(name string) *TestAccount {
	name = strings.TrimPrefix(name, "+")

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, acc := range c.accounts {
		uri := acc.URI()
		uri = strings.TrimPrefix(uri, "sips:")
		uri = strings.TrimPrefix(uri, "sip:")
		if strings.HasPrefix(uri, name) {
			return acc
		}
	}
	return nil
}

// Accounts снимок списка аккаунтов
func (c *Config) Accounts() []*TestAccount {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*TestAccount, len(c.accounts))
	copy(out, c.accounts)
	return out
}

// addCall регистрирует вызов в реестре
func (c *Config) addCall(call *TestCall) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	c.metrics.callAdded()
}

// RemoveCall убирает вызов из реестра; его тест уничтожается вместе с ним
func (c *Config) RemoveCall(call *TestCall) {
	c.mu.Lock()
	for i, cc := range c.calls {
		if cc == call {
			c.calls = append(c.calls[:i], c.calls[i+1:]...)
			c.metrics.callRemoved()
			break
		}
	}
	c.mu.Unlock()
}

// Calls снимок списка вызовов
func (c *Config) Calls() []*TestCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*TestCall, len(c.calls))
	copy(out, c.calls)
	return out
}

// queuePendingRTPStats ставит тест в очередь дренажа RTP статистики.
// Двойная постановка исключена флагом queued на самом тесте.
func (c *Config) queuePendingRTPStats(t *Test) {
	c.mu.Lock()
	c.pendingRTPStats = append(c.pendingRTPStats, t)
	c.mu.Unlock()
	c.log.Debug("тест ожидает RTP статистику", String("type", t.Type), String("label", t.Label))
}

// takeReadyPendingRTPStats изымает из очереди в точности те тесты, чья
// статистика готова — каждый ровно один раз, порядок не важен
func (c *Config) takeReadyPendingRTPStats() []*Test {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready []*Test
	remaining := c.pendingRTPStats[:0]
	for _, t := range c.pendingRTPStats {
		if t.RTPStatsReady() {
			ready = append(ready, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.pendingRTPStats = remaining
	return ready
}

// SetAlert сохраняет конфигурацию почтового алерта
func (c *Config) SetAlert(to, from, smtpHost string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alertEmailTo = to
	c.alertEmailFrom = from
	c.alertSMTPHost = smtpHost
}

// AlertConfig текущая конфигурация алерта; пустые значения — алерт не настроен
func (c *Config) AlertConfig() (to, from, smtpHost string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alertEmailTo, c.alertEmailFrom, c.alertSMTPHost
}

// ReportRows снимок накопленных строк HTML отчёта
func (c *Config) ReportRows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.reportRows))
	copy(out, c.reportRows)
	return out
}

// appendResult дописывает запись результата в файл и строку в HTML отчёт
func (c *Config) appendResult(rec resultRecord, row reportRow) {
	c.mu.Lock()
	c.resultCount++
	seq := c.resultCount
	if !row.success {
		c.failedCount++
	}
	if len(c.reportRows) == 0 {
		c.reportRows = append(c.reportRows, reportHeaderRow())
	}
	c.reportRows = append(c.reportRows, formatReportRow(row))
	c.mu.Unlock()

	line, err := marshalResult(seq, rec)
	if err != nil {
		c.log.Error("не удалось сериализовать результат", Err(err))
		return
	}
	if c.resultFile != nil {
		if err := c.resultFile.Write(line); err != nil {
			c.log.Error("не удалось записать результат", Err(err), String("file", c.resultFile.name))
		}
	}
	c.log.Info("результат теста", String("record", line))
}

// FailedCount количество записанных результатов FAIL
func (c *Config) FailedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedCount
}

// ResultCount количество записанных результатов
func (c *Config) ResultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resultCount
}

// Close закрывает файл результатов
func (c *Config) Close() {
	if c.resultFile != nil {
		_ = c.resultFile.Close()
	}
}
