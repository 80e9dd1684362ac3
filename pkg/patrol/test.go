package patrol

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/voip_patrol/pkg/engine"
)

// TestState состояние теста
type TestState string

const (
	// TestStateRun тест активен
	TestStateRun TestState = "RUN"
	// TestStateRunWait тест блокирует сценарий до порога wait_until
	TestStateRunWait TestState = "RUN_WAIT"
	// TestStateDone тест завершён, терминальное состояние
	TestStateDone TestState = "DONE"
)

// События жизненного цикла теста. FSM отвергает любой переход из DONE,
// чем обеспечивается монотонность RUN/RUN_WAIT -> DONE.
const (
	testEventHold    = "hold"
	testEventRelease = "release"
	testEventFinish  = "finish"
)

const timeLayout = "02-01-2006 15:04:05"

// RTPLegReport статистика одного направления потока в итоговом отчёте
type RTPLegReport struct {
	JitterAvg float64 `json:"jitter_avg"`
	JitterMax float64 `json:"jitter_max"`
	Pkt       uint32  `json:"pkt"`
	Kbytes    uint32  `json:"kbytes"`
	Loss      uint32  `json:"loss"`
	Discard   uint32  `json:"discard"`
	MosLQ     float64 `json:"mos_lq"`
}

// RTPStatsReport структурированная RTP статистика вызова
type RTPStatsReport struct {
	RTT float64      `json:"rtt"`
	Tx  RTPLegReport `json:"Tx"`
	Rx  RTPLegReport `json:"Rx"`
}

// Test единица оценки pass/fail: одна попытка вызова или регистрации.
//
// Конфигурационные поля (Label, ожидания, политика ответа) заполняются до
// того, как тест становится виден движку, и дальше не меняются. Наблюдаемые
// поля мутируются обработчиками уведомлений и супервизором конкурентно,
// поэтому доступ к ним — только через методы под мьютексом.
type Test struct {
	config *Config

	// Конфигурация, неизменна после старта операции
	Type              string
	Label             string
	LocalUser         string
	RemoteUser        string
	From              string
	To                string
	ExpectedCauseCode int
	ExpectedDuration  int // секунды, 0 = не проверяется
	MaxDuration       int
	MaxCallingDuration int
	HangupDuration    int
	RingDuration      int
	WaitState         engine.CallState
	MinMOS            float64
	Play              string
	PlayDTMF          string
	Recording         bool
	RTPStats          bool
	AnswerCode        int
	AnswerReason      string

	mu  sync.Mutex
	fsm *fsm.FSM

	startTime time.Time
	endTime   time.Time

	// Наблюдаемый исход
	resultCauseCode int
	reason          string
	connectDuration int
	setupDuration   int
	callID          int
	sipCallID       string
	transport       string
	peerSocket      string
	dtmfRecv        string
	recordFile      string

	mos         float64
	mosMeasured bool

	rtpStatsReady  bool
	rtpStatsReport *RTPStatsReport

	// Guard-флаги финализации
	queued   bool
	reported bool
}

// NewTest создает тест указанного типа в состоянии RUN
func NewTest(config *Config, testType string) *Test {
	t := &Test{
		config:            config,
		Type:              testType,
		Label:             "-",
		ExpectedCauseCode: -1,
		resultCauseCode:   -1,
		startTime:         time.Now(),
	}
	t.fsm = fsm.NewFSM(
		string(TestStateRun),
		fsm.Events{
			{Name: testEventHold, Src: []string{string(TestStateRun)}, Dst: string(TestStateRunWait)},
			{Name: testEventRelease, Src: []string{string(TestStateRunWait)}, Dst: string(TestStateRun)},
			{Name: testEventFinish, Src: []string{string(TestStateRun), string(TestStateRunWait)}, Dst: string(TestStateDone)},
		},
		fsm.Callbacks{},
	)
	config.metrics.testStarted(testType)
	config.log.Debug("создан новый тест", String("type", testType))
	return t
}

// State текущее состояние теста
func (t *Test) State() TestState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TestState(t.fsm.Current())
}

// Hold переводит тест в RUN_WAIT: сценарий будет ждать порога wait_until
func (t *Test) Hold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.fsm.Event(context.Background(), testEventHold)
}

// ReachedState отпускает RUN_WAIT, если диалог достиг порогового состояния
func (t *Test) ReachedState(state engine.CallState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.WaitState == engine.StateNull {
		return
	}
	if TestState(t.fsm.Current()) != TestStateRunWait {
		return
	}
	if state >= t.WaitState {
		_ = t.fsm.Event(context.Background(), testEventRelease)
	}
}

// RecordCallInfo фиксирует идентификаторы и транспорт диалога
func (t *Test) RecordCallInfo(ci engine.CallInfo, callID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callID = callID
	if ci.CallID != "" {
		t.sipCallID = ci.CallID
	}
	if ci.Transport != "" {
		t.transport = ci.Transport
	}
	if ci.PeerSocket != "" {
		t.peerSocket = ci.PeerSocket
	}
}

// RecordOutcome фиксирует наблюдаемый исход из снимка диалога
func (t *Test) RecordOutcome(ci engine.CallInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectDuration = int(ci.ConnectDuration / time.Second)
	t.setupDuration = int((ci.TotalDuration - ci.ConnectDuration) / time.Second)
	t.resultCauseCode = ci.LastStatusCode
	t.reason = ci.LastReason
}

// RecordRegistration фиксирует исход регистрации
func (t *Test) RecordRegistration(info engine.RegInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resultCauseCode = info.Code
	t.reason = info.Reason
	if info.Transport != "" {
		t.transport = info.Transport
	}
}

// AppendDTMF добавляет принятую цифру в аккумулятор, сохраняя порядок
func (t *Test) AppendDTMF(digit byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dtmfRecv += string(digit)
}

// DTMFRecv принятая последовательность DTMF
func (t *Test) DTMFRecv() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dtmfRecv
}

// SetMOS сохраняет измеренную оценку качества
func (t *Test) SetMOS(mos float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mos = mos
	t.mosMeasured = true
}

// MOS измеренная оценка качества и флаг её наличия
func (t *Test) MOS() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mos, t.mosMeasured
}

// SetRecordFile запоминает файл записи вызова
func (t *Test) SetRecordFile(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordFile = path
}

// RecordFile файл записи вызова, пустая строка если записи не было
func (t *Test) RecordFile() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordFile
}

// SetRTPStats сохраняет итоговую RTP статистику и снимает блокировку
// финализации (супервизор дренирует тест на следующем тике)
func (t *Test) SetRTPStats(report *RTPStatsReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtpStatsReport = report
	t.rtpStatsReady = true
}

// RTPStatsReady сообщает, готова ли RTP статистика
func (t *Test) RTPStatsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rtpStatsReady
}

// SIPCallID идентификатор Call-ID диалога
func (t *Test) SIPCallID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sipCallID
}

// ConnectDuration наблюдаемая длительность соединения в секундах
func (t *Test) ConnectDuration() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectDuration
}

// CauseCode наблюдаемый итоговый код
func (t *Test) CauseCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resultCauseCode
}

// Reason наблюдаемая причина последнего ответа
func (t *Test) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// UpdateResult финализирует тест: фиксирует время окончания, переводит в
// DONE и записывает одну строку результата.
//
// Идемпотентна: строка результата пишется не более одного раза. Возвращает
// управление без записи, если требуемый MOS ещё не измерен, либо если
// запрошенная RTP статистика не готова — в последнем случае тест однократно
// (флаг queued) ставится в очередь дренажа супервизора.
func (t *Test) UpdateResult() {
	t.mu.Lock()

	if t.reported {
		t.mu.Unlock()
		return
	}

	if t.endTime.IsZero() {
		t.endTime = time.Now()
	}
	_ = t.fsm.Event(context.Background(), testEventFinish)

	if t.MinMOS > 0 && !t.mosMeasured {
		t.mu.Unlock()
		return
	}

	if t.RTPStats && !t.rtpStatsReady {
		if t.queued {
			t.mu.Unlock()
			return
		}
		t.queued = true
		t.mu.Unlock()
		t.config.queuePendingRTPStats(t)
		return
	}

	t.reported = true

	// Решение pass/fail: точная длительность, потом потолок,
	// потом код причины вместе с порогом MOS
	result := "FAIL"
	success := false
	switch {
	case t.ExpectedDuration != 0 && t.ExpectedDuration != t.connectDuration:
	case t.MaxDuration != 0 && t.connectDuration > t.MaxDuration:
	case t.ExpectedCauseCode == t.resultCauseCode && t.mos >= t.MinMOS:
		result = "PASS"
		success = true
	}

	rec := resultRecord{
		Label:             t.Label,
		Start:             t.startTime.Format(timeLayout),
		End:               t.endTime.Format(timeLayout),
		Action:            t.Type,
		From:              t.LocalUser,
		To:                t.RemoteUser,
		Result:            result,
		ExpectedCauseCode: t.ExpectedCauseCode,
		CauseCode:         t.resultCauseCode,
		Reason:            t.reason,
		CallID:            t.sipCallID,
		Transport:         t.transport,
		PeerSocket:        t.peerSocket,
		Duration:          t.connectDuration,
		ExpectedDuration:  t.ExpectedDuration,
		MaxDuration:       t.MaxDuration,
		HangupDuration:    t.HangupDuration,
		DTMFRecv:          t.dtmfRecv,
	}
	if t.RTPStats && t.rtpStatsReady {
		rec.RTPStats = t.rtpStatsReport
	}
	row := reportRow{
		record:       rec,
		success:      success,
		engineCallID: t.callID,
	}
	t.mu.Unlock()

	t.config.metrics.testFinished(rec.Action, result)
	t.config.appendResult(rec, row)
}
