package patrol

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/voip_patrol/pkg/engine"
)

// TestCall вызов реестра: обёртка над вызовом движка, несущая тест и
// реализующая обработчик его событий. Снимки состояния диалога приходят
// из горутин движка, супервизор опрашивает вызов из своей — поэтому
// доступ к изменяемым полям только под мьютексом.
type TestCall struct {
	config *Config
	acc    *TestAccount

	mu   sync.Mutex
	call engine.Call
	test *Test
	rtt  float64
}

func newTestCall(config *Config, acc *TestAccount, call engine.Call) *TestCall {
	return &TestCall{config: config, acc: acc, call: call}
}

// bind привязывает вызов движка (исходящая сторона: MakeCall возвращает
// вызов уже после установки обработчика)
func (c *TestCall) bind(call engine.Call) {
	c.mu.Lock()
	c.call = call
	c.mu.Unlock()
}

func (c *TestCall) engineCall() engine.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call
}

// ID идентификатор вызова в движке, -1 до привязки
func (c *TestCall) ID() int {
	call := c.engineCall()
	if call == nil {
		return -1
	}
	return call.ID()
}

// Info снимок состояния диалога
func (c *TestCall) Info() engine.CallInfo {
	call := c.engineCall()
	if call == nil {
		return engine.CallInfo{State: engine.StateNull}
	}
	return call.Info()
}

// setTest привязывает тест к вызову
func (c *TestCall) setTest(t *Test) {
	c.mu.Lock()
	c.test = t
	c.mu.Unlock()
}

// Test тест вызова, nil если не привязан
func (c *TestCall) Test() *Test {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.test
}

// Answer отвечает на вызов указанным кодом
func (c *TestCall) Answer(code int, reason string) error {
	call := c.engineCall()
	if call == nil {
		return nil
	}
	return call.Answer(code, reason)
}

// Hangup завершает вызов. Ошибка отсутствия транзакции (гонка с уже
// идущим завершением) не считается сбоем.
func (c *TestCall) Hangup() error {
	call := c.engineCall()
	if call == nil {
		return nil
	}
	err := call.Hangup()
	if errors.Is(err, engine.ErrNoSuchTransaction) {
		c.config.log.Debug("hangup проиграл гонку завершения", Int("call", call.ID()))
		return nil
	}
	return err
}

func (c *TestCall) addRTT(rtt float64) {
	c.mu.Lock()
	c.rtt = rtt
	c.mu.Unlock()
}

// OnCallState уведомление движка об изменении состояния диалога
func (c *TestCall) OnCallState(ci engine.CallInfo) {
	t := c.Test()
	if t == nil {
		return
	}

	c.config.log.Debug("состояние вызова",
		Int("call", c.ID()),
		String("state", ci.State.String()),
		Int("code", ci.LastStatusCode),
		String("callid", ci.CallID),
	)

	t.RecordCallInfo(ci, c.ID())
	t.ReachedState(ci.State)

	switch ci.State {
	case engine.StateConfirmed:
		t.RecordOutcome(ci)
		c.startMedia(t)
		if t.HangupDuration > 0 && int(ci.ConnectDuration/time.Second) >= t.HangupDuration {
			if err := c.Hangup(); err != nil {
				c.config.log.Error("не удалось завершить вызов", Err(err), Int("call", c.ID()))
			}
			t.UpdateResult()
		}
	case engine.StateDisconnected:
		t.RecordOutcome(ci)
		c.stopMedia(t)
		t.UpdateResult()
	}
}

// startMedia запускает медиа-сторону подтверждённого вызова: DTMF,
// проигрывание и, при заданном пороге MOS, запись принимаемого потока
func (c *TestCall) startMedia(t *Test) {
	call := c.engineCall()
	if call == nil {
		return
	}

	if t.PlayDTMF != "" {
		if err := call.DialDTMF(t.PlayDTMF); err != nil {
			c.config.log.Error("не удалось отправить DTMF", Err(err), Int("call", c.ID()))
		}
	}

	play := t.Play
	if play == "" {
		play = c.config.PlaybackFile
	}
	if err := call.StartPlayback(play); err != nil {
		c.config.log.Error("не удалось запустить проигрывание",
			Err(NewMediaError("PLAYBACK_START", "проигрывание не запущено", err)),
			Int("call", c.ID()), String("file", play))
	}

	if (t.MinMOS > 0 || t.Recording) && t.RecordFile() == "" {
		path := recordFilePath(t)
		if err := call.StartRecording(path); err != nil {
			c.config.log.Error("не удалось запустить запись",
				Err(NewMediaError("RECORDING_START", "запись не запущена", err)),
				Int("call", c.ID()), String("file", path))
		} else {
			t.SetRecordFile(path)
		}
	}
}

// stopMedia освобождает медиа-ресурсы и, если тест требует порог MOS,
// оценивает качество по записанному файлу
func (c *TestCall) stopMedia(t *Test) {
	call := c.engineCall()
	if call != nil {
		call.StopMedia()
	}

	if t.MinMOS <= 0 {
		return
	}
	recorded := t.RecordFile()
	if recorded == "" || c.config.Scorer == nil {
		return
	}
	mos, err := c.config.Scorer(c.config.MOSReferenceFile, recorded)
	if err != nil {
		c.config.log.Error("оценка качества не удалась", Err(err), String("file", recorded))
		return
	}
	t.SetMOS(mos)
	c.config.log.Info("оценка качества", Int("call", c.ID()), Float("mos", mos))
}

// OnDTMFDigit уведомление движка о принятой DTMF цифре
func (c *TestCall) OnDTMFDigit(digit byte) {
	t := c.Test()
	if t == nil {
		return
	}
	t.AppendDTMF(digit)
	c.config.log.Debug("принята DTMF цифра", Int("call", c.ID()), String("digit", string(digit)))
}

// OnStreamCreated уведомление движка о создании медиапотока
func (c *TestCall) OnStreamCreated(index int) {
	c.config.log.Debug("создан медиапоток", Int("call", c.ID()), Int("stream", index))
}

// OnStreamDestroyed уведомление движка о разрушении медиапотока.
// Сворачивает финальные счётчики в отчёт с MOS по каждому направлению
// и помечает RTP статистику теста готовой.
func (c *TestCall) OnStreamDestroyed(stats engine.StreamStats) {
	t := c.Test()
	if t == nil {
		return
	}
	c.addRTT(stats.RTT)

	report := &RTPStatsReport{
		RTT: stats.RTT,
		Tx:  legReport(stats.Tx),
		Rx:  legReport(stats.Rx),
	}
	t.SetRTPStats(report)
	c.config.log.Debug("медиапоток разрушен",
		Int("call", c.ID()),
		Float("mos_tx", report.Tx.MosLQ),
		Float("mos_rx", report.Rx.MosLQ),
	)
}

func legReport(leg engine.StreamLegStat) RTPLegReport {
	return RTPLegReport{
		JitterAvg: leg.JitterAvg,
		JitterMax: leg.JitterMax,
		Pkt:       leg.Packets,
		Kbytes:    leg.Bytes / 1024,
		Loss:      leg.Loss,
		Discard:   leg.Discard,
		MosLQ:     LegMOS(leg.Packets, leg.Loss, leg.Discard),
	}
}

// recordFilePath путь файла записи: SIP Call-ID и удалённый пользователь,
// слэши в Call-ID заменяются, чтобы имя осталось плоским
func recordFilePath(t *Test) string {
	callID := strings.ReplaceAll(t.SIPCallID(), "/", "_")
	return fmt.Sprintf("voice_files/%s_%s_rec.wav", callID, t.RemoteUser)
}
