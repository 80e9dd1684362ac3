package patrol

import (
	"context"
	"time"

	"github.com/arzzra/voip_patrol/pkg/engine"
)

// WaitForever значение длительности, при котором Wait не истекает никогда
const WaitForever = -1

const (
	activeTick = 100 * time.Millisecond
	idleTick   = 10 * time.Millisecond
)

// Supervisor поллинг-цикл прогона: на каждом тике опрашивает аккаунты и
// вызовы, применяет тайм-ауты политик (ранний ответ, отмена звонящего,
// плановое завершение) и дренирует тесты, ожидающие RTP статистику
type Supervisor struct {
	config *Config
	log    StructuredLogger
}

// NewSupervisor создает супервизор над реестром
func NewSupervisor(config *Config) *Supervisor {
	return &Supervisor{
		config: config,
		log:    config.log.WithComponent("supervisor"),
	}
}

// Wait крутит цикл супервизора, пока не выполнится условие выхода.
//
// durationMS задает режим: 0 — до завершения всех ожидаемых тестов,
// >0 — ограниченное ожидание, исчерпание бюджета прекращает опрос даже
// при живых тестах (они остаются нефинализированными), WaitForever —
// бесконечный опрос. При completeAll ожидаются все незавершённые тесты,
// иначе только тесты в RUN_WAIT и тесты регистрации. Отмена ctx
// прерывает ожидание немедленно.
func (s *Supervisor) Wait(ctx context.Context, durationMS int, completeAll bool) {
	statusUpdate := true
	bounded := durationMS > 0

	for {
		s.config.metrics.tick()
		testsRunning := 0

		for _, acc := range s.config.Accounts() {
			t := acc.Test()
			if t == nil {
				continue
			}
			if t.State() == TestStateDone {
				acc.detachTest()
				continue
			}
			testsRunning++
		}

		for _, call := range s.config.Calls() {
			t := call.Test()
			if t == nil || t.State() == TestStateDone {
				continue
			}
			ci := call.Info()

			if statusUpdate {
				s.log.Debug("активный вызов",
					Int("call", call.ID()),
					String("state", ci.State.String()),
					Duration("total", ci.TotalDuration),
					Duration("connected", ci.ConnectDuration),
				)
			}

			switch ci.State {
			case engine.StateCalling, engine.StateEarly:
				s.superviseRinging(call, t, ci)
			case engine.StateConfirmed:
				t.RecordOutcome(ci)
				if t.HangupDuration > 0 && int(ci.ConnectDuration/time.Second) >= t.HangupDuration {
					s.log.Info("плановое завершение вызова",
						Int("call", call.ID()),
						Int("hangup_duration", t.HangupDuration),
					)
					if err := call.Hangup(); err != nil {
						s.log.Error("не удалось завершить вызов", Err(err), Int("call", call.ID()))
					}
					t.UpdateResult()
				}
			}

			if completeAll || t.State() == TestStateRunWait {
				testsRunning++
			}
		}

		for _, t := range s.config.takeReadyPendingRTPStats() {
			t.UpdateResult()
		}

		if testsRunning > 0 {
			if statusUpdate {
				s.log.Info("ожидание активных тестов", Int("count", testsRunning))
				statusUpdate = false
			}
			if bounded {
				durationMS -= int(activeTick / time.Millisecond)
				if durationMS <= 0 {
					s.log.Info("бюджет ожидания исчерпан", Int("still_running", testsRunning))
					return
				}
			}
			if !sleepTick(ctx, activeTick) {
				return
			}
			continue
		}

		statusUpdate = true
		switch {
		case durationMS == WaitForever:
			if !sleepTick(ctx, idleTick) {
				return
			}
		case bounded && durationMS > 0:
			durationMS -= int(idleTick / time.Millisecond)
			if !sleepTick(ctx, idleTick) {
				return
			}
		default:
			s.log.Debug("ожидание завершено")
			return
		}
	}
}

// superviseRinging применяет политику к вызову в фазе звонка: либо
// пора отвечать (ring_duration), либо пора отменять (max_calling_duration)
func (s *Supervisor) superviseRinging(call *TestCall, t *Test, ci engine.CallInfo) {
	ringing := int(ci.TotalDuration / time.Second)

	if t.RingDuration > 0 && ringing >= t.RingDuration {
		code := t.AnswerCode
		if code == 0 {
			code = 200
		}
		s.log.Info("ответ после ring_duration",
			Int("call", call.ID()),
			Int("code", code),
			Int("ring_duration", t.RingDuration),
		)
		if err := call.Answer(code, t.AnswerReason); err != nil {
			s.log.Error("не удалось ответить на вызов", Err(err), Int("call", call.ID()))
		}
		return
	}

	if t.MaxCallingDuration > 0 && ringing >= t.MaxCallingDuration {
		s.log.Info("отмена вызова после max_calling_duration",
			Int("call", call.ID()),
			Int("max_calling_duration", t.MaxCallingDuration),
		)
		if err := call.Hangup(); err != nil {
			s.log.Error("не удалось отменить вызов", Err(err), Int("call", call.ID()))
		}
	}
}

// sleepTick спит один тик, false если контекст отменён
func sleepTick(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
