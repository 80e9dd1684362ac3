package patrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_patrol/pkg/engine"
	"github.com/arzzra/voip_patrol/pkg/engine/enginetest"
)

// makeCall исходящий вызов в реестре поверх управляемого движка
func makeCall(t *testing.T, cfg *Config, eng *enginetest.Engine, tst *Test) (*TestCall, *enginetest.Call) {
	t.Helper()
	acc, err := cfg.CreateAccount(engine.AccountConfig{IDURI: "sip:alice@10.0.0.1"})
	require.NoError(t, err)

	tc := newTestCall(cfg, acc, nil)
	tc.setTest(tst)
	acc.addCall(tc)
	cfg.addCall(tc)

	ecall, err := acc.Account().MakeCall(context.Background(), "sip:bob@10.0.0.2", engine.CallOpts{}, tc)
	require.NoError(t, err)
	tc.bind(ecall)
	return tc, ecall.(*enginetest.Call)
}

// TestWaitBoundedNoActivity ограниченное ожидание без тестов возвращается
// в пределах бюджета, не зависая
func TestWaitBoundedNoActivity(t *testing.T) {
	cfg, _ := newTestConfig(t)
	s := NewSupervisor(cfg)

	start := time.Now()
	s.Wait(context.Background(), 100, false)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second)
}

// TestWaitZeroNoActivity нулевая длительность без тестов — немедленный возврат
func TestWaitZeroNoActivity(t *testing.T) {
	cfg, _ := newTestConfig(t)
	s := NewSupervisor(cfg)

	start := time.Now()
	s.Wait(context.Background(), 0, true)
	assert.Less(t, time.Since(start), time.Second)
}

// TestWaitBoundedBudgetExhausted исчерпание бюджета прекращает опрос даже
// при живом тесте, тест остаётся нефинализированным
func TestWaitBoundedBudgetExhausted(t *testing.T) {
	cfg, eng := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.ExpectedCauseCode = 200
	makeCall(t, cfg, eng, tst)

	s := NewSupervisor(cfg)
	start := time.Now()
	s.Wait(context.Background(), 300, true)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*time.Second)
	assert.NotEqual(t, TestStateDone, tst.State())
	assert.Equal(t, 0, cfg.ResultCount())
}

// TestWaitCompleteAll при completeAll ожидание держится до завершения теста
func TestWaitCompleteAll(t *testing.T) {
	cfg, eng := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.ExpectedCauseCode = 200
	_, ecall := makeCall(t, cfg, eng, tst)

	done := make(chan struct{})
	go func() {
		NewSupervisor(cfg).Wait(context.Background(), 0, true)
		close(done)
	}()

	// Пока вызов жив, ожидание не возвращается
	select {
	case <-done:
		t.Fatal("ожидание вернулось до завершения теста")
	case <-time.After(250 * time.Millisecond):
	}

	ecall.Confirm()
	ecall.Disconnect(200, "Normal call clearing")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("ожидание не вернулось после завершения теста")
	}
	assert.Equal(t, TestStateDone, tst.State())
	assert.Equal(t, 1, cfg.ResultCount())
	assert.Equal(t, 0, cfg.FailedCount())
}

// TestWaitContextCancel отмена контекста прерывает даже бесконечное ожидание
func TestWaitContextCancel(t *testing.T) {
	cfg, _ := newTestConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewSupervisor(cfg).Wait(ctx, WaitForever, false)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("отмена контекста не прервала ожидание")
	}
}

// TestSuperviseRingDuration супервизор отвечает на звонящий вызов после
// истечения ring_duration кодом из политики
func TestSuperviseRingDuration(t *testing.T) {
	cfg, eng := newTestConfig(t)
	tst := NewTest(cfg, "accept")
	tst.RingDuration = 2
	tst.AnswerCode = 202
	tst.AnswerReason = "Accepted"
	tc, ecall := makeCall(t, cfg, eng, tst)

	ecall.Ring(180, "Ringing")
	ecall.SetDurations(3*time.Second, 0)

	s := NewSupervisor(cfg)
	s.superviseRinging(tc, tst, tc.Info())

	info := ecall.Info()
	assert.Equal(t, engine.StateConfirmed, info.State)
	assert.Equal(t, 202, info.LastStatusCode)
	assert.Equal(t, "Accepted", info.LastReason)
}

// TestSuperviseMaxCallingDuration затянувшийся неотвеченный вызов отменяется
func TestSuperviseMaxCallingDuration(t *testing.T) {
	cfg, eng := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.ExpectedCauseCode = 487
	tst.MaxCallingDuration = 5
	tc, ecall := makeCall(t, cfg, eng, tst)

	ecall.Ring(180, "Ringing")
	ecall.SetDurations(6*time.Second, 0)

	NewSupervisor(cfg).superviseRinging(tc, tst, tc.Info())

	assert.Equal(t, engine.StateDisconnected, ecall.State())
	// Отмена доводит тест до записи результата через уведомление движка
	assert.Equal(t, TestStateDone, tst.State())
	assert.Equal(t, 0, cfg.FailedCount())
}

// TestSuperviseHangupRace поздний hangup по уже завершённой транзакции
// не считается ошибкой
func TestSuperviseHangupRace(t *testing.T) {
	cfg, eng := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tc, ecall := makeCall(t, cfg, eng, tst)

	ecall.SetHangupError(engine.ErrNoSuchTransaction)
	assert.NoError(t, tc.Hangup())
}

// TestWaitHangupDuration вызов в CONFIRMED завершается планово и
// финализируется в том же тике
func TestWaitHangupDuration(t *testing.T) {
	cfg, eng := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.ExpectedCauseCode = 200
	tst.HangupDuration = 4
	_, ecall := makeCall(t, cfg, eng, tst)

	ecall.Confirm()
	ecall.SetDurations(5*time.Second, 4500*time.Millisecond)

	NewSupervisor(cfg).Wait(context.Background(), 0, true)

	assert.Equal(t, engine.StateDisconnected, ecall.State())
	assert.Equal(t, TestStateDone, tst.State())
	assert.Equal(t, 1, cfg.ResultCount())
	assert.Equal(t, 0, cfg.FailedCount())
	assert.Equal(t, 4, tst.ConnectDuration())
}

// TestWaitDrainsPendingRTPStats супервизор дописывает тесты, чья
// статистика пришла после разрыва
func TestWaitDrainsPendingRTPStats(t *testing.T) {
	cfg, _ := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.ExpectedCauseCode = 200
	tst.RTPStats = true
	tst.RecordOutcome(engine.CallInfo{LastStatusCode: 200})

	tst.UpdateResult()
	require.Equal(t, 0, cfg.ResultCount())

	tst.SetRTPStats(&RTPStatsReport{
		RTT: 15,
		Tx:  RTPLegReport{Pkt: 250, MosLQ: 4.4},
		Rx:  RTPLegReport{Pkt: 248, Loss: 2, MosLQ: 4.3},
	})

	NewSupervisor(cfg).Wait(context.Background(), 0, true)
	assert.Equal(t, 1, cfg.ResultCount())
	assert.Equal(t, 0, cfg.FailedCount())
}
