package patrol

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_patrol/pkg/engine"
	"github.com/arzzra/voip_patrol/pkg/engine/enginetest"
)

// newTestConfig реестр поверх управляемого движка, без файла результатов
func newTestConfig(t *testing.T) (*Config, *enginetest.Engine) {
	t.Helper()
	eng := enginetest.New(enginetest.Config{})
	cfg := NewConfig(eng, nil, NoOpLogger{}, NewMetrics(prometheus.NewRegistry()))
	return cfg, eng
}

func TestNewTestDefaults(t *testing.T) {
	cfg, _ := newTestConfig(t)
	tst := NewTest(cfg, "call")

	assert.Equal(t, TestStateRun, tst.State())
	assert.Equal(t, "-", tst.Label)
	assert.Equal(t, -1, tst.ExpectedCauseCode)
	assert.Equal(t, -1, tst.CauseCode())
}

// TestHoldAndReachedState порог wait_until отпускает тест только при
// достижении состояния не ниже порогового
func TestHoldAndReachedState(t *testing.T) {
	cfg, _ := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.WaitState = engine.StateConfirmed
	tst.Hold()
	require.Equal(t, TestStateRunWait, tst.State())

	tst.ReachedState(engine.StateEarly)
	assert.Equal(t, TestStateRunWait, tst.State())

	tst.ReachedState(engine.StateConfirmed)
	assert.Equal(t, TestStateRun, tst.State())

	// Повторное достижение безвредно
	tst.ReachedState(engine.StateDisconnected)
	assert.Equal(t, TestStateRun, tst.State())
}

// TestUpdateResultIdempotent повторная финализация не плодит записей
func TestUpdateResultIdempotent(t *testing.T) {
	cfg, _ := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.ExpectedCauseCode = 200
	tst.RecordOutcome(engine.CallInfo{LastStatusCode: 200, LastReason: "OK"})

	tst.UpdateResult()
	tst.UpdateResult()
	tst.UpdateResult()

	assert.Equal(t, TestStateDone, tst.State())
	assert.Equal(t, 1, cfg.ResultCount())
	assert.Equal(t, 0, cfg.FailedCount())
}

// TestUpdateResultMinMOSGate финализация блокируется до измерения MOS,
// но тест уже считается завершённым
func TestUpdateResultMinMOSGate(t *testing.T) {
	cfg, _ := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.ExpectedCauseCode = 200
	tst.MinMOS = 4.0
	tst.RecordOutcome(engine.CallInfo{LastStatusCode: 200})

	tst.UpdateResult()
	assert.Equal(t, TestStateDone, tst.State())
	assert.Equal(t, 0, cfg.ResultCount())

	tst.SetMOS(4.2)
	tst.UpdateResult()
	assert.Equal(t, 1, cfg.ResultCount())
	assert.Equal(t, 0, cfg.FailedCount())
}

// TestUpdateResultMOSBelowThreshold порог MOS не пройден — FAIL
func TestUpdateResultMOSBelowThreshold(t *testing.T) {
	cfg, _ := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.ExpectedCauseCode = 200
	tst.MinMOS = 4.0
	tst.RecordOutcome(engine.CallInfo{LastStatusCode: 200})
	tst.SetMOS(2.1)

	tst.UpdateResult()
	assert.Equal(t, 1, cfg.ResultCount())
	assert.Equal(t, 1, cfg.FailedCount())
}

// TestUpdateResultRTPStatsQueue запрошенная статистика откладывает запись,
// постановка в очередь дренажа однократна
func TestUpdateResultRTPStatsQueue(t *testing.T) {
	cfg, _ := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.ExpectedCauseCode = 200
	tst.RTPStats = true
	tst.RecordOutcome(engine.CallInfo{LastStatusCode: 200})

	tst.UpdateResult()
	tst.UpdateResult()
	assert.Equal(t, 0, cfg.ResultCount())

	// Статистика ещё не готова — очередь пуста для дренажа
	assert.Empty(t, cfg.takeReadyPendingRTPStats())

	tst.SetRTPStats(&RTPStatsReport{RTT: 10, Rx: RTPLegReport{Pkt: 500, MosLQ: 4.3}})
	ready := cfg.takeReadyPendingRTPStats()
	require.Len(t, ready, 1)
	assert.Empty(t, cfg.takeReadyPendingRTPStats(), "дренаж изымает тест ровно один раз")

	ready[0].UpdateResult()
	assert.Equal(t, 1, cfg.ResultCount())
}

// TestUpdateResultDurationRules точная и предельная длительность
// перевешивают совпадение кода причины
func TestUpdateResultDurationRules(t *testing.T) {
	t.Run("expected duration mismatch", func(t *testing.T) {
		cfg, _ := newTestConfig(t)
		tst := NewTest(cfg, "call")
		tst.ExpectedCauseCode = 200
		tst.ExpectedDuration = 10
		tst.RecordOutcome(engine.CallInfo{
			LastStatusCode:  200,
			ConnectDuration: 7 * time.Second,
			TotalDuration:   9 * time.Second,
		})
		tst.UpdateResult()
		assert.Equal(t, 1, cfg.FailedCount())
	})

	t.Run("expected duration match", func(t *testing.T) {
		cfg, _ := newTestConfig(t)
		tst := NewTest(cfg, "call")
		tst.ExpectedCauseCode = 200
		tst.ExpectedDuration = 7
		tst.RecordOutcome(engine.CallInfo{
			LastStatusCode:  200,
			ConnectDuration: 7 * time.Second,
			TotalDuration:   9 * time.Second,
		})
		tst.UpdateResult()
		assert.Equal(t, 0, cfg.FailedCount())
	})

	t.Run("max duration exceeded", func(t *testing.T) {
		cfg, _ := newTestConfig(t)
		tst := NewTest(cfg, "call")
		tst.ExpectedCauseCode = 200
		tst.MaxDuration = 5
		tst.RecordOutcome(engine.CallInfo{
			LastStatusCode:  200,
			ConnectDuration: 6 * time.Second,
		})
		tst.UpdateResult()
		assert.Equal(t, 1, cfg.FailedCount())
	})

	t.Run("cause code mismatch", func(t *testing.T) {
		cfg, _ := newTestConfig(t)
		tst := NewTest(cfg, "call")
		tst.ExpectedCauseCode = 486
		tst.RecordOutcome(engine.CallInfo{LastStatusCode: 487})
		tst.UpdateResult()
		assert.Equal(t, 1, cfg.FailedCount())
	})
}

// TestRecordOutcome наблюдаемые длительности считаются в целых секундах
func TestRecordOutcome(t *testing.T) {
	cfg, _ := newTestConfig(t)
	tst := NewTest(cfg, "call")
	tst.RecordOutcome(engine.CallInfo{
		LastStatusCode:  200,
		LastReason:      "OK",
		TotalDuration:   9500 * time.Millisecond,
		ConnectDuration: 7200 * time.Millisecond,
	})

	assert.Equal(t, 7, tst.ConnectDuration())
	assert.Equal(t, 200, tst.CauseCode())
	assert.Equal(t, "OK", tst.Reason())
}

// TestAppendDTMF цифры аккумулируются в порядке прихода
func TestAppendDTMF(t *testing.T) {
	cfg, _ := newTestConfig(t)
	tst := NewTest(cfg, "call")
	for _, d := range []byte("1#9*") {
		tst.AppendDTMF(d)
	}
	assert.Equal(t, "1#9*", tst.DTMFRecv())
}
