package patrol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics счётчики харнесса для мониторинга прогона.
//
// Экспортируются через prometheus Registerer; в тестах используется
// отдельный Registry, чтобы не конфликтовать с глобальным.
type Metrics struct {
	testsStarted    *prometheus.CounterVec
	testsFinished   *prometheus.CounterVec
	activeCalls     prometheus.Gauge
	supervisorTicks prometheus.Counter
}

// NewMetrics регистрирует метрики харнесса в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		testsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voip_patrol",
			Name:      "tests_started_total",
			Help:      "Количество созданных тестов по типу действия",
		}, []string{"type"}),
		testsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voip_patrol",
			Name:      "tests_finished_total",
			Help:      "Количество завершённых тестов по типу и результату",
		}, []string{"type", "result"}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "voip_patrol",
			Name:      "active_calls",
			Help:      "Текущее количество вызовов в реестре",
		}),
		supervisorTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voip_patrol",
			Name:      "supervisor_ticks_total",
			Help:      "Количество тиков цикла супервизора",
		}),
	}
}

func (m *Metrics) testStarted(testType string) {
	if m == nil {
		return
	}
	m.testsStarted.WithLabelValues(testType).Inc()
}

func (m *Metrics) testFinished(testType, result string) {
	if m == nil {
		return
	}
	m.testsFinished.WithLabelValues(testType, result).Inc()
}

func (m *Metrics) callAdded() {
	if m == nil {
		return
	}
	m.activeCalls.Inc()
}

func (m *Metrics) callRemoved() {
	if m == nil {
		return
	}
	m.activeCalls.Dec()
}

func (m *Metrics) tick() {
	if m == nil {
		return
	}
	m.supervisorTicks.Inc()
}
