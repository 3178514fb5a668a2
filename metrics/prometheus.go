// Package metrics provides Prometheus metrics for the Highway consensus core.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the node.
type Metrics struct {
	mu sync.Mutex

	// Unit metrics
	unitsReceived  *prometheus.CounterVec // 종류별 수신 유닛 수
	unitsCreated   *prometheus.CounterVec // 종류별 생성 유닛 수
	unitsRejected  *prometheus.CounterVec // 사유별 거부 유닛 수
	malformedUnits *prometheus.CounterVec // 피어별 디코딩 실패 (패널티)
	pendingUnits   prometheus.Gauge       // 의존성 대기 중인 유닛
	fetchesTotal   *prometheus.CounterVec // 결과별 fetch 수
	equivocators   prometheus.Counter     // 발견된 이중 서명자

	// Finality metrics
	finalizedHeight     prometheus.Gauge     // 마지막 확정 블록 높이
	finalityLevel       prometheus.Histogram // 확정에 쓰인 summit 레벨
	finalityFTT         prometheus.Histogram // 확정 시 FTT (%)
	finalizationLatency prometheus.Histogram // 블록 타임스탬프부터 확정까지

	// Era / round metrics
	currentEra prometheus.Gauge
	roundExp   prometheus.Gauge

	// Execution metrics
	blockExecutionTime prometheus.Histogram // 블록 실행 시간
	executedHeight     prometheus.Gauge
	deploysTotal       prometheus.Counter // 총 실행 deploy 수
	dps                prometheus.Gauge   // 초당 deploy

	// Internal tracking
	deployCount   int64
	lastDPSUpdate time.Time
}

// NewMetrics creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{lastDPSUpdate: time.Now()}

	// Unit metrics
	m.unitsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "units_received_total",
		Help:      "Units received from peers by kind",
	}, []string{"kind"})

	m.unitsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "units_created_total",
		Help:      "Units created by this node by kind",
	}, []string{"kind"})

	m.unitsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "units_rejected_total",
		Help:      "Units rejected by reason",
	}, []string{"reason"})

	m.malformedUnits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_units_total",
		Help:      "Undecodable or invalid units by delivering peer",
	}, []string{"peer"})

	m.pendingUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_units",
		Help:      "Units waiting for missing dependencies",
	})

	m.fetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unit_fetches_total",
		Help:      "Unit fetch attempts by result",
	}, []string{"result"})

	m.equivocators = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "equivocators_total",
		Help:      "Validators found equivocating",
	})

	// Finality metrics
	m.finalizedHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "finalized_height",
		Help:      "Height of the last finalized block",
	})

	m.finalityLevel = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "finality_summit_level",
		Help:      "Summit level that finalized each block",
		Buckets:   prometheus.LinearBuckets(1, 1, 8),
	})

	m.finalityFTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "finality_ftt_percent",
		Help:      "Fault tolerance proven for each finalized block, in percent",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	m.finalizationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "finalization_latency_seconds",
		Help:      "Time from block timestamp to finalization",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~160s
	})

	// Era / round metrics
	m.currentEra = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_era",
		Help:      "Current era id",
	})

	m.roundExp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "round_exponent",
		Help:      "Round exponent of the current era's instance",
	})

	// Execution metrics
	m.blockExecutionTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "block_execution_seconds",
		Help:      "Time to execute finalized blocks in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	m.executedHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executed_height",
		Help:      "Height of the last executed block",
	})

	m.deploysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deploys_executed_total",
		Help:      "Total number of deploys executed",
	})

	m.dps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deploys_per_second",
		Help:      "Current executed deploys per second",
	})

	// Register all metrics
	reg.MustRegister(
		m.unitsReceived,
		m.unitsCreated,
		m.unitsRejected,
		m.malformedUnits,
		m.pendingUnits,
		m.fetchesTotal,
		m.equivocators,
		m.finalizedHeight,
		m.finalityLevel,
		m.finalityFTT,
		m.finalizationLatency,
		m.currentEra,
		m.roundExp,
		m.blockExecutionTime,
		m.executedHeight,
		m.deploysTotal,
		m.dps,
	)

	return m
}

// UnitReceived counts a unit accepted from a peer.
func (m *Metrics) UnitReceived(kind string) {
	m.unitsReceived.WithLabelValues(kind).Inc()
}

// UnitCreated counts a unit created by this node.
func (m *Metrics) UnitCreated(kind string) {
	m.unitsCreated.WithLabelValues(kind).Inc()
}

// UnitRejected counts a rejected unit.
func (m *Metrics) UnitRejected(reason string) {
	m.unitsRejected.WithLabelValues(reason).Inc()
}

// MalformedUnit penalises peer for an undecodable or invalid unit.
func (m *Metrics) MalformedUnit(peer string) {
	m.malformedUnits.WithLabelValues(peer).Inc()
}

// SetPendingUnits sets the number of parked units.
func (m *Metrics) SetPendingUnits(n int) {
	m.pendingUnits.Set(float64(n))
}

// FetchResult counts a unit fetch attempt.
func (m *Metrics) FetchResult(result string) {
	m.fetchesTotal.WithLabelValues(result).Inc()
}

// EquivocatorFound counts a newly detected equivocator.
func (m *Metrics) EquivocatorFound() {
	m.equivocators.Inc()
}

// BlockFinalized records a finalized block.
func (m *Metrics) BlockFinalized(height uint64, level int, fttPercent uint64, latency time.Duration) {
	m.finalizedHeight.Set(float64(height))
	m.finalityLevel.Observe(float64(level))
	m.finalityFTT.Observe(float64(fttPercent))
	if latency > 0 {
		m.finalizationLatency.Observe(latency.Seconds())
	}
}

// SetCurrentEra sets the current era.
func (m *Metrics) SetCurrentEra(era uint64) {
	m.currentEra.Set(float64(era))
}

// SetRoundExp sets the round exponent.
func (m *Metrics) SetRoundExp(exp uint8) {
	m.roundExp.Set(float64(exp))
}

// BlockExecuted records an executed block and updates the deploy rate.
func (m *Metrics) BlockExecuted(height uint64, deploys int, duration time.Duration) {
	m.blockExecutionTime.Observe(duration.Seconds())
	m.executedHeight.Set(float64(height))
	m.deploysTotal.Add(float64(deploys))

	m.mu.Lock()
	m.deployCount += int64(deploys)
	elapsed := time.Since(m.lastDPSUpdate).Seconds()
	if elapsed >= 1.0 {
		m.dps.Set(float64(m.deployCount) / elapsed)
		m.deployCount = 0
		m.lastDPSUpdate = time.Now()
	}
	m.mu.Unlock()
}
