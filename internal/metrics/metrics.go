// Package metrics はリマインダー配信とリアルタイム接続のPrometheusメトリクスを定義する。
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "remind"

// 配信結果のラベル値。
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
	ResultAborted = "aborted"
)

// Metrics は各コンポーネントが更新するコレクタの集合。
// nilレシーバの呼び出しは何もしない。
type Metrics struct {
	dispatches      *prometheus.CounterVec
	tickDuration    prometheus.Histogram
	tickReminders   prometheus.Counter
	liveConnections prometheus.Gauge
	ticketsIssued   prometheus.Counter
	ticketsRejected prometheus.Counter
}

// New はコレクタを生成し、regに登録する。
// 既に同名のコレクタが登録されている場合はそれを再利用する。
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Reminder dispatch attempts by channel type and result.",
		}, []string{"type", "result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Wall time of one scheduler tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		tickReminders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_due_reminders_total",
			Help:      "Due reminders picked up by scheduler ticks.",
		}),
		liveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Open realtime streams on this instance.",
		}),
		ticketsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_tickets_issued_total",
			Help:      "Connect tickets issued.",
		}),
		ticketsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_tickets_rejected_total",
			Help:      "Stream opens rejected for an unknown or expired ticket.",
		}),
	}

	if err := register(reg, &m.dispatches); err != nil {
		return nil, err
	}
	if err := register(reg, &m.tickDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &m.tickReminders); err != nil {
		return nil, err
	}
	if err := register(reg, &m.liveConnections); err != nil {
		return nil, err
	}
	if err := register(reg, &m.ticketsIssued); err != nil {
		return nil, err
	}
	if err := register(reg, &m.ticketsRejected); err != nil {
		return nil, err
	}
	return m, nil
}

// MustNew は New と同じだが、登録に失敗した場合はpanicする。
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				*c = existing
				return nil
			}
		}
		return fmt.Errorf("メトリクスの登録に失敗: %w", err)
	}
	return nil
}

// Dispatched は1件の配信結果を記録する。
func (m *Metrics) Dispatched(typ, result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(typ, result).Inc()
}

// TickObserved はスケジューラ1回分の所要時間と対象件数を記録する。
func (m *Metrics) TickObserved(d time.Duration, due int) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
	m.tickReminders.Add(float64(due))
}

// ConnectionOpened は接続数を1増やす。
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.liveConnections.Inc()
}

// ConnectionClosed は接続数を1減らす。
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.liveConnections.Dec()
}

// TicketIssued は接続チケットの発行を記録する。
func (m *Metrics) TicketIssued() {
	if m == nil {
		return
	}
	m.ticketsIssued.Inc()
}

// TicketRejected は無効なチケットによる接続拒否を記録する。
func (m *Metrics) TicketRejected() {
	if m == nil {
		return
	}
	m.ticketsRejected.Inc()
}
