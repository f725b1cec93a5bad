// Package metrics はゲートウェイのPrometheusメトリクスを定義する。
//
// すべてのメソッドはnilレシーバーで呼び出しても何もしないため、
// メトリクスを必要としないテストではnilを渡せる。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatgate"

// Metrics はゲートウェイ全体のメトリクスをまとめる。
type Metrics struct {
	authFailures            *prometheus.CounterVec
	originRejections        *prometheus.CounterVec
	sessions                *prometheus.GaugeVec
	published               prometheus.Counter
	delivered               prometheus.Counter
	slowConsumerDisconnects prometheus.Counter
	idleDisconnects         prometheus.Counter
	topics                  prometheus.Gauge
}

// New はメトリクスを生成しregに登録する。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Bearer token verification failures by reason.",
		}, []string{"reason"}),
		originRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_rejections_total",
			Help:      "Requests rejected because of a forbidden Origin.",
		}, []string{"endpoint"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "sessions",
			Help:      "Currently attached broker sessions by transport.",
		}, []string{"transport"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Messages published to broker destinations.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "delivered_total",
			Help:      "Messages enqueued to subscriber outboxes.",
		}),
		slowConsumerDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "slow_consumer_disconnects_total",
			Help:      "Sessions closed because their outbox overflowed.",
		}),
		idleDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "idle_disconnects_total",
			Help:      "Sessions closed by the idle reaper.",
		}),
		topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "topics",
			Help:      "Live topic slots in the registry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.authFailures,
			m.originRejections,
			m.sessions,
			m.published,
			m.delivered,
			m.slowConsumerDisconnects,
			m.idleDisconnects,
			m.topics,
		)
	}
	return m
}

// AuthFailure は検証失敗を理由別に数える。
func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

// OriginRejected は拒否されたOriginをエンドポイント別に数える。
func (m *Metrics) OriginRejected(endpoint string) {
	if m == nil {
		return
	}
	m.originRejections.WithLabelValues(endpoint).Inc()
}

// SessionOpened は接続中セッション数を増やす。
func (m *Metrics) SessionOpened(transport string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(transport).Inc()
}

// SessionClosed は接続中セッション数を減らす。
func (m *Metrics) SessionClosed(transport string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(transport).Dec()
}

// Published は発行メッセージ数を数える。
func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.published.Inc()
}

// Delivered は配送キューへの投入数を加算する。
func (m *Metrics) Delivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.Add(float64(n))
}

// SlowConsumerDisconnect は送信キュー溢れによる切断を数える。
func (m *Metrics) SlowConsumerDisconnect() {
	if m == nil {
		return
	}
	m.slowConsumerDisconnects.Inc()
}

// IdleDisconnect は無通信による切断を数える。
func (m *Metrics) IdleDisconnect() {
	if m == nil {
		return
	}
	m.idleDisconnects.Inc()
}

// TopicsChanged はトピック数の増減を反映する。
func (m *Metrics) TopicsChanged(delta int) {
	if m == nil {
		return
	}
	m.topics.Add(float64(delta))
}
