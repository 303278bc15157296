package bba

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meta-node-blockchain/meta-bba/pkg/binaryagreement"
)

// Metrics are the Prometheus collectors of a Process. A nil *Metrics records nothing.
type Metrics struct {
	decisions        *prometheus.CounterVec
	decisionEpochs   prometheus.Histogram
	faults           *prometheus.CounterVec
	activeAgreements prometheus.Gauge
	activeBroadcasts prometheus.Gauge
	coinRequests     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bba_decisions_total",
			Help: "Agreements decided, by decided bit.",
		}, []string{"value"}),
		decisionEpochs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bba_decision_epochs",
			Help:    "Epoch at which agreements decided.",
			Buckets: []float64{2, 4, 6, 8, 12, 16, 24, 32},
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bba_faults_total",
			Help: "Rejected messages, by fault kind.",
		}, []string{"kind"}),
		activeAgreements: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bba_active_agreements",
			Help: "Agreements that have not terminated.",
		}),
		activeBroadcasts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bba_active_broadcasts",
			Help: "Binary broadcast instances held in memory.",
		}),
		coinRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bba_coin_requests_total",
			Help: "Common coin requests issued.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.decisions, m.decisionEpochs, m.faults, m.activeAgreements, m.activeBroadcasts, m.coinRequests,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) decided(value bool, epoch uint64) {
	if m == nil {
		return
	}
	label := "false"
	if value {
		label = "true"
	}
	m.decisions.WithLabelValues(label).Inc()
	m.decisionEpochs.Observe(float64(epoch))
}

func (m *Metrics) fault(kind binaryagreement.FaultKind) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) coinRequested() {
	if m == nil {
		return
	}
	m.coinRequests.Inc()
}

func (m *Metrics) active(agreements, broadcasts int) {
	if m == nil {
		return
	}
	m.activeAgreements.Set(float64(agreements))
	m.activeBroadcasts.Set(float64(broadcasts))
}
