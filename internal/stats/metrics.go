package stats

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "imsd"

// Metrics exposes a Collector to Prometheus. Every scrape reads a fresh
// snapshot, so the Collector stays the single source of truth.
type Metrics struct {
	collector *Collector

	messages    *prometheus.Desc
	indications *prometheus.Desc
	peers       *prometheus.Desc
	bringup     *prometheus.Desc
	uptime      *prometheus.Desc
}

// NewMetrics wraps collector for registration with a prometheus.Registerer.
func NewMetrics(collector *Collector) *Metrics {
	return &Metrics{
		collector: collector,
		messages: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "messages_total"),
			"Messages by name and outcome, covering DCM traffic and baseband requests.",
			[]string{"message", "outcome"}, nil,
		),
		indications: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "dcm", "indications_total"),
			"Address indications sent to DCM peers.",
			[]string{"result"}, nil,
		),
		peers: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "dcm", "peers_seen_total"),
			"Distinct DCM peer addresses seen.",
			nil, nil,
		),
		bringup: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "wds", "bringup_events_total"),
			"WDS bring-up events per SIM slot.",
			[]string{"slot", "event"}, nil,
		),
		uptime: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "uptime_seconds"),
			"Seconds since the collector was created.",
			[]string{"run_id"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.messages
	ch <- m.indications
	ch <- m.peers
	ch <- m.bringup
	ch <- m.uptime
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	snap := m.collector.Snapshot()

	for msg, s := range snap.MessageStats {
		for outcome, v := range map[string]uint64{
			"sent":     s.Sent,
			"received": s.Received,
			"success":  s.Success,
			"failed":   s.Failed,
			"timeout":  s.Timeout,
			"ignored":  s.Ignored,
		} {
			if v == 0 {
				continue
			}
			ch <- prometheus.MustNewConstMetric(m.messages, prometheus.CounterValue, float64(v), msg, outcome)
		}
	}

	ch <- prometheus.MustNewConstMetric(m.indications, prometheus.CounterValue, float64(snap.IndicationsSent), "delivered")
	ch <- prometheus.MustNewConstMetric(m.indications, prometheus.CounterValue, float64(snap.IndicationsFailed), "failed")
	ch <- prometheus.MustNewConstMetric(m.peers, prometheus.CounterValue, float64(snap.PeersSeen))

	for slot, s := range snap.Slots {
		label := strconv.FormatUint(uint64(slot), 10)
		ch <- prometheus.MustNewConstMetric(m.bringup, prometheus.CounterValue, float64(s.Attempts), label, "attempt")
		ch <- prometheus.MustNewConstMetric(m.bringup, prometheus.CounterValue, float64(s.StepRetries), label, "retry")
		ch <- prometheus.MustNewConstMetric(m.bringup, prometheus.CounterValue, float64(s.Retreats), label, "retreat")
		ch <- prometheus.MustNewConstMetric(m.bringup, prometheus.CounterValue, float64(s.Finished), label, "finished")
		ch <- prometheus.MustNewConstMetric(m.bringup, prometheus.CounterValue, float64(s.GaveUp), label, "gave_up")
	}

	ch <- prometheus.MustNewConstMetric(m.uptime, prometheus.GaugeValue, time.Since(snap.StartTime).Seconds(), snap.RunID)
}
