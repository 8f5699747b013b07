package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports one Transport's counters as
// Prometheus metrics, grounded on the Describe/Collect pattern used for
// per-connection stats elsewhere in the ecosystem.
type MetricsCollector struct {
	t *Transport

	segmentsSent     *prometheus.Desc
	segmentsReceived *prometheus.Desc
	nacksSent        *prometheus.Desc
	nacksReceived    *prometheus.Desc
	duplicatesSent   *prometheus.Desc
	decryptFailures  *prometheus.Desc
	malformedDrops   *prometheus.Desc
	streamResetsSent *prometheus.Desc
	streamResetsRX   *prometheus.Desc
	framesAssembled  *prometheus.Desc
	bufferFullDrops  *prometheus.Desc
	rttMS            *prometheus.Desc
	bitrateBPS       *prometheus.Desc
}

// NewMetricsCollector wraps t for registration with a prometheus.Registry.
func NewMetricsCollector(t *Transport, constLabels prometheus.Labels) *MetricsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("relay_transport_"+name, help, nil, constLabels)
	}
	return &MetricsCollector{
		t:                t,
		segmentsSent:     desc("segments_sent_total", "Segments transmitted, including retransmits."),
		segmentsReceived: desc("segments_received_total", "Segments accepted by a ring buffer."),
		nacksSent:        desc("nacks_sent_total", "NACK/BITARRAY_NACK requests sent."),
		nacksReceived:    desc("nacks_received_total", "NACK/BITARRAY_NACK requests received."),
		duplicatesSent:   desc("duplicates_sent_total", "Proactive duplicate segments sent."),
		decryptFailures:  desc("decrypt_failures_total", "Datagrams dropped for failing AEAD authentication."),
		malformedDrops:   desc("malformed_drops_total", "Datagrams dropped for failing to parse."),
		streamResetsSent: desc("stream_resets_sent_total", "STREAM_RESET packets sent."),
		streamResetsRX:   desc("stream_resets_received_total", "STREAM_RESET packets received."),
		framesAssembled:  desc("frames_assembled_total", "Frames fully reassembled by a ring buffer."),
		bufferFullDrops:  desc("buffer_full_drops_total", "Segments dropped after exhausting send retries."),
		rttMS:            desc("rtt_milliseconds", "Current smoothed round-trip estimate."),
		bitrateBPS:       desc("target_bitrate_bps", "Current congestion-controller target bitrate."),
	}
}

func (m *MetricsCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- m.segmentsSent
	descs <- m.segmentsReceived
	descs <- m.nacksSent
	descs <- m.nacksReceived
	descs <- m.duplicatesSent
	descs <- m.decryptFailures
	descs <- m.malformedDrops
	descs <- m.streamResetsSent
	descs <- m.streamResetsRX
	descs <- m.framesAssembled
	descs <- m.bufferFullDrops
	descs <- m.rttMS
	descs <- m.bitrateBPS
}

func (m *MetricsCollector) Collect(metrics chan<- prometheus.Metric) {
	c := m.t.s.counters.snapshot()

	metrics <- prometheus.MustNewConstMetric(m.segmentsSent, prometheus.CounterValue, float64(c.segmentsSent))
	metrics <- prometheus.MustNewConstMetric(m.segmentsReceived, prometheus.CounterValue, float64(c.segmentsReceived))
	metrics <- prometheus.MustNewConstMetric(m.nacksSent, prometheus.CounterValue, float64(c.nacksSent))
	metrics <- prometheus.MustNewConstMetric(m.nacksReceived, prometheus.CounterValue, float64(c.nacksReceived))
	metrics <- prometheus.MustNewConstMetric(m.duplicatesSent, prometheus.CounterValue, float64(c.duplicatesSent))
	metrics <- prometheus.MustNewConstMetric(m.decryptFailures, prometheus.CounterValue, float64(c.decryptFailures))
	metrics <- prometheus.MustNewConstMetric(m.malformedDrops, prometheus.CounterValue, float64(c.malformedDrops))
	metrics <- prometheus.MustNewConstMetric(m.streamResetsSent, prometheus.CounterValue, float64(c.streamResetsSent))
	metrics <- prometheus.MustNewConstMetric(m.streamResetsRX, prometheus.CounterValue, float64(c.streamResetsRX))
	metrics <- prometheus.MustNewConstMetric(m.framesAssembled, prometheus.CounterValue, float64(c.framesAssembled))
	metrics <- prometheus.MustNewConstMetric(m.bufferFullDrops, prometheus.CounterValue, float64(c.bufferFullDrops))

	metrics <- prometheus.MustNewConstMetric(m.rttMS, prometheus.GaugeValue, m.t.RTTMilliseconds())
	settings := m.t.CurrentNetworkSettings()
	metrics <- prometheus.MustNewConstMetric(m.bitrateBPS, prometheus.GaugeValue, float64(settings.BitrateBPS))
}

var _ prometheus.Collector = (*MetricsCollector)(nil)
