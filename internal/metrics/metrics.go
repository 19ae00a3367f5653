package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds pipeline counters exported to Prometheus.
type Metrics struct {
	// Frame source
	FramesRead       atomic.Uint64
	ReadFailures     atomic.Uint64
	Reconnects       atomic.Uint64
	SessionsAbandon  atomic.Uint64
	FramesDropSource atomic.Uint64

	// Detection
	Passes              atomic.Uint64
	PassErrors          atomic.Uint64
	Detections          atomic.Uint64
	DistractorsFiltered atomic.Uint64
	FramesDropWorker    atomic.Uint64
	FramesDropAssoc     atomic.Uint64
	FramesDropDisplay   atomic.Uint64

	// Association and identity
	Candidates    atomic.Uint64
	Confirmations atomic.Uint64
	Escalations   atomic.Uint64
	Suppressions  atomic.Uint64
	PairErrors    atomic.Uint64

	// Outputs
	PersistWrites        atomic.Uint64
	PersistFailures      atomic.Uint64
	PersistDropped       atomic.Uint64
	NotificationsSent    atomic.Uint64
	NotificationFailures atomic.Uint64

	// Retention
	EvidenceExpired atomic.Uint64
	PeopleExpired   atomic.Uint64

	ActiveCameras atomic.Int64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"labguard_frames_read_total", "Frames read from cameras", &m.FramesRead},
		{"labguard_read_failures_total", "Failed camera reads", &m.ReadFailures},
		{"labguard_reconnects_total", "Camera reconnect attempts", &m.Reconnects},
		{"labguard_sessions_abandoned_total", "Camera sessions abandoned after max retries", &m.SessionsAbandon},
		{"labguard_frames_dropped_source_total", "Frames dropped at the camera frame queue", &m.FramesDropSource},
		{"labguard_detection_passes_total", "Detection passes run", &m.Passes},
		{"labguard_detection_pass_errors_total", "Detection passes that failed", &m.PassErrors},
		{"labguard_detections_total", "Tracked detections recorded", &m.Detections},
		{"labguard_distractors_filtered_total", "Detections discarded by the classifier filter", &m.DistractorsFiltered},
		{"labguard_frames_dropped_worker_total", "Frames dropped at worker queues", &m.FramesDropWorker},
		{"labguard_frames_dropped_associate_total", "Frames dropped at the association queue", &m.FramesDropAssoc},
		{"labguard_frames_dropped_display_total", "Frames dropped at the display queue", &m.FramesDropDisplay},
		{"labguard_association_candidates_total", "Object and pose pairs accepted by geometry checks", &m.Candidates},
		{"labguard_confirmations_total", "Tracks that passed temporal confirmation", &m.Confirmations},
		{"labguard_escalations_total", "Escalations raised", &m.Escalations},
		{"labguard_suppressions_total", "Confirmations suppressed by same-day dedup", &m.Suppressions},
		{"labguard_pair_errors_total", "Object and pose pairs skipped on error", &m.PairErrors},
		{"labguard_persist_writes_total", "Snapshots written", &m.PersistWrites},
		{"labguard_persist_failures_total", "Snapshot write failures", &m.PersistFailures},
		{"labguard_persist_dropped_total", "Snapshots dropped at a full queue", &m.PersistDropped},
		{"labguard_notifications_sent_total", "Notifications delivered to a sink", &m.NotificationsSent},
		{"labguard_notification_failures_total", "Notification sink failures", &m.NotificationFailures},
		{"labguard_evidence_expired_total", "Evidence images removed by retention", &m.EvidenceExpired},
		{"labguard_people_expired_total", "Identities removed by retention", &m.PeopleExpired},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "labguard_active_cameras",
			Help: "Cameras with a running session",
		},
		func() float64 { return float64(m.ActiveCameras.Load()) },
	))
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot returns the current counter values keyed by short name.
func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"frames_read":           m.FramesRead.Load(),
		"read_failures":         m.ReadFailures.Load(),
		"reconnects":            m.Reconnects.Load(),
		"passes":                m.Passes.Load(),
		"detections":            m.Detections.Load(),
		"candidates":            m.Candidates.Load(),
		"confirmations":         m.Confirmations.Load(),
		"escalations":           m.Escalations.Load(),
		"suppressions":          m.Suppressions.Load(),
		"persist_writes":        m.PersistWrites.Load(),
		"persist_failures":      m.PersistFailures.Load(),
		"notification_failures": m.NotificationFailures.Load(),
		"evidence_expired":      m.EvidenceExpired.Load(),
		"people_expired":        m.PeopleExpired.Load(),
	}
}
