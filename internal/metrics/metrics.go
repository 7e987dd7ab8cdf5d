// Package metrics exposes prometheus instrumentation for the B2B engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveLegs tracks the number of live call legs.
	ActiveLegs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tandem",
		Name:      "active_legs",
		Help:      "Number of call legs currently alive.",
	})

	// StatusTransitions counts call-status transitions per target status.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tandem",
		Name:      "leg_status_transitions_total",
		Help:      "Call leg status transitions by resulting status.",
	}, []string{"status"})

	// RelayedRequests counts SIP requests relayed between legs, per method.
	RelayedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tandem",
		Name:      "relayed_requests_total",
		Help:      "SIP requests relayed between legs by method.",
	}, []string{"method"})

	// RelayedReplies counts SIP replies relayed between legs, per status class.
	RelayedReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tandem",
		Name:      "relayed_replies_total",
		Help:      "SIP replies relayed between legs by status class (1xx..6xx).",
	}, []string{"class"})

	// PendingUpdates tracks the depth of the deferred session update
	// queues across all legs.
	PendingUpdates = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tandem",
		Name:      "pending_updates",
		Help:      "Session updates queued behind a busy offer/answer channel.",
	})

	// MediaSessions tracks live media controllers.
	MediaSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tandem",
		Name:      "media_sessions",
		Help:      "Number of live media controllers.",
	})

	// RelayedPackets counts RTP packets forwarded at the transport layer.
	RelayedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tandem",
		Name:      "relayed_rtp_packets_total",
		Help:      "RTP packets relayed between legs.",
	})

	// TranscodedFrames counts audio frames that went through the transcoder.
	TranscodedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tandem",
		Name:      "transcoded_frames_total",
		Help:      "Audio frames transcoded by the media processor.",
	})

	// DTMFEvents counts intercepted RFC 4733 telephone events.
	DTMFEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tandem",
		Name:      "dtmf_events_total",
		Help:      "DTMF events intercepted from relayed streams.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
