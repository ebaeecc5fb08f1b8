// Package metrics exposes Prometheus counters for the incident coordinator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"incidentbot/pkg/logx"
)

var (
	// IncidentsCreated counts tickets opened.
	IncidentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incidentbot_incidents_created_total",
		Help: "Number of incidents created.",
	})

	// Transitions counts lifecycle events by type.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incidentbot_transitions_total",
		Help: "Number of lifecycle transitions applied, by event type.",
	}, []string{"type"})

	// RejectedOperations counts operations refused before any storage effect.
	RejectedOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incidentbot_rejected_operations_total",
		Help: "Number of operations rejected, by error kind.",
	}, []string{"kind"})

	// SchedulerTicks counts scheduler loop iterations.
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incidentbot_scheduler_ticks_total",
		Help: "Number of scheduler ticks executed.",
	})

	// NudgesSent counts unclaimed reminders posted.
	NudgesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incidentbot_nudges_sent_total",
		Help: "Number of unclaimed-incident reminders posted.",
	})

	// AutoCloses counts summary-timeout closes.
	AutoCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incidentbot_auto_closes_total",
		Help: "Number of incidents closed by summary timeout.",
	})

	// NotificationOutcomes counts queue deliveries by terminal status.
	NotificationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incidentbot_notification_outcomes_total",
		Help: "Number of queued notifications delivered or failed, by status.",
	}, []string{"status"})

	// ChatErrors counts adapter delivery failures.
	ChatErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incidentbot_chat_errors_total",
		Help: "Number of chat adapter failures.",
	})
)

// Serve runs the Prometheus endpoint on addr until the server fails. Returns
// the http.Server so callers can shut it down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger := logx.NewLogger("metrics")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server: %v", err)
		}
	}()
	return srv
}
