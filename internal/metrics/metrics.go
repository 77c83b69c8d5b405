package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EmailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sendflow_emails_sent_total",
		Help: "Emails confirmed delivered by the transport",
	})
	EmailsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sendflow_emails_failed_total",
		Help: "Delivery attempts that ended in a transport error",
	})
	EmailsDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sendflow_emails_deferred_total",
		Help: "Executions rescheduled to the next hour by the rate limiter",
	})
	JobsOrphaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sendflow_jobs_orphaned_total",
		Help: "Persisted jobs whose enqueue failed",
	})
	JobsReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sendflow_jobs_reconciled_total",
		Help: "Orphaned jobs re-enqueued by the reconciler",
	})
	DeliveryDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "sendflow_delivery_duration_seconds",
		Help: "Wall time of one delivery attempt, transport included",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sendflow_queue_depth",
		Help: "Scheduled plus in-flight tasks in the delivery queue",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
