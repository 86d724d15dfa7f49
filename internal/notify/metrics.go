package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmanager_notifications_enqueued_total",
			Help: "Notification jobs written to the queue",
		},
		[]string{"action"},
	)
	JobsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmanager_notifications_delivered_total",
			Help: "Notification emails handed to the mail sender",
		},
		[]string{"action"},
	)
	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmanager_notifications_failed_total",
			Help: "Notification jobs that ended in failure",
		},
		[]string{"action", "reason"},
	)
	RemindersScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmanager_reminders_scheduled_total",
			Help: "Due-date reminder jobs enqueued by the scheduler",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsDelivered)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(RemindersScheduled)
}
