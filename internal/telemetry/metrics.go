package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/replayflow/pkg/api"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// PrometheusObserver exports engine and worker events as Prometheus
// metrics. It implements api.Observer.
type PrometheusObserver struct {
	InstancesStarted  *prometheus.CounterVec
	InstancesFinished *prometheus.CounterVec
	ReplayPasses      *prometheus.CounterVec
	ReplayDuration    *prometheus.HistogramVec
	ScheduledWork     *prometheus.CounterVec
	ActivityAttempts  *prometheus.CounterVec
	ActivityDuration  *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the metric instruments and registers them
// with reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	f := promauto.With(reg)
	return &PrometheusObserver{
		InstancesStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replayflow_instances_started_total",
			Help: "Orchestration instances started.",
		}, []string{"orchestrator"}),
		InstancesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replayflow_instances_finished_total",
			Help: "Orchestration instances that reached a terminal status.",
		}, []string{"orchestrator", "status"}),
		ReplayPasses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replayflow_replay_passes_total",
			Help: "Replay passes run by the scheduler.",
		}, []string{"orchestrator"}),
		ReplayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replayflow_replay_pass_duration_seconds",
			Help:    "Duration of replay passes in seconds.",
			Buckets: durationBuckets,
		}, []string{"orchestrator"}),
		ScheduledWork: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replayflow_scheduled_work_total",
			Help: "Activities and timers scheduled by replay passes.",
		}, []string{"orchestrator"}),
		ActivityAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replayflow_activity_attempts_total",
			Help: "Activity attempts by outcome.",
		}, []string{"activity", "outcome"}),
		ActivityDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replayflow_activity_duration_seconds",
			Help:    "Duration of activity attempts in seconds.",
			Buckets: durationBuckets,
		}, []string{"activity"}),
	}
}

func (o *PrometheusObserver) OnInstanceStarted(ctx context.Context, inst *api.Instance) {
	o.InstancesStarted.WithLabelValues(inst.Name).Inc()
}

func (o *PrometheusObserver) OnInstanceCompleted(ctx context.Context, inst *api.Instance) {
	o.InstancesFinished.WithLabelValues(inst.Name, string(api.StatusCompleted)).Inc()
}

func (o *PrometheusObserver) OnInstanceFailed(ctx context.Context, inst *api.Instance, err error) {
	o.InstancesFinished.WithLabelValues(inst.Name, string(api.StatusFailed)).Inc()
}

func (o *PrometheusObserver) OnInstanceTerminated(ctx context.Context, inst *api.Instance, reason string) {
	o.InstancesFinished.WithLabelValues(inst.Name, string(api.StatusTerminated)).Inc()
}

func (o *PrometheusObserver) OnReplayPass(ctx context.Context, inst *api.Instance, scheduled int, d time.Duration) {
	o.ReplayPasses.WithLabelValues(inst.Name).Inc()
	o.ReplayDuration.WithLabelValues(inst.Name).Observe(d.Seconds())
	if scheduled > 0 {
		o.ScheduledWork.WithLabelValues(inst.Name).Add(float64(scheduled))
	}
}

func (o *PrometheusObserver) OnActivityStart(ctx context.Context, task api.ActivityTask, attempt int) {}

func (o *PrometheusObserver) OnActivityCompleted(ctx context.Context, task api.ActivityTask, attempt int, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.ActivityAttempts.WithLabelValues(task.Name, outcome).Inc()
	o.ActivityDuration.WithLabelValues(task.Name).Observe(d.Seconds())
}
