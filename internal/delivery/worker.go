package delivery

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/shohag/fanrelay/internal/metrics"
)

// Job is one outbound delivery: the event payload for a single subscriber.
type Job struct {
	InstanceID string
	TaskID     string
	URL        string
	Payload    []byte
}

// Result is the outcome of a delivery. Transport failures are carried in Err
// rather than returned, so a worker never fails its caller.
type Result struct {
	StatusCode int
	LatencyMs  int64
	Err        string
}

func (r Result) Succeeded() bool {
	return r.Err == "" && IsSuccess(r.StatusCode)
}

type Worker struct {
	sender *Sender
	log    zerolog.Logger
}

func NewWorker(sender *Sender, log zerolog.Logger) *Worker {
	return &Worker{
		sender: sender,
		log:    log.With().Str("component", "delivery").Logger(),
	}
}

// Deliver POSTs the payload once. Non-2xx responses are logged, not treated as errors.
func (w *Worker) Deliver(ctx context.Context, job Job) Result {
	res := w.sender.Send(ctx, job.URL, job.InstanceID, job.Payload)
	out := Result{StatusCode: res.StatusCode, LatencyMs: res.LatencyMs, Err: res.Error}

	switch {
	case res.Error != "":
		w.log.Error().
			Str("instance_id", job.InstanceID).
			Str("task_id", job.TaskID).
			Str("url", job.URL).
			Str("error", res.Error).
			Int64("latency_ms", res.LatencyMs).
			Msg("webhook delivery failed")
		observe("error", res.LatencyMs)
	case IsSuccess(res.StatusCode):
		w.log.Info().
			Str("instance_id", job.InstanceID).
			Str("task_id", job.TaskID).
			Str("url", job.URL).
			Int("status_code", res.StatusCode).
			Int64("latency_ms", res.LatencyMs).
			Msg("webhook delivered")
		observe("success", res.LatencyMs)
	default:
		w.log.Warn().
			Str("instance_id", job.InstanceID).
			Str("task_id", job.TaskID).
			Str("url", job.URL).
			Int("status_code", res.StatusCode).
			Str("response", res.ResponseBody).
			Int64("latency_ms", res.LatencyMs).
			Msg("webhook responded with non-success status")
		observe("non_2xx", res.LatencyMs)
	}
	return out
}

func observe(outcome string, latencyMs int64) {
	metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	metrics.WebhookLatency.WithLabelValues(outcome).Observe(float64(latencyMs))
}
