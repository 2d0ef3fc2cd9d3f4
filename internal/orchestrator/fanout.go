package orchestrator

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/shohag/fanrelay/internal/delivery"
	"github.com/shohag/fanrelay/internal/models"
)

// run executes one attempt of an instance. Tasks already done in the journal
// are skipped, so a resumed instance never re-delivers them.
func (e *Engine) run(ctx context.Context, inst *models.Instance, log zerolog.Logger) error {
	tasks, err := e.plan(ctx, inst, log)
	if err != nil {
		return err
	}

	var pending []models.Task
	for _, t := range tasks {
		if !t.Done() {
			pending = append(pending, t)
		}
	}
	if len(pending) < len(tasks) {
		log.Info().Int("done", len(tasks)-len(pending)).Int("pending", len(pending)).Msg("resuming instance")
	}
	if len(pending) == 0 {
		return nil
	}

	p := pool.New().WithErrors().WithContext(ctx)
	if e.maxParallel > 0 {
		p = p.WithMaxGoroutines(e.maxParallel)
	}
	for i := range pending {
		task := pending[i]
		p.Go(func(ctx context.Context) error {
			res := isolate(func() delivery.Result {
				return e.deliverer.Deliver(ctx, delivery.Job{
					InstanceID: inst.ID,
					TaskID:     task.ID,
					URL:        task.URL,
					Payload:    inst.Input,
				})
			})
			return e.record(ctx, &task, res)
		})
	}
	// Every task runs to completion; delivery failures are outcomes, only
	// journal writes can fail the attempt.
	return p.Wait()
}

// plan returns the task set of the instance, taking the snapshot of active
// subscriptions on the first attempt.
func (e *Engine) plan(ctx context.Context, inst *models.Instance, log zerolog.Logger) ([]models.Task, error) {
	if !inst.SnapshotTaken {
		subs, err := e.subs.ListSubscriptions(ctx)
		if err != nil {
			return nil, fmt.Errorf("read subscriptions: %w", err)
		}

		empty := len(bytes.TrimSpace(inst.Input)) == 0
		now := e.now()
		tasks := make([]models.Task, 0, len(subs))
		for _, sub := range subs {
			if !sub.IsActive {
				continue
			}
			if empty {
				log.Warn().Str("subscription_id", sub.ID).Str("url", sub.URL).Msg("payload is empty, skipping subscription")
				continue
			}
			tasks = append(tasks, models.Task{
				ID:             models.NewID("tsk"),
				InstanceID:     inst.ID,
				SubscriptionID: sub.ID,
				URL:            sub.URL,
				Position:       len(tasks),
				Status:         models.TaskPending,
				CreatedAt:      now,
			})
		}

		if err := e.journal.RecordSnapshot(ctx, inst.ID, tasks); err != nil {
			return nil, fmt.Errorf("record snapshot: %w", err)
		}
		log.Info().Int("subscribers", len(tasks)).Msg("snapshot recorded")
	}

	// Read back from the journal: a concurrent engine may have won the snapshot.
	tasks, err := e.journal.ListTasks(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return tasks, nil
}

func (e *Engine) record(ctx context.Context, task *models.Task, res delivery.Result) error {
	done := e.now()
	task.StatusCode = res.StatusCode
	task.Error = res.Err
	task.CompletedAt = &done
	task.Status = models.TaskFailed
	if res.Succeeded() {
		task.Status = models.TaskDelivered
	}
	if err := e.journal.CompleteTask(ctx, task); err != nil {
		return fmt.Errorf("record task %s: %w", task.ID, err)
	}
	return nil
}

// isolate runs one delivery, turning a panic into a failed result.
func isolate(fn func() delivery.Result) (res delivery.Result) {
	var pc panics.Catcher
	pc.Try(func() { res = fn() })
	if r := pc.Recovered(); r != nil {
		return delivery.Result{Err: fmt.Sprintf("delivery panicked: %v", r.Value)}
	}
	return res
}
