package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/fanrelay/internal/config"
	"github.com/shohag/fanrelay/internal/delivery"
	"github.com/shohag/fanrelay/internal/metrics"
	"github.com/shohag/fanrelay/internal/models"
	"github.com/shohag/fanrelay/internal/storage"
)

// Deliverer performs one webhook delivery. Implementations report failures in
// the Result and never block past ctx.
type Deliverer interface {
	Deliver(ctx context.Context, job delivery.Job) delivery.Result
}

// Engine runs fan-out instances recorded in the journal. Every instance is
// claimed under a lease, so several engines may share one database.
type Engine struct {
	journal   storage.Journal
	subs      storage.SubscriptionStore
	deliverer Deliverer

	owner        string
	pollInterval time.Duration
	maxInstances int
	maxParallel  int
	lease        time.Duration
	maxAttempts  int
	schedule     []time.Duration

	log  zerolog.Logger
	now  func() time.Time
	wake chan struct{}

	mu      sync.Mutex
	running map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewEngine(cfg config.OrchestratorConfig, journal storage.Journal, subs storage.SubscriptionStore, deliverer Deliverer, log zerolog.Logger) *Engine {
	e := &Engine{
		journal:      journal,
		subs:         subs,
		deliverer:    deliverer,
		owner:        models.NewID("engine"),
		pollInterval: cfg.PollInterval,
		maxInstances: cfg.MaxInstances,
		maxParallel:  cfg.MaxParallel,
		lease:        cfg.Lease,
		maxAttempts:  cfg.MaxAttempts,
		schedule:     cfg.RetrySchedule,
		log:          log.With().Str("component", "orchestrator").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
		wake:         make(chan struct{}, 1),
		running:      make(map[string]struct{}),
		stop:         make(chan struct{}),
	}
	if e.pollInterval <= 0 {
		e.pollInterval = time.Second
	}
	if e.maxInstances <= 0 {
		e.maxInstances = 1
	}
	if e.lease <= 0 {
		e.lease = 5 * time.Minute
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 1
	}
	if len(e.schedule) == 0 {
		e.schedule = DefaultRetrySchedule
	}
	return e
}

// Schedule records a running instance for the message and wakes the run loop.
// Scheduling the same message twice returns the existing instance id.
func (e *Engine) Schedule(ctx context.Context, messageID string, input []byte) (string, error) {
	now := e.now()
	inst := &models.Instance{
		ID:        models.InstanceIDFor(messageID),
		MessageID: messageID,
		Input:     input,
		Status:    models.InstanceRunning,
		NextRunAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := e.journal.CreateInstance(ctx, inst)
	if err != nil {
		return "", fmt.Errorf("schedule instance: %w", err)
	}
	if created {
		e.log.Info().Str("instance_id", inst.ID).Str("message_id", messageID).Msg("instance scheduled")
	} else {
		e.log.Debug().Str("instance_id", inst.ID).Str("message_id", messageID).Msg("instance already scheduled")
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return inst.ID, nil
}

func (e *Engine) Start(ctx context.Context) {
	e.log.Info().
		Str("owner", e.owner).
		Int("max_instances", e.maxInstances).
		Int("max_parallel", e.maxParallel).
		Msg("starting orchestrator")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()
}

// Stop ends the poll loop and waits for in-flight instances to finish.
func (e *Engine) Stop() {
	e.log.Info().Msg("stopping orchestrator")
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
	e.log.Info().Msg("orchestrator stopped")
}

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, e.maxInstances)

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}

		free := cap(sem) - len(sem)
		if free == 0 {
			continue
		}
		claimed, err := e.journal.ClaimDueInstances(ctx, e.owner, e.now(), e.lease, free)
		if err != nil {
			e.log.Error().Err(err).Msg("failed to claim due instances")
			continue
		}

		for i := range claimed {
			inst := claimed[i]
			if !e.acquire(inst.ID) {
				continue
			}
			sem <- struct{}{}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer func() { <-sem }()
				defer e.release(inst.ID)
				e.execute(ctx, &inst)
			}()
		}
	}
}

// RunDue claims every due instance up to max_instances and runs them to the
// end of their current attempt. It returns the number of instances run.
func (e *Engine) RunDue(ctx context.Context) (int, error) {
	claimed, err := e.journal.ClaimDueInstances(ctx, e.owner, e.now(), e.lease, e.maxInstances)
	if err != nil {
		return 0, fmt.Errorf("claim due instances: %w", err)
	}

	var wg sync.WaitGroup
	n := 0
	for i := range claimed {
		inst := claimed[i]
		if !e.acquire(inst.ID) {
			continue
		}
		n++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.release(inst.ID)
			e.execute(ctx, &inst)
		}()
	}
	wg.Wait()
	return n, nil
}

// acquire marks an instance as running in this engine. A claim can return an
// instance this engine is already running; it must not start twice.
func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok {
		return false
	}
	e.running[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// keepLease renews the lease every third of its length until done is closed.
func (e *Engine) keepLease(ctx context.Context, id string, done <-chan struct{}, log zerolog.Logger) {
	interval := e.lease / 3
	if interval <= 0 {
		interval = e.lease
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.journal.RenewLease(ctx, id, e.owner, e.now().Add(e.lease))
			if errors.Is(err, storage.ErrLeaseLost) {
				log.Warn().Msg("lease lost to another engine")
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("failed to renew lease")
			}
		}
	}
}

func (e *Engine) execute(ctx context.Context, inst *models.Instance) {
	log := e.log.With().Str("instance_id", inst.ID).Int("attempt", inst.Attempts+1).Logger()

	done := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		e.keepLease(ctx, inst.ID, done, log)
	}()
	err := e.run(ctx, inst, log)
	close(done)
	<-renewed
	if err == nil {
		if err := e.journal.CompleteInstance(ctx, inst.ID); err != nil {
			log.Error().Err(err).Msg("failed to mark instance completed")
			return
		}
		log.Info().Msg("instance completed")
		metrics.Orchestrations.WithLabelValues("completed").Inc()
		return
	}

	// A cancelled run leaves its lease to expire; the next claim resumes it.
	if ctx.Err() != nil {
		log.Warn().Err(err).Msg("instance interrupted")
		return
	}

	attempts := inst.Attempts + 1
	next, ok := NextRunTime(e.now(), attempts, e.maxAttempts, e.schedule)
	if !ok {
		if ferr := e.journal.FailInstance(ctx, inst.ID, attempts, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("failed to mark instance failed")
			return
		}
		log.Error().Err(err).Int("attempts", attempts).Msg("instance failed, attempts exhausted")
		metrics.Orchestrations.WithLabelValues("failed").Inc()
		return
	}

	if rerr := e.journal.RetryInstance(ctx, inst.ID, attempts, next, err.Error()); rerr != nil {
		log.Error().Err(rerr).Msg("failed to schedule instance retry")
		return
	}
	log.Warn().Err(err).Time("next_run_at", next).Msg("instance run failed, retry scheduled")
	metrics.Orchestrations.WithLabelValues("retry").Inc()
}
