// -----------------------------------------------------------------------
// Job Processor - Pulls jobs from the broker and steps them on a worker slot
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/common"
	"github.com/ternarybob/pastiche/internal/interfaces"
	"github.com/ternarybob/pastiche/internal/metrics"
	"github.com/ternarybob/pastiche/internal/models"
	"github.com/ternarybob/pastiche/internal/pubsub"
	"github.com/ternarybob/pastiche/internal/queue"
)

// publishTimeout bounds a single progress publish. The run lock is held
// while publishing, so a stalled transport must not block Terminate forever.
const publishTimeout = 5 * time.Second

// abandonedError is recorded on jobs left unfinished by a previous process
const abandonedError = "abandoned: process restarted before the job finished"

// JobProcessor runs a fixed number of worker slots. Each slot claims one job
// at a time, publishes {total, 0}, then one event per Advance call, and
// finally a terminal frame carrying the outcome.
type JobProcessor struct {
	broker      interfaces.Broker
	transport   interfaces.PubSubTransport
	statusStore interfaces.JobStatusStorage
	registry    *Registry
	executors   map[string]interfaces.StepExecutor // keyed by job type
	logger      arbor.ILogger
	instanceID  string
	concurrency int
	maxBackoff  time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	mu          sync.Mutex
	controlSub  interfaces.Subscription
}

// NewJobProcessor creates a new job processor.
// instanceID identifies this process on the control channel.
func NewJobProcessor(
	broker interfaces.Broker,
	transport interfaces.PubSubTransport,
	statusStore interfaces.JobStatusStorage,
	cfg queue.Config,
	instanceID string,
	logger arbor.ILogger,
) *JobProcessor {
	ctx, cancel := context.WithCancel(context.Background())

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	maxBackoff := cfg.PollInterval
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	return &JobProcessor{
		broker:      broker,
		transport:   transport,
		statusStore: statusStore,
		registry:    NewRegistry(),
		executors:   make(map[string]interfaces.StepExecutor),
		logger:      logger,
		instanceID:  instanceID,
		concurrency: concurrency,
		maxBackoff:  maxBackoff,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterExecutor registers a step executor for its job type
func (jp *JobProcessor) RegisterExecutor(executor interfaces.StepExecutor) {
	jobType := executor.GetWorkerType()
	jp.executors[jobType] = executor
	jp.logger.Debug().
		Str("job_type", jobType).
		Msg("Step executor registered")
}

// Start purges the queue, subscribes to cancel broadcasts and starts the
// worker slots. Jobs queued by a previous process are dropped, never resumed.
func (jp *JobProcessor) Start() error {
	jp.mu.Lock()
	defer jp.mu.Unlock()

	if jp.running {
		jp.logger.Warn().Msg("Job processor already running")
		return nil
	}

	purged, err := jp.broker.Purge(jp.ctx)
	if err != nil {
		return fmt.Errorf("failed to purge queue: %w", err)
	}
	abandoned, err := jp.statusStore.AbandonUnfinished(jp.ctx, abandonedError)
	if err != nil {
		jp.logger.Warn().Err(err).Msg("Failed to abandon unfinished job statuses")
	}

	sub, err := jp.transport.Subscribe(jp.ctx, pubsub.ControlChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control channel: %w", err)
	}
	jp.controlSub = sub
	common.SafeGo(jp.logger, "controlListener", func() {
		jp.listenForCancels(sub)
	})

	jp.running = true
	jp.logger.Info().
		Int("concurrency", jp.concurrency).
		Int("purged", purged).
		Int("abandoned", abandoned).
		Msg("Starting job processor")

	for i := 0; i < jp.concurrency; i++ {
		jp.wg.Add(1)
		go jp.processJobs(i)
	}
	return nil
}

// Stop stops the worker slots. Jobs still running are marked failed.
func (jp *JobProcessor) Stop() {
	jp.mu.Lock()
	if !jp.running {
		jp.mu.Unlock()
		return
	}
	jp.running = false
	jp.mu.Unlock()

	jp.logger.Info().Msg("Stopping job processor...")
	jp.cancel()
	jp.wg.Wait()
	if jp.controlSub != nil {
		_ = jp.controlSub.Close()
	}
	jp.logger.Info().Msg("Job processor stopped")
}

// Terminate stops a job running on this process
func (jp *JobProcessor) Terminate(jobID string) bool {
	terminated := jp.registry.Terminate(jobID)
	if terminated {
		jp.logger.Info().Str("job_id", jobID).Msg("Job terminated")
	}
	return terminated
}

// PruneTombstones drops cancel tombstones older than the cutoff
func (jp *JobProcessor) PruneTombstones(before time.Time) int {
	return jp.registry.PruneTombstones(before)
}

// Running returns the number of jobs currently held by slots
func (jp *JobProcessor) Running() int {
	return jp.registry.Running()
}

func (jp *JobProcessor) listenForCancels(sub interfaces.Subscription) {
	for payload := range sub.Messages() {
		msg, err := models.DecodeControlMessage(payload)
		if err != nil {
			jp.logger.Warn().Err(err).Msg("Ignoring malformed control message")
			continue
		}
		if msg.Origin == jp.instanceID || !common.IsValidJobID(msg.JobID) {
			continue
		}
		jp.Terminate(msg.JobID)
	}
}

// Backoff configuration for idle polling
const (
	minBackoff        = 100 * time.Millisecond // Initial backoff when queue is empty
	defaultMaxBackoff = 5 * time.Second
)

// processJobs is the main loop of one worker slot
func (jp *JobProcessor) processJobs(workerID int) {
	defer jp.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			jp.logger.Fatal().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.StackTrace()).
				Int("worker_id", workerID).
				Msg("FATAL: Job processor goroutine panicked - application will terminate")
		}
	}()

	jp.logger.Debug().
		Int("worker_id", workerID).
		Msg("Job processor worker started")

	backoffFloor := minBackoff
	if jp.maxBackoff < backoffFloor {
		backoffFloor = jp.maxBackoff
	}
	currentBackoff := backoffFloor

	for {
		select {
		case <-jp.ctx.Done():
			jp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Job processor worker stopping")
			return
		default:
		}

		if jp.processNextJob(workerID) {
			currentBackoff = backoffFloor
			continue
		}

		select {
		case <-jp.ctx.Done():
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > jp.maxBackoff {
			currentBackoff = jp.maxBackoff
		}
	}
}

// processNextJob claims and runs the next job.
// Returns true if a job was claimed, false if the queue was empty.
func (jp *JobProcessor) processNextJob(workerID int) bool {
	msg, err := jp.broker.Receive(jp.ctx)
	if err != nil {
		if !errors.Is(err, queue.ErrNoMessage) && jp.ctx.Err() == nil {
			jp.logger.Warn().Err(err).Int("worker_id", workerID).Msg("Failed to receive from queue")
		}
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			jp.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.StackTrace()).
				Str("job_id", msg.JobID).
				Int("worker_id", workerID).
				Msg("Recovered from panic in job processing")
			jp.complete(msg.JobID, msg.Type, 0, 0, models.JobStateFailed, fmt.Sprintf("job panicked: %v", r))
		}
	}()

	jp.executeJob(workerID, msg)
	return true
}

func (jp *JobProcessor) executeJob(workerID int, msg *queue.Message) {
	started := time.Now()

	jp.logger.Info().
		Str("job_id", msg.JobID).
		Str("job_type", msg.Type).
		Int("worker_id", workerID).
		Msg("Job started")

	job, err := models.JobFromJSON(msg.Payload)
	if err == nil {
		err = job.Validate()
	}
	if err != nil {
		jp.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Invalid queue message")
		jp.complete(msg.JobID, msg.Type, 0, 0, models.JobStateFailed, err.Error())
		return
	}

	executor, ok := jp.executors[job.Type]
	if !ok {
		errMsg := fmt.Sprintf("no executor registered for job type: %s", job.Type)
		jp.logger.Error().Str("job_id", job.ID).Str("job_type", job.Type).Msg(errMsg)
		jp.complete(job.ID, job.Type, 0, 0, models.JobStateFailed, errMsg)
		return
	}

	runCtx, cancel := context.WithCancel(jp.ctx)
	defer cancel()

	r, ok := jp.registry.Register(job.ID, cancel)
	if !ok {
		jp.logger.Info().Str("job_id", job.ID).Msg("Job cancelled before it started")
		jp.complete(job.ID, job.Type, 0, 0, models.JobStateCancelled, "")
		return
	}
	defer jp.registry.Unregister(job.ID)

	metrics.RunningJobs.Inc()
	defer metrics.RunningJobs.Dec()

	state, errMsg := jp.runJob(runCtx, r, executor, job)

	finished := state != "" && r.guard(func() {
		jp.complete(job.ID, job.Type, r.total, r.completed, state, errMsg)
	})
	if !finished {
		// Interrupted: terminated by a cancel, or the pool is stopping
		state, errMsg = models.JobStateCancelled, ""
		if !r.isTerminated() {
			state, errMsg = models.JobStateFailed, "worker stopped before the job finished"
		}
		total, completed := r.progress()
		jp.complete(job.ID, job.Type, total, completed, state, errMsg)
	}

	metrics.JobDurationSeconds.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())

	if state == models.JobStateFailed {
		jp.logger.Error().
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Str("error", errMsg).
			Int("worker_id", workerID).
			Dur("duration", time.Since(started)).
			Msg("Job failed")
		return
	}

	jp.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("state", string(state)).
		Int("worker_id", workerID).
		Dur("duration", time.Since(started)).
		Msg("Job finished")
}

// runJob drives Init, Advance and Finalize. It returns the outcome, or an
// empty state when the run was interrupted.
func (jp *JobProcessor) runJob(ctx context.Context, r *run, executor interfaces.StepExecutor, job *models.Job) (models.JobState, string) {
	res, ok := runStep(ctx, func(ctx context.Context) (interfaces.StepState, bool, error) {
		st, err := executor.Init(ctx, job)
		return st, true, err
	})
	if !ok || (res.err != nil && ctx.Err() != nil) {
		return "", ""
	}
	if res.err != nil {
		return models.JobStateFailed, res.err.Error()
	}
	if res.state == nil {
		return models.JobStateFailed, "executor returned no state"
	}

	st := res.state
	total := st.Total()
	if total < 0 {
		return models.JobStateFailed, fmt.Sprintf("executor reported negative total %d", total)
	}

	if err := jp.statusStore.MarkRunning(jp.ctx, job.ID, total); err != nil {
		jp.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running")
	}
	if !jp.publishProgress(r, total, 0) {
		return "", ""
	}

	completed := 0
	for more := total > 0; more; {
		res, ok := runStep(ctx, func(ctx context.Context) (interfaces.StepState, bool, error) {
			return executor.Advance(ctx, st)
		})
		if !ok || (res.err != nil && ctx.Err() != nil) {
			return "", ""
		}
		if res.err != nil {
			return models.JobStateFailed, res.err.Error()
		}

		completed++
		if completed > total {
			return models.JobStateFailed, fmt.Sprintf("executor advanced past total %d", total)
		}
		st, more = res.state, res.more
		if st == nil {
			return models.JobStateFailed, "executor returned no state"
		}

		if !jp.publishProgress(r, total, completed) {
			return "", ""
		}
	}

	res, ok = runStep(ctx, func(ctx context.Context) (interfaces.StepState, bool, error) {
		return nil, false, executor.Finalize(ctx, st, job.OutputPath)
	})
	if !ok || (res.err != nil && ctx.Err() != nil) {
		return "", ""
	}
	if res.err != nil {
		return models.JobStateFailed, res.err.Error()
	}
	return models.JobStateSucceeded, ""
}

type stepResult struct {
	state interfaces.StepState
	more  bool
	err   error
}

// runStep runs fn on its own goroutine. It returns ok=false as soon as ctx
// is cancelled; the step is abandoned and its result discarded.
func runStep(ctx context.Context, fn func(context.Context) (interfaces.StepState, bool, error)) (stepResult, bool) {
	done := make(chan stepResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepResult{err: fmt.Errorf("%w: step panicked: %v", models.ErrExecution, r)}
			}
		}()
		st, more, err := fn(ctx)
		done <- stepResult{state: st, more: more, err: err}
	}()

	select {
	case res := <-done:
		return res, true
	case <-ctx.Done():
		return stepResult{}, false
	}
}

// publishProgress publishes one progress frame unless the run was terminated
func (jp *JobProcessor) publishProgress(r *run, total, completed int) bool {
	return r.guard(func() {
		r.total, r.completed = total, completed
		jp.publish(r.jobID, models.ProgressEvent{Total: total, Completed: completed})
		if completed > 0 {
			if err := jp.statusStore.UpdateProgress(context.Background(), r.jobID, completed); err != nil {
				jp.logger.Warn().Err(err).Str("job_id", r.jobID).Msg("Failed to record progress")
			}
		}
	})
}

// complete records the terminal state and publishes the terminal frame
func (jp *JobProcessor) complete(jobID, jobType string, total, completed int, state models.JobState, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	status, err := jp.statusStore.MarkFinished(ctx, jobID, state, errMsg)
	if err != nil {
		jp.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record job outcome")
	} else if status.State != state {
		// An earlier outcome was already recorded and wins
		state, errMsg = status.State, status.Error
	}

	jp.publish(jobID, models.ProgressEvent{
		Total:     total,
		Completed: completed,
		State:     state,
		Error:     errMsg,
	})
	metrics.JobsFinishedTotal.WithLabelValues(jobType, string(state)).Inc()
}

func (jp *JobProcessor) publish(jobID string, event models.ProgressEvent) {
	payload, err := event.Encode()
	if err != nil {
		jp.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to encode progress event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := jp.transport.Publish(ctx, pubsub.ProgressChannel(jobID), payload); err != nil {
		jp.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish progress event")
		return
	}
	metrics.ProgressEventsTotal.Inc()
}
