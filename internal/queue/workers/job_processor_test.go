package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/common"
	"github.com/ternarybob/pastiche/internal/interfaces"
	"github.com/ternarybob/pastiche/internal/models"
	"github.com/ternarybob/pastiche/internal/pubsub"
	"github.com/ternarybob/pastiche/internal/queue"
	badgerstore "github.com/ternarybob/pastiche/internal/storage/badger"
)

const testJobType = "count"

// testExecutor counts to total, one unit per Advance
type testExecutor struct {
	jobType  string // defaults to testJobType
	total    int
	failAt   int           // Advance call that returns an error
	panicAt  int           // Advance call that panics
	blockAt  int           // Advance call that ignores ctx and blocks on release
	release  chan struct{} // closed by the test
	advances atomic.Int32
}

type testState struct {
	total     int
	completed int
}

func (s *testState) Total() int     { return s.total }
func (s *testState) Completed() int { return s.completed }

func (e *testExecutor) GetWorkerType() string {
	if e.jobType != "" {
		return e.jobType
	}
	return testJobType
}

func (e *testExecutor) Init(ctx context.Context, job *models.Job) (interfaces.StepState, error) {
	return &testState{total: e.total}, nil
}

func (e *testExecutor) Advance(ctx context.Context, st interfaces.StepState) (interfaces.StepState, bool, error) {
	e.advances.Add(1)
	s := st.(*testState)
	n := s.completed + 1

	if n == e.blockAt {
		<-e.release
	}
	if n == e.failAt {
		return nil, false, errors.New("step exploded")
	}
	if n == e.panicAt {
		panic("step panicked")
	}
	return &testState{total: s.total, completed: n}, n < s.total, nil
}

func (e *testExecutor) Finalize(ctx context.Context, st interfaces.StepState, outputPath string) error {
	return os.WriteFile(outputPath, []byte(fmt.Sprintf("%d", st.Completed())), 0644)
}

type harness struct {
	jp        *JobProcessor
	broker    interfaces.Broker
	transport *pubsub.MemoryTransport
	store     interfaces.JobStatusStorage
	dir       string
}

func newHarness(t *testing.T, concurrency int, executor interfaces.StepExecutor) *harness {
	t.Helper()
	logger := arbor.NewLogger()
	dir := t.TempDir()

	db, err := badgerstore.NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(dir, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	broker, err := queue.NewBadgerManager(db.DB(), "test_jobs")
	require.NoError(t, err)

	transport := pubsub.NewMemoryTransport(256, logger)
	store := badgerstore.NewJobStatusStorage(db, logger)

	jp := NewJobProcessor(broker, transport, store, queue.Config{
		Concurrency:  concurrency,
		PollInterval: 10 * time.Millisecond,
	}, "instance-a", logger)
	if executor != nil {
		jp.RegisterExecutor(executor)
	}

	h := &harness{jp: jp, broker: broker, transport: transport, store: store, dir: dir}
	t.Cleanup(func() {
		jp.Stop()
		_ = transport.Close()
	})
	return h
}

func (h *harness) newJob(t *testing.T, jobType string) *models.Job {
	t.Helper()
	id := common.NewJobID()
	return &models.Job{
		ID:          id,
		Type:        jobType,
		ContentPath: "content.png",
		StylePath:   "style.png",
		OutputPath:  filepath.Join(h.dir, id+".out"),
		Params:      models.JobParams{LearningRate: 0.001, Epochs: 10, Alpha: 1, Beta: 1},
		CreatedAt:   time.Now(),
	}
}

func (h *harness) enqueue(t *testing.T, job *models.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.SaveStatus(ctx, &models.JobStatus{JobID: job.ID, Type: job.Type, State: models.JobStateQueued}))
	msg, err := models.NewQueueMessage(job)
	require.NoError(t, err)
	require.NoError(t, h.broker.Enqueue(ctx, msg))
}

func (h *harness) subscribe(t *testing.T, jobID string) interfaces.Subscription {
	t.Helper()
	sub, err := h.transport.Subscribe(context.Background(), pubsub.ProgressChannel(jobID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

// collect reads frames until the terminal frame
func collect(t *testing.T, sub interfaces.Subscription) (progress []models.ProgressEvent, terminal models.ProgressEvent) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case payload, ok := <-sub.Messages():
			require.True(t, ok, "subscription closed before terminal frame")
			event, err := models.DecodeProgressEvent(payload)
			require.NoError(t, err)
			if event.IsTerminal() {
				return progress, event
			}
			progress = append(progress, event)
		case <-timeout:
			t.Fatalf("timed out after %d progress frames", len(progress))
		}
	}
}

// waitFor reads frames until one has the given completed count
func waitFor(t *testing.T, sub interfaces.Subscription, completed int) []models.ProgressEvent {
	t.Helper()
	var seen []models.ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case payload := <-sub.Messages():
			event, err := models.DecodeProgressEvent(payload)
			require.NoError(t, err)
			seen = append(seen, event)
			if event.Completed == completed {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for completed=%d", completed)
		}
	}
}

func TestJobProcessorConcurrencyField(t *testing.T) {
	tests := []struct {
		name             string
		inputConcurrency int
		expectedField    int
	}{
		{"normal concurrency (2)", 2, 2},
		{"concurrency of 1", 1, 1},
		{"zero concurrency defaults to 1", 0, 1},
		{"negative concurrency defaults to 1", -5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jp := NewJobProcessor(nil, nil, nil, queue.Config{Concurrency: tt.inputConcurrency}, "x", arbor.NewLogger())
			assert.Equal(t, tt.expectedField, jp.concurrency)
			assert.Equal(t, defaultMaxBackoff, jp.maxBackoff)
		})
	}
}

func TestJobProcessor_RunsToCompletion(t *testing.T) {
	h := newHarness(t, 2, &testExecutor{total: 10})
	require.NoError(t, h.jp.Start())

	job := h.newJob(t, testJobType)
	sub := h.subscribe(t, job.ID)
	h.enqueue(t, job)

	progress, terminal := collect(t, sub)

	require.Len(t, progress, 11)
	for i, event := range progress {
		assert.Equal(t, models.ProgressEvent{Total: 10, Completed: i}, event)
	}
	assert.Equal(t, models.JobStateSucceeded, terminal.State)
	assert.Equal(t, 10, terminal.Completed)

	status, err := h.store.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, status.State)
	assert.Equal(t, 10, status.Total)
	assert.Equal(t, 10, status.Completed)

	data, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "10", string(data))
}

func TestJobProcessor_RunsWithoutLocalStatusRecord(t *testing.T) {
	h := newHarness(t, 1, &testExecutor{total: 2})
	require.NoError(t, h.jp.Start())

	// Submitted elsewhere: queued on the broker with no status record here
	job := h.newJob(t, testJobType)
	sub := h.subscribe(t, job.ID)
	msg, err := models.NewQueueMessage(job)
	require.NoError(t, err)
	require.NoError(t, h.broker.Enqueue(context.Background(), msg))

	progress, terminal := collect(t, sub)
	assert.Len(t, progress, 3)
	assert.Equal(t, models.JobStateSucceeded, terminal.State)

	_, err = h.store.GetStatus(context.Background(), job.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestJobProcessor_StartPurgesQueue(t *testing.T) {
	executor := &testExecutor{total: 3}
	h := newHarness(t, 1, executor)
	ctx := context.Background()

	stale := h.newJob(t, testJobType)
	h.enqueue(t, stale)
	h.enqueue(t, h.newJob(t, testJobType))

	sub := h.subscribe(t, stale.ID)
	require.NoError(t, h.jp.Start())

	n, err := h.broker.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	select {
	case payload := <-sub.Messages():
		t.Fatalf("purged job published: %s", payload)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, int32(0), executor.advances.Load())

	status, err := h.store.GetStatus(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, status.State)
	assert.Equal(t, abandonedError, status.Error)
}

func TestJobProcessor_CancelBeforeStartPublishesNoProgress(t *testing.T) {
	executor := &testExecutor{total: 5}
	h := newHarness(t, 1, executor)
	require.NoError(t, h.jp.Start())

	job := h.newJob(t, testJobType)
	sub := h.subscribe(t, job.ID)

	// Cancel lands between claim and registration
	assert.False(t, h.jp.Terminate(job.ID))
	h.enqueue(t, job)

	progress, terminal := collect(t, sub)
	assert.Empty(t, progress)
	assert.Equal(t, models.JobStateCancelled, terminal.State)
	assert.Equal(t, int32(0), executor.advances.Load())

	status, err := h.store.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, status.State)
}

func TestJobProcessor_CancelRunningStopsProgress(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	h := newHarness(t, 1, &testExecutor{total: 10, blockAt: 5, release: release})
	h.jp.RegisterExecutor(&testExecutor{jobType: "quick", total: 2})
	require.NoError(t, h.jp.Start())

	job := h.newJob(t, testJobType)
	sub := h.subscribe(t, job.ID)
	h.enqueue(t, job)

	waitFor(t, sub, 4)
	require.True(t, h.jp.Terminate(job.ID))

	progress, terminal := collect(t, sub)
	for _, event := range progress {
		assert.LessOrEqual(t, event.Completed, 4)
	}
	assert.Equal(t, models.JobStateCancelled, terminal.State)
	assert.Equal(t, 4, terminal.Completed)

	// The slot is free even though the step is still blocked
	next := h.newJob(t, "quick")
	nextSub := h.subscribe(t, next.ID)
	h.enqueue(t, next)

	_, nextTerminal := collect(t, nextSub)
	assert.Equal(t, models.JobStateSucceeded, nextTerminal.State)

	status, err := h.store.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, status.State)
	assert.Equal(t, 4, status.Completed)
	_, err = os.Stat(job.OutputPath)
	assert.True(t, os.IsNotExist(err), "cancelled job must not produce output")
}

func TestJobProcessor_FailureIsTerminal(t *testing.T) {
	executor := &testExecutor{total: 10, failAt: 3}
	h := newHarness(t, 1, executor)
	require.NoError(t, h.jp.Start())

	job := h.newJob(t, testJobType)
	sub := h.subscribe(t, job.ID)
	h.enqueue(t, job)

	progress, terminal := collect(t, sub)
	assert.Len(t, progress, 3) // {10,0} {10,1} {10,2}
	assert.Equal(t, models.JobStateFailed, terminal.State)
	assert.Equal(t, "step exploded", terminal.Error)
	assert.Equal(t, int32(3), executor.advances.Load(), "no retry after failure")

	status, err := h.store.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, status.State)
	assert.Equal(t, "step exploded", status.Error)
}

func TestJobProcessor_PanicInStepFailsJob(t *testing.T) {
	h := newHarness(t, 1, &testExecutor{total: 4, panicAt: 2})
	require.NoError(t, h.jp.Start())

	job := h.newJob(t, testJobType)
	sub := h.subscribe(t, job.ID)
	h.enqueue(t, job)

	_, terminal := collect(t, sub)
	assert.Equal(t, models.JobStateFailed, terminal.State)
	assert.Contains(t, terminal.Error, "step panicked")
}

func TestJobProcessor_UnknownTypeFails(t *testing.T) {
	h := newHarness(t, 1, &testExecutor{total: 1})
	require.NoError(t, h.jp.Start())

	job := h.newJob(t, "mystery")
	sub := h.subscribe(t, job.ID)
	h.enqueue(t, job)

	progress, terminal := collect(t, sub)
	assert.Empty(t, progress)
	assert.Equal(t, models.JobStateFailed, terminal.State)
	assert.Contains(t, terminal.Error, "mystery")
}

func TestJobProcessor_ControlBroadcastTerminates(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	h := newHarness(t, 1, &testExecutor{total: 10, blockAt: 3, release: release})
	require.NoError(t, h.jp.Start())

	job := h.newJob(t, testJobType)
	sub := h.subscribe(t, job.ID)
	h.enqueue(t, job)
	waitFor(t, sub, 2)

	// Our own broadcasts are ignored, they were already applied locally
	own, err := models.ControlMessage{JobID: job.ID, Origin: "instance-a"}.Encode()
	require.NoError(t, err)
	require.NoError(t, h.transport.Publish(context.Background(), pubsub.ControlChannel, own))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.jp.registry.IsRunning(job.ID))

	remote, err := models.ControlMessage{JobID: job.ID, Origin: "instance-b"}.Encode()
	require.NoError(t, err)
	require.NoError(t, h.transport.Publish(context.Background(), pubsub.ControlChannel, remote))

	_, terminal := collect(t, sub)
	assert.Equal(t, models.JobStateCancelled, terminal.State)
	assert.Equal(t, 2, terminal.Completed)
}

func TestJobProcessor_StopFailsRunningJobs(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	h := newHarness(t, 1, &testExecutor{total: 10, blockAt: 2, release: release})
	require.NoError(t, h.jp.Start())

	job := h.newJob(t, testJobType)
	sub := h.subscribe(t, job.ID)
	h.enqueue(t, job)
	waitFor(t, sub, 1)

	h.jp.Stop()

	_, terminal := collect(t, sub)
	assert.Equal(t, models.JobStateFailed, terminal.State)
	assert.Equal(t, 0, h.jp.Running())

	// Double stop is a no-op
	h.jp.Stop()
}

func TestJobProcessor_ConcurrentJobsEachPublishInOrder(t *testing.T) {
	h := newHarness(t, 3, &testExecutor{total: 5})
	require.NoError(t, h.jp.Start())

	const jobs = 6
	subs := make([]interfaces.Subscription, jobs)
	for i := 0; i < jobs; i++ {
		job := h.newJob(t, testJobType)
		subs[i] = h.subscribe(t, job.ID)
		h.enqueue(t, job)
	}

	for _, sub := range subs {
		progress, terminal := collect(t, sub)
		require.Len(t, progress, 6)
		for i, event := range progress {
			assert.Equal(t, i, event.Completed)
			assert.LessOrEqual(t, event.Completed, event.Total)
		}
		assert.Equal(t, models.JobStateSucceeded, terminal.State)
	}
}

func TestRegistry_Tombstones(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.Terminate("a"))
	_, ok := r.Register("a", func() {})
	assert.False(t, ok, "tombstoned job must not register")

	// Tombstone is consumed
	_, ok = r.Register("a", func() {})
	assert.True(t, ok)
	r.Unregister("a")

	r.Terminate("old")
	assert.Equal(t, 0, r.PruneTombstones(time.Now().Add(-time.Minute)))
	assert.Equal(t, 1, r.PruneTombstones(time.Now().Add(time.Second)))
}

func TestRegistry_TerminateBlocksPublish(t *testing.T) {
	r := NewRegistry()
	var cancelled atomic.Bool
	entry, ok := r.Register("job", func() { cancelled.Store(true) })
	require.True(t, ok)

	assert.True(t, entry.guard(func() {}))
	assert.True(t, r.Terminate("job"))
	assert.True(t, cancelled.Load())

	published := false
	assert.False(t, entry.guard(func() { published = true }))
	assert.False(t, published)
	assert.Equal(t, 1, r.Running())
	r.Unregister("job")
	assert.Equal(t, 0, r.Running())
}
