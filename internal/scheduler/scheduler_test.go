package scheduler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/loadsched/internal/common"
	"github.com/loadforge/loadsched/internal/model"
	"github.com/loadforge/loadsched/internal/registry"
	"github.com/loadforge/loadsched/internal/repository"
)

// memRepo is an in-memory Repository for scheduler tests.
type memRepo struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	ojs      map[string]*model.OptimizingJob
	groups   map[string]*model.JobGroup
	configs  map[string]string
	failPuts bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		jobs:   make(map[string]*model.Job),
		ojs:    make(map[string]*model.OptimizingJob),
		groups: make(map[string]*model.JobGroup),
	}
}

func (r *memRepo) PutJob(job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPuts {
		return fmt.Errorf("simulated write failure")
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *memRepo) GetJob(id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return job.Clone(), nil
}

func (r *memRepo) DeleteJob(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *memRepo) ListJobsByState(states ...model.JobState) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.Job
	for _, job := range r.jobs {
		for _, state := range states {
			if job.State == state {
				result = append(result, job.Clone())
				break
			}
		}
	}
	return result, nil
}

func (r *memRepo) ListAllJobs() ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.Job
	for _, job := range r.jobs {
		result = append(result, job.Clone())
	}
	return result, nil
}

func (r *memRepo) PutOptimizingJob(oj *model.OptimizingJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ojs[oj.ID] = oj.Clone()
	return nil
}

func (r *memRepo) GetOptimizingJob(id string) (*model.OptimizingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oj, ok := r.ojs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return oj.Clone(), nil
}

func (r *memRepo) DeleteOptimizingJob(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ojs, id)
	return nil
}

func (r *memRepo) ListOptimizingJobsByState(states ...model.JobState) ([]*model.OptimizingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.OptimizingJob
	for _, oj := range r.ojs {
		for _, state := range states {
			if oj.State == state {
				result = append(result, oj.Clone())
				break
			}
		}
	}
	return result, nil
}

func (r *memRepo) PutJobGroup(group *model.JobGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[group.Name] = group
	return nil
}

func (r *memRepo) GetJobGroup(name string) (*model.JobGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.groups[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return group, nil
}


func (r *memRepo) PutConfig(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.configs == nil {
		r.configs = make(map[string]string)
	}
	r.configs[key] = value
	return nil
}

func (r *memRepo) GetConfig(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.configs[key]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

func (r *memRepo) Close() error { return nil }

// fakeDispatcher records dispatches instead of writing to connections.
type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	stopped    []string
	failNext   bool
}

func (d *fakeDispatcher) DispatchJob(job *model.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		return fmt.Errorf("simulated send failure")
	}
	d.dispatched = append(d.dispatched, job.ID)
	return nil
}

func (d *fakeDispatcher) SignalStop(job *model.Job, graceful bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, job.ID)
	return nil
}

func (d *fakeDispatcher) dispatchOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dispatched...)
}

func (d *fakeDispatcher) stopOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.stopped...)
}

func (d *fakeDispatcher) setFailNext() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = true
}

func testConfig() *common.SchedulerConfig {
	return &common.SchedulerConfig{
		SchedulerDelaySeconds: 1,
		StartBufferSeconds:    5,
		PollDelaySeconds:      10,
	}
}

func addClients(t *testing.T, clients *registry.Registry, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		clients.Register(&model.ClientRecord{
			ID:      fmt.Sprintf("client-%02d", i),
			Address: "10.0.0.1",
			Version: registry.ServerVersion,
		}, nil)
	}
}

func newTestScheduler(t *testing.T, repo repository.Repository, numClients int) (*Scheduler, *fakeDispatcher, *registry.Registry) {
	t.Helper()
	logger := common.GetLogger()
	clients := registry.New(logger)
	addClients(t, clients, numClients)
	dispatch := &fakeDispatcher{}
	sched := New(repo, clients, dispatch, testConfig(), logger)
	require.NoError(t, sched.Start())
	t.Cleanup(func() {
		sched.Stop()
		sched.WaitForStop()
	})
	return sched, dispatch, clients
}

func simpleJob(numClients int) *model.Job {
	return &model.Job{
		ClassName:        "com.example.HTTPLoad",
		StartTime:        time.Now().Add(-time.Second),
		NumClients:       numClients,
		ThreadsPerClient: 1,
	}
}

func waitForRunning(t *testing.T, sched *Scheduler, jobID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, job := range sched.GetRunning() {
			if job.ID == jobID {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached Running", jobID)
}

func TestHappyPath(t *testing.T) {
	repo := newMemRepo()
	sched, dispatch, _ := newTestScheduler(t, repo, 1)

	id, err := sched.Admit(simpleJob(1), "folder-a")
	require.NoError(t, err)
	waitForRunning(t, sched, id)

	// Persisted state reflects Running immediately after the transition.
	persisted, err := repo.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateRunning, persisted.State)
	assert.Equal(t, []string{id}, dispatch.dispatchOrder())

	done := sched.JobDone(id, &JobResult{
		State:          model.JobStateCompleted,
		ActualStopTime: time.Now(),
		ActualDuration: 5 * time.Second,
	})
	require.NotNil(t, done)
	assert.Equal(t, model.JobStateCompleted, done.State)

	recent := sched.GetRecentlyCompleted()
	require.NotEmpty(t, recent)
	assert.Equal(t, id, recent[0].ID)

	persisted, err = repo.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, persisted.State)

	_, _, completed := sched.Counters()
	assert.EqualValues(t, 1, completed)
}

func TestDependencyChain(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 2)

	idA, err := sched.Admit(simpleJob(1), "")
	require.NoError(t, err)
	waitForRunning(t, sched, idA)

	jobB := simpleJob(1)
	jobB.Dependencies = []string{idA}
	idB, err := sched.Admit(jobB, "")
	require.NoError(t, err)

	// B must stay Pending while A is Running.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sched.GetRunning(), 1)
	reason, err := sched.PendingReason(idB)
	require.NoError(t, err)
	assert.Contains(t, reason, idA)

	sched.JobDone(idA, &JobResult{State: model.JobStateCompleted})
	waitForRunning(t, sched, idB)
}

func TestInsufficientClientsNoWait(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 2)

	job := simpleJob(4)
	job.WaitForClients = false
	id, err := sched.Admit(job, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		persisted, err := repo.GetJob(id)
		return err == nil && persisted.State == model.JobStateStoppedDueToError
	}, 3*time.Second, 10*time.Millisecond)

	persisted, err := repo.GetJob(id)
	require.NoError(t, err)
	assert.Contains(t, persisted.LogMessages, "Insufficient clients available.")

	_, cancelled, _ := sched.Counters()
	assert.EqualValues(t, 1, cancelled)
}

func TestInsufficientClientsWaits(t *testing.T) {
	repo := newMemRepo()
	sched, _, clients := newTestScheduler(t, repo, 0)

	job := simpleJob(1)
	job.WaitForClients = true
	id, err := sched.Admit(job, "")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	reason, err := sched.PendingReason(id)
	require.NoError(t, err)
	assert.Equal(t, "Insufficient clients available.", reason)

	addClients(t, clients, 1)
	waitForRunning(t, sched, id)
}

func TestAdmissionOrderPreserved(t *testing.T) {
	repo := newMemRepo()
	sched, dispatch, _ := newTestScheduler(t, repo, 4)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := sched.Admit(simpleJob(1), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		return len(dispatch.dispatchOrder()) == 4
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, ids, dispatch.dispatchOrder())
}

func TestDisableEnable(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 0)

	job := simpleJob(1)
	job.WaitForClients = true
	id, err := sched.Admit(job, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sched.GetPending()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, sched.Disable(id))
	reason, err := sched.PendingReason(id)
	require.NoError(t, err)
	assert.Equal(t, "Job is disabled.", reason)

	persisted, err := repo.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateDisabled, persisted.State)

	require.NoError(t, sched.Enable(id))
	persisted, err = repo.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateNotYetStarted, persisted.State)

	assert.Error(t, sched.Disable("no-such-job"))
	assert.Error(t, sched.Enable(id)) // not disabled any more
}

func TestCancelPendingJob(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 0)

	job := simpleJob(1)
	job.WaitForClients = true
	id, err := sched.Admit(job, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(sched.GetPending()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancelled := sched.Cancel(id, false)
	require.NotNil(t, cancelled)
	assert.Equal(t, model.JobStateCancelled, cancelled.State)
	assert.Empty(t, sched.GetPending())

	assert.Nil(t, sched.Cancel("no-such-job", false))
}

func TestCancelRunningJobSignalsStop(t *testing.T) {
	repo := newMemRepo()
	sched, dispatch, _ := newTestScheduler(t, repo, 1)

	id, err := sched.Admit(simpleJob(1), "")
	require.NoError(t, err)
	waitForRunning(t, sched, id)

	cancelled := sched.Cancel(id, false)
	require.NotNil(t, cancelled)
	assert.Equal(t, model.JobStateCancelled, cancelled.State)
	assert.Empty(t, sched.GetRunning())
	assert.Contains(t, dispatch.stopOrder(), id)

	// The late JobCompleted for a cancelled job resolves to nothing.
	assert.Nil(t, sched.JobDone(id, &JobResult{State: model.JobStateStoppedByUser}))
}

func TestCancelWaitsForJobCompleted(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 1)

	id, err := sched.Admit(simpleJob(1), "")
	require.NoError(t, err)
	waitForRunning(t, sched, id)

	released := make(chan struct{})
	go func() {
		sched.Cancel(id, true)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("Cancel(wait=true) returned before JobCompleted was processed")
	case <-time.After(100 * time.Millisecond):
	}

	sched.JobDone(id, &JobResult{State: model.JobStateStoppedByUser})
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel(wait=true) never released")
	}
}

func TestDispatchFailureStopsJob(t *testing.T) {
	repo := newMemRepo()
	sched, dispatch, _ := newTestScheduler(t, repo, 1)
	dispatch.setFailNext()

	id, err := sched.Admit(simpleJob(1), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		persisted, err := repo.GetJob(id)
		return err == nil && persisted.State == model.JobStateStoppedDueToError
	}, 3*time.Second, 10*time.Millisecond)

	persisted, err := repo.GetJob(id)
	require.NoError(t, err)
	require.NotEmpty(t, persisted.LogMessages)
	assert.Contains(t, persisted.LogMessages[0], "Failed to send job request")
	assert.Empty(t, sched.GetRunning())

	// The client freed by the failure is usable by the next job.
	id2, err := sched.Admit(simpleJob(1), "")
	require.NoError(t, err)
	waitForRunning(t, sched, id2)
}

func TestStartupRecovery(t *testing.T) {
	repo := newMemRepo()

	runningJob := &model.Job{
		ID:         "was-running",
		ClassName:  "com.example.HTTPLoad",
		State:      model.JobStateRunning,
		NumClients: 1,
	}
	disabledJob := &model.Job{
		ID:         "disabled-dep",
		ClassName:  "com.example.HTTPLoad",
		State:      model.JobStateDisabled,
		StartTime:  time.Now().Add(-time.Minute),
		NumClients: 1,
	}
	waitingJob := &model.Job{
		ID:           "not-yet-started",
		ClassName:    "com.example.HTTPLoad",
		State:        model.JobStateNotYetStarted,
		StartTime:    time.Now().Add(-time.Minute),
		NumClients:   1,
		Dependencies: []string{"disabled-dep"},
	}
	require.NoError(t, repo.PutJob(runningJob))
	require.NoError(t, repo.PutJob(disabledJob))
	require.NoError(t, repo.PutJob(waitingJob))

	sched, _, _ := newTestScheduler(t, repo, 1)

	// The previously-running job is terminal with StoppedByShutdown.
	persisted, err := repo.GetJob("was-running")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateStoppedByShutdown, persisted.State)
	assert.Contains(t, persisted.LogMessages, "Stopped by server shutdown.")

	// Both survivors are pending; the disabled one keeps its state.
	pending := sched.GetPending()
	require.Len(t, pending, 2)

	disabled, err := sched.Get("disabled-dep")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateDisabled, disabled.State)

	reason, err := sched.PendingReason("not-yet-started")
	require.NoError(t, err)
	assert.Contains(t, reason, "disabled-dep")
	assert.Contains(t, reason, "disabled")
}

func TestRecoveryRewritesParentOptimizingJob(t *testing.T) {
	repo := newMemRepo()
	require.NoError(t, repo.PutOptimizingJob(&model.OptimizingJob{
		ID:        "parent-oj",
		ClassName: "com.example.HTTPLoad",
		State:     model.JobStateRunning,
	}))
	require.NoError(t, repo.PutJob(&model.Job{
		ID:                    "child-iter",
		ClassName:             "com.example.HTTPLoad",
		State:                 model.JobStateRunning,
		NumClients:            1,
		ParentOptimizingJobID: "parent-oj",
	}))

	newTestScheduler(t, repo, 0)

	oj, err := repo.GetOptimizingJob("parent-oj")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateStoppedByShutdown, oj.State)
	assert.Equal(t, "Stopped by server shutdown.", oj.StopReason)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	require.NoError(t, repo.PutJob(&model.Job{
		ID:         "was-running",
		ClassName:  "com.example.HTTPLoad",
		State:      model.JobStateRunning,
		NumClients: 1,
	}))

	logger := common.GetLogger()
	for i := 0; i < 2; i++ {
		clients := registry.New(logger)
		sched := New(repo, clients, &fakeDispatcher{}, testConfig(), logger)
		require.NoError(t, sched.recover())
	}

	persisted, err := repo.GetJob("was-running")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateStoppedByShutdown, persisted.State)
}

func TestAdmitRejectsMalformedJob(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 1)

	_, err := sched.Admit(&model.Job{NumClients: 1}, "")
	assert.Error(t, err)

	_, err = sched.Admit(&model.Job{ClassName: "com.example.HTTPLoad"}, "")
	assert.Error(t, err)
}

func TestAdmitFailsWhenRepositoryWriteFails(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 1)

	repo.mu.Lock()
	repo.failPuts = true
	repo.mu.Unlock()

	_, err := sched.Admit(simpleJob(1), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admission rejected")
}

func TestStartBufferDefersFutureJobs(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 1)

	job := simpleJob(1)
	job.StartTime = time.Now().Add(time.Hour)
	id, err := sched.Admit(job, "")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sched.GetRunning())
	reason, err := sched.PendingReason(id)
	require.NoError(t, err)
	assert.Contains(t, reason, "Start time")
}

func TestConfigRefreshRejectsInvalidValues(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 1)

	cfg := common.NewDefaultConfig()
	cfg.Scheduler.SchedulerDelaySeconds = 0 // invalid, keep prior
	cfg.Scheduler.StartBufferSeconds = 30
	sched.OnConfigRefresh(cfg)

	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return sched.startBuffer == 30*time.Second && sched.schedulerDelay == time.Second
	}, 3*time.Second, 10*time.Millisecond)

	// The applied values are persisted under the Config kind so a restart
	// picks them back up.
	buffer, err := repo.GetConfig(configKeyStartBuffer)
	require.NoError(t, err)
	assert.Equal(t, "30", buffer)
}

func TestGenerateUniqueID(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 0)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := sched.GenerateUniqueID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestRecentlyCompletedCap(t *testing.T) {
	repo := newMemRepo()
	sched, _, _ := newTestScheduler(t, repo, 1)

	var last string
	for i := 0; i < 7; i++ {
		id, err := sched.Admit(simpleJob(1), "")
		require.NoError(t, err)
		waitForRunning(t, sched, id)
		sched.JobDone(id, &JobResult{State: model.JobStateCompleted})
		last = id
	}

	recent := sched.GetRecentlyCompleted()
	assert.Len(t, recent, 5)
	assert.Equal(t, last, recent[0].ID)
}
