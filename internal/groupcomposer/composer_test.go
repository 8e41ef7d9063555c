package groupcomposer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/loadsched/internal/common"
	"github.com/loadforge/loadsched/internal/jobclass"
	"github.com/loadforge/loadsched/internal/model"
)

// recordingScheduler captures admissions without running a real scheduler.
type recordingScheduler struct {
	mu      sync.Mutex
	jobs    []*model.Job
	ojs     []*model.OptimizingJob
	nextID  int
	failOn  string // template class name that triggers an admission failure
}

func (s *recordingScheduler) Admit(job *model.Job, folder string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ClassName == s.failOn {
		return "", fmt.Errorf("simulated admission failure")
	}
	s.nextID++
	job.ID = fmt.Sprintf("job-%d", s.nextID)
	job.FolderName = folder
	s.jobs = append(s.jobs, job)
	return job.ID, nil
}

func (s *recordingScheduler) AdmitOptimizing(oj *model.OptimizingJob, folder string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if oj.ClassName == s.failOn {
		return "", fmt.Errorf("simulated admission failure")
	}
	s.nextID++
	oj.ID = fmt.Sprintf("oj-%d", s.nextID)
	oj.FolderName = folder
	s.ojs = append(s.ojs, oj)
	return oj.ID, nil
}

func newTestComposer(sched Scheduler) *Composer {
	classes := jobclass.NewRegistry()
	classes.Register(&jobclass.StaticClass{
		ClassName: "com.example.HTTPLoad",
		Stubs: model.ParameterList{
			{Name: "url", DisplayName: "Target URL", Type: model.ParameterTypeString, Required: true},
			{Name: "timeout", DisplayName: "Timeout", Type: model.ParameterTypeInt, Value: "30"},
		},
	})
	return New(sched, classes, common.GetLogger())
}

func TestComposeRewritesDependencies(t *testing.T) {
	sched := &recordingScheduler{}
	composer := newTestComposer(sched)

	group := &model.JobGroup{
		Name: "smoke",
		Templates: []model.GroupTemplate{
			{TemplateName: "warmup", ClassName: "com.example.HTTPLoad", NumClients: 1, ThreadsPerClient: 1},
			{
				TemplateName:       "main",
				ClassName:          "com.example.HTTPLoad",
				NumClients:         2,
				ThreadsPerClient:   4,
				DependsOnTemplates: []string{"warmup"},
			},
		},
	}

	ids, err := composer.Compose(group)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Len(t, sched.jobs, 2)

	// The second member depends on the concrete id of the first.
	assert.Empty(t, sched.jobs[0].Dependencies)
	assert.Equal(t, []string{ids[0]}, sched.jobs[1].Dependencies)
}

func TestComposeSkipsUnknownDependencyNames(t *testing.T) {
	sched := &recordingScheduler{}
	composer := newTestComposer(sched)

	group := &model.JobGroup{
		Name: "g",
		Templates: []model.GroupTemplate{
			{
				TemplateName:         "solo",
				ClassName:            "com.example.HTTPLoad",
				NumClients:           1,
				DependsOnTemplates:   []string{"no-such-template"},
				ExternalDependencies: []string{"external-1"},
			},
		},
	}

	_, err := composer.Compose(group)
	require.NoError(t, err)
	// Unknown template names are skipped; external ids pass through.
	assert.Equal(t, []string{"external-1"}, sched.jobs[0].Dependencies)
}

func TestComposeResolvesParameters(t *testing.T) {
	sched := &recordingScheduler{}
	composer := newTestComposer(sched)

	group := &model.JobGroup{
		Name: "params",
		GroupParameters: model.ParameterList{
			{Name: "target", DisplayName: "Target", Type: model.ParameterTypeString, Value: "http://group-target"},
		},
		Templates: []model.GroupTemplate{
			{
				TemplateName: "only",
				ClassName:    "com.example.HTTPLoad",
				NumClients:   1,
				FixedParameters: model.ParameterList{
					{Name: "url", Value: "http://fixed"},
					{Name: "timeout", Value: "60"},
				},
				// Mapped wins over fixed on conflict.
				MappedParameters: map[string]string{"url": "target"},
			},
		},
	}

	_, err := composer.Compose(group)
	require.NoError(t, err)

	params := model.ParameterList(sched.jobs[0].Parameters)
	urlIdx := params.IndexOf("url")
	require.GreaterOrEqual(t, urlIdx, 0)
	assert.Equal(t, "http://group-target", params[urlIdx].Value)

	timeoutIdx := params.IndexOf("timeout")
	require.GreaterOrEqual(t, timeoutIdx, 0)
	assert.Equal(t, "60", params[timeoutIdx].Value)
}

func TestComposeBuildsOptimizingJobs(t *testing.T) {
	sched := &recordingScheduler{}
	composer := newTestComposer(sched)

	group := &model.JobGroup{
		Name:       "opt",
		FolderName: "perf",
		Templates: []model.GroupTemplate{
			{TemplateName: "base", ClassName: "com.example.HTTPLoad", NumClients: 1},
			{
				TemplateName:       "search",
				ClassName:          "com.example.HTTPLoad",
				Optimizing:         true,
				NumClients:         2,
				MinThreads:         1,
				MaxThreads:         8,
				ThreadIncrement:    1,
				DependsOnTemplates: []string{"base"},
			},
		},
	}

	ids, err := composer.Compose(group)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Len(t, sched.ojs, 1)

	oj := sched.ojs[0]
	assert.Equal(t, []string{ids[0]}, oj.Dependencies)
	assert.Equal(t, 8, oj.MaxThreads)
	assert.Equal(t, "perf", oj.FolderName)
}

func TestComposeAbortsOnSubmissionFailure(t *testing.T) {
	sched := &recordingScheduler{failOn: "com.example.Broken"}
	composer := newTestComposer(sched)

	group := &model.JobGroup{
		Name: "partial",
		Templates: []model.GroupTemplate{
			{TemplateName: "ok", ClassName: "com.example.HTTPLoad", NumClients: 1},
			{TemplateName: "bad", ClassName: "com.example.Broken", NumClients: 1},
			{TemplateName: "never", ClassName: "com.example.HTTPLoad", NumClients: 1},
		},
	}

	ids, err := composer.Compose(group)
	require.Error(t, err)
	// The first member stays scheduled; the third was never submitted.
	assert.Len(t, ids, 1)
	assert.Len(t, sched.jobs, 1)
}
