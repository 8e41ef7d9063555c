// -----------------------------------------------------------------------
// Job-group composer - materializes a job group into a sequence of
// concrete jobs and optimizing jobs with rewritten dependencies (C7)
// -----------------------------------------------------------------------

package groupcomposer

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/loadforge/loadsched/internal/jobclass"
	"github.com/loadforge/loadsched/internal/model"
	"github.com/loadforge/loadsched/internal/scheduler"
)

// Scheduler is the admission surface the composer drives.
type Scheduler interface {
	Admit(job *model.Job, folder string) (string, error)
	AdmitOptimizing(oj *model.OptimizingJob, folder string) (string, error)
}

var _ Scheduler = (*scheduler.Scheduler)(nil)

// Composer turns a JobGroup template bundle into concrete submissions.
type Composer struct {
	sched   Scheduler
	classes *jobclass.Registry
	logger  arbor.ILogger
}

func New(sched Scheduler, classes *jobclass.Registry, logger arbor.ILogger) *Composer {
	return &Composer{sched: sched, classes: classes, logger: logger}
}

// Compose iterates the group's templates in order, resolving parameters
// and rewriting template-name dependencies into the concrete ids produced
// by earlier submissions, and admits each member. On a submission failure
// the composer aborts: subsequent templates are not submitted, but
// already-submitted members remain scheduled. Returns the ids admitted so
// far in template order.
func (c *Composer) Compose(group *model.JobGroup) ([]string, error) {
	nameToID := make(map[string]string, len(group.Templates))
	admitted := make([]string, 0, len(group.Templates))

	for _, tpl := range group.Templates {
		params := c.resolveParameters(group, &tpl)
		deps := c.resolveDependencies(group.Name, &tpl, nameToID)

		var id string
		var err error
		if tpl.Optimizing {
			id, err = c.sched.AdmitOptimizing(c.buildOptimizingJob(&tpl, params, deps), group.FolderName)
		} else {
			id, err = c.sched.Admit(c.buildJob(&tpl, params, deps), group.FolderName)
		}
		if err != nil {
			return admitted, fmt.Errorf("group %s: template %s rejected: %w", group.Name, tpl.TemplateName, err)
		}

		nameToID[tpl.TemplateName] = id
		admitted = append(admitted, id)
		c.logger.Info().
			Str("group", group.Name).
			Str("template", tpl.TemplateName).
			Str("correlationid", id).
			Bool("optimizing", tpl.Optimizing).
			Msg("Group member admitted")
	}
	return admitted, nil
}

// resolveParameters builds the member's concrete parameter list: the job
// class's stubs, overlaid by the fixed set, then by the mapped set
// resolved against the caller-supplied group parameters (mapped wins).
func (c *Composer) resolveParameters(group *model.JobGroup, tpl *model.GroupTemplate) model.ParameterList {
	stubs := tpl.ParameterStubs
	if len(stubs) == 0 {
		stubs = c.classes.Lookup(tpl.ClassName).ParameterStubs()
	}

	var mapped model.ParameterList
	for paramName, groupParamName := range tpl.MappedParameters {
		idx := group.GroupParameters.IndexOf(groupParamName)
		if idx < 0 {
			c.logger.Warn().
				Str("group", group.Name).
				Str("template", tpl.TemplateName).
				Str("group_parameter", groupParamName).
				Msg("Mapped parameter names an unknown group parameter - skipped")
			continue
		}
		src := group.GroupParameters[idx]
		mapped = append(mapped, model.Parameter{
			Name:        paramName,
			DisplayName: src.DisplayName,
			Type:        src.Type,
			Value:       src.Value,
			Required:    src.Required,
		})
	}

	return stubs.Overlay(tpl.FixedParameters, mapped)
}

// resolveDependencies rewrites template-name dependencies into the
// concrete ids admitted earlier in this composition. Unknown names are
// logged and skipped; external dependency ids are prepended unchanged.
func (c *Composer) resolveDependencies(groupName string, tpl *model.GroupTemplate, nameToID map[string]string) []string {
	deps := append([]string(nil), tpl.ExternalDependencies...)
	for _, name := range tpl.DependsOnTemplates {
		id, ok := nameToID[name]
		if !ok {
			c.logger.Warn().
				Str("group", groupName).
				Str("template", tpl.TemplateName).
				Str("dependency", name).
				Msg("Dependency names an unknown template - skipped")
			continue
		}
		deps = append(deps, id)
	}
	return deps
}

func (c *Composer) buildJob(tpl *model.GroupTemplate, params model.ParameterList, deps []string) *model.Job {
	return &model.Job{
		ClassName:                tpl.ClassName,
		StartTime:                time.Now(),
		MaxDurationSeconds:       tpl.DurationSeconds,
		CollectionIntervalSecond: tpl.CollectionIntervalSecond,
		NumClients:               tpl.NumClients,
		ThreadsPerClient:         tpl.ThreadsPerClient,
		ThreadStartupDelayMillis: tpl.ThreadStartupDelayMillis,
		Dependencies:             deps,
		Parameters:               params,
		WaitForClients:           tpl.WaitForClients,
	}
}

func (c *Composer) buildOptimizingJob(tpl *model.GroupTemplate, params model.ParameterList, deps []string) *model.OptimizingJob {
	return &model.OptimizingJob{
		ClassName:                tpl.ClassName,
		IterationDurationSeconds: tpl.IterationDurationSeconds,
		CollectionIntervalSecond: tpl.CollectionIntervalSecond,
		DelayBetweenIterations:   tpl.DelayBetweenIterations,
		NumClients:               tpl.NumClients,
		MinThreads:               tpl.MinThreads,
		MaxThreads:               tpl.MaxThreads,
		ThreadIncrement:          tpl.ThreadIncrement,
		MaxNonImprovingStreak:    tpl.MaxNonImprovingStreak,
		ThreadStartupDelayMillis: tpl.ThreadStartupDelayMillis,
		ReRunBestIteration:       tpl.ReRunBestIteration,
		ReRunDurationSeconds:     tpl.ReRunDurationSeconds,
		Dependencies:             deps,
		FixedParameters:          params,
		AlgorithmID:              tpl.AlgorithmID,
		AlgorithmParameters:      tpl.AlgorithmParameters,
	}
}
