// -----------------------------------------------------------------------
// Persistent repository - BadgerHold-backed storage for Job, OptimizingJob,
// JobGroup and Config records with per-state secondary-index queries
// -----------------------------------------------------------------------

package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/loadforge/loadsched/internal/common"
	"github.com/loadforge/loadsched/internal/model"
)

// ErrNotFound is returned by Get when no record exists for the given id.
var ErrNotFound = fmt.Errorf("repository: record not found")

// Repository is the persistence surface the scheduler and optimizer
// depend on. Required kinds are Job, OptimizingJob, JobGroup
// and Config; writes are atomic at the per-record level.
type Repository interface {
	PutJob(job *model.Job) error
	GetJob(id string) (*model.Job, error)
	DeleteJob(id string) error
	ListJobsByState(states ...model.JobState) ([]*model.Job, error)
	ListAllJobs() ([]*model.Job, error)

	PutOptimizingJob(oj *model.OptimizingJob) error
	GetOptimizingJob(id string) (*model.OptimizingJob, error)
	DeleteOptimizingJob(id string) error
	ListOptimizingJobsByState(states ...model.JobState) ([]*model.OptimizingJob, error)

	PutJobGroup(group *model.JobGroup) error
	GetJobGroup(name string) (*model.JobGroup, error)

	PutConfig(key, value string) error
	GetConfig(key string) (string, error)

	Close() error
}

// BadgerRepository implements Repository on top of a BadgerHold store:
// one store, Upsert/Get/Delete by id, Where(...).Eq(...) for
// secondary-index style filtering.
type BadgerRepository struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// storedJob wraps a model.Job as its own stored type; Where("State")
// queries match the promoted State field. No BadgerHold index is declared,
// so those queries scan the stored records.
type storedJob struct {
	model.Job
}

type storedOptimizingJob struct {
	model.OptimizingJob
}

// NewBadgerRepository opens (creating if necessary) a BadgerHold store at
// config.Path, deleting any existing database first when ResetOnStartup is
// set.
func NewBadgerRepository(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerRepository, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // disable badger's own logger; arbor handles logging here

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return &BadgerRepository{store: store, logger: logger}, nil
}

func (r *BadgerRepository) Close() error {
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

func (r *BadgerRepository) PutJob(job *model.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := r.store.Upsert(job.ID, &storedJob{Job: *job}); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (r *BadgerRepository) GetJob(id string) (*model.Job, error) {
	var sj storedJob
	if err := r.store.Get(id, &sj); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &sj.Job, nil
}

func (r *BadgerRepository) DeleteJob(id string) error {
	if err := r.store.Delete(id, &storedJob{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// ListJobsByState runs a Where("State").Eq(...) query per requested
// state and merges the results.
func (r *BadgerRepository) ListJobsByState(states ...model.JobState) ([]*model.Job, error) {
	if len(states) == 0 {
		return r.ListAllJobs()
	}
	result := make([]*model.Job, 0)
	for _, state := range states {
		var rows []storedJob
		if err := r.store.Find(&rows, badgerhold.Where("State").Eq(state)); err != nil {
			return nil, fmt.Errorf("failed to list jobs by state %s: %w", state, err)
		}
		for i := range rows {
			result = append(result, &rows[i].Job)
		}
	}
	return result, nil
}

func (r *BadgerRepository) ListAllJobs() ([]*model.Job, error) {
	var rows []storedJob
	if err := r.store.Find(&rows, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	result := make([]*model.Job, len(rows))
	for i := range rows {
		result[i] = &rows[i].Job
	}
	return result, nil
}

func (r *BadgerRepository) PutOptimizingJob(oj *model.OptimizingJob) error {
	if oj.ID == "" {
		return fmt.Errorf("optimizing job ID is required")
	}
	if err := r.store.Upsert(oj.ID, &storedOptimizingJob{OptimizingJob: *oj}); err != nil {
		return fmt.Errorf("failed to save optimizing job: %w", err)
	}
	return nil
}

func (r *BadgerRepository) GetOptimizingJob(id string) (*model.OptimizingJob, error) {
	var soj storedOptimizingJob
	if err := r.store.Get(id, &soj); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get optimizing job: %w", err)
	}
	return &soj.OptimizingJob, nil
}

func (r *BadgerRepository) DeleteOptimizingJob(id string) error {
	if err := r.store.Delete(id, &storedOptimizingJob{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete optimizing job: %w", err)
	}
	return nil
}

func (r *BadgerRepository) ListOptimizingJobsByState(states ...model.JobState) ([]*model.OptimizingJob, error) {
	result := make([]*model.OptimizingJob, 0)
	for _, state := range states {
		var rows []storedOptimizingJob
		if err := r.store.Find(&rows, badgerhold.Where("State").Eq(state)); err != nil {
			return nil, fmt.Errorf("failed to list optimizing jobs by state %s: %w", state, err)
		}
		for i := range rows {
			result = append(result, &rows[i].OptimizingJob)
		}
	}
	return result, nil
}

func (r *BadgerRepository) PutJobGroup(group *model.JobGroup) error {
	if group.Name == "" {
		return fmt.Errorf("job group name is required")
	}
	if err := r.store.Upsert("group:"+group.Name, group); err != nil {
		return fmt.Errorf("failed to save job group: %w", err)
	}
	return nil
}

// storedConfig is one persisted operator tunable under the Config kind.
type storedConfig struct {
	Key   string
	Value string
}

func (r *BadgerRepository) PutConfig(key, value string) error {
	if key == "" {
		return fmt.Errorf("config key is required")
	}
	if err := r.store.Upsert("config:"+key, &storedConfig{Key: key, Value: value}); err != nil {
		return fmt.Errorf("failed to save config %s: %w", key, err)
	}
	return nil
}

func (r *BadgerRepository) GetConfig(key string) (string, error) {
	var sc storedConfig
	if err := r.store.Get("config:"+key, &sc); err != nil {
		if err == badgerhold.ErrNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return sc.Value, nil
}

func (r *BadgerRepository) GetJobGroup(name string) (*model.JobGroup, error) {
	var group model.JobGroup
	if err := r.store.Get("group:"+name, &group); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job group: %w", err)
	}
	return &group, nil
}
