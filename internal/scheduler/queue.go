package scheduler

import "github.com/loadforge/loadsched/internal/model"

// queueItemKind distinguishes the values travelling on the scheduler's
// command channel: a real job to place in pending, a bare wake-up (used on
// stop), or a config-tunable refresh.
type queueItemKind int

const (
	itemJob queueItemKind = iota
	itemWake
	itemConfig
)

// queueItem is one value on the toSchedule channel. The wake sentinel is a
// typed enum value, never a special-cased job instance.
type queueItem struct {
	kind queueItemKind
	job  *model.Job

	// itemConfig only.
	schedulerDelay int
	startBuffer    int
}

// orderedJobs is an insertion-ordered map of jobs keyed by id. The dispatch
// loop scans it in admission order so earlier-admitted jobs are always
// considered first.
type orderedJobs struct {
	order []string
	byID  map[string]*model.Job
}

func newOrderedJobs() *orderedJobs {
	return &orderedJobs{byID: make(map[string]*model.Job)}
}

func (o *orderedJobs) add(job *model.Job) {
	if _, exists := o.byID[job.ID]; !exists {
		o.order = append(o.order, job.ID)
	}
	o.byID[job.ID] = job
}

func (o *orderedJobs) get(id string) (*model.Job, bool) {
	job, ok := o.byID[id]
	return job, ok
}

func (o *orderedJobs) contains(id string) bool {
	_, ok := o.byID[id]
	return ok
}

func (o *orderedJobs) remove(id string) {
	if _, ok := o.byID[id]; !ok {
		return
	}
	delete(o.byID, id)
	for i, jid := range o.order {
		if jid == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// all returns the jobs in insertion order.
func (o *orderedJobs) all() []*model.Job {
	result := make([]*model.Job, 0, len(o.order))
	for _, id := range o.order {
		result = append(result, o.byID[id])
	}
	return result
}

func (o *orderedJobs) len() int {
	return len(o.byID)
}
