package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/loadsched/internal/common"
	"github.com/loadforge/loadsched/internal/model"
)

func worker(id string) *model.ClientRecord {
	return &model.ClientRecord{ID: id, Address: "10.0.0.1", Version: ServerVersion}
}

func job(numClients int) *model.Job {
	return &model.Job{ID: "job-1", NumClients: numClients}
}

func newTestRegistry() *Registry {
	return New(common.GetLogger())
}

func TestConnectionsAvailableFor(t *testing.T) {
	r := newTestRegistry()
	r.Register(worker("a"), nil)
	r.Register(worker("b"), nil)

	assert.True(t, r.ConnectionsAvailableFor(job(2)))
	assert.False(t, r.ConnectionsAvailableFor(job(3)))
}

func TestReserveIsAtomicAndOrdered(t *testing.T) {
	r := newTestRegistry()
	r.Register(worker("c"), nil)
	r.Register(worker("a"), nil)
	r.Register(worker("b"), nil)

	ids, err := r.Reserve(job(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids) // stable sorted order

	// Reserved clients are no longer available for a second job.
	other := &model.Job{ID: "job-2", NumClients: 2}
	assert.False(t, r.ConnectionsAvailableFor(other))
	_, err = r.Reserve(other)
	assert.Error(t, err)

	r.Release(ids)
	assert.True(t, r.ConnectionsAvailableFor(other))
}

func TestRestrictedClientNeedsExplicitRequest(t *testing.T) {
	r := newTestRegistry()
	restricted := worker("locked")
	restricted.Restricted = true
	r.Register(restricted, nil)

	// Not eligible for an ordinary job.
	assert.False(t, r.ConnectionsAvailableFor(job(1)))

	// Eligible when explicitly named.
	named := &model.Job{ID: "job-1", NumClients: 1, RequestedClients: []string{"locked"}}
	assert.True(t, r.ConnectionsAvailableFor(named))
	ids, err := r.Reserve(named)
	require.NoError(t, err)
	assert.Equal(t, []string{"locked"}, ids)
}

func TestExplicitRequestExcludesOtherClients(t *testing.T) {
	r := newTestRegistry()
	r.Register(worker("a"), nil)
	r.Register(worker("b"), nil)

	named := &model.Job{ID: "job-1", NumClients: 1, RequestedClients: []string{"a"}}
	ids, err := r.Reserve(named)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestVersionIncompatibleClientIneligible(t *testing.T) {
	r := newTestRegistry()
	old := worker("ancient")
	old.Version = model.Version{Major: ServerVersion.Major + 1}
	r.Register(old, nil)

	assert.False(t, r.ConnectionsAvailableFor(job(1)))
}

func TestReserveMonitorsSameHostOnly(t *testing.T) {
	r := newTestRegistry()
	w := worker("w1")
	w.Address = "10.0.0.1"
	r.Register(w, nil)

	sameHost := &model.ClientRecord{
		ID: "mon-near", Address: "10.0.0.1", Version: ServerVersion,
		MonitorClasses: []string{"cpu"},
	}
	otherHost := &model.ClientRecord{
		ID: "mon-far", Address: "10.0.0.99", Version: ServerVersion,
		MonitorClasses: []string{"cpu"},
	}
	r.Register(sameHost, nil)
	r.Register(otherHost, nil)

	j := &model.Job{ID: "job-1", NumClients: 1, RequestedMonitorClients: []string{"mon-near", "mon-far"}}
	workers, err := r.Reserve(j)
	require.NoError(t, err)

	monitors := r.ReserveMonitors(j, workers)
	assert.Equal(t, []string{"mon-near"}, monitors)
}

func TestMonitorsAvailableFor(t *testing.T) {
	r := newTestRegistry()

	plain := &model.Job{ID: "job-1", NumClients: 1}
	assert.True(t, r.MonitorsAvailableFor(plain), "no monitors requested means no gate")

	wantsMonitor := &model.Job{ID: "job-2", NumClients: 1, RequestedMonitorClients: []string{"mon"}}
	assert.False(t, r.MonitorsAvailableFor(wantsMonitor))

	r.Register(&model.ClientRecord{
		ID: "mon", Address: "10.0.0.1", Version: ServerVersion,
		MonitorClasses: []string{"cpu"},
	}, nil)
	assert.True(t, r.MonitorsAvailableFor(wantsMonitor))
}

func TestUnregisterReportsReservation(t *testing.T) {
	r := newTestRegistry()
	r.Register(worker("a"), nil)

	ids, err := r.Reserve(job(1))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	jobID, ok := r.Unregister("a")
	assert.True(t, ok)
	assert.Equal(t, "job-1", jobID)

	_, ok = r.Unregister("a")
	assert.False(t, ok)
	assert.Zero(t, r.Count())
}

func TestStaleSince(t *testing.T) {
	r := newTestRegistry()
	r.Register(worker("fresh"), nil)
	r.Register(worker("stale"), nil)

	r.mu.Lock()
	r.lastSeen["stale"] = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	stale := r.StaleSince(time.Minute)
	assert.Equal(t, []string{"stale"}, stale)

	r.Touch("stale")
	assert.Empty(t, r.StaleSince(time.Minute))
}
