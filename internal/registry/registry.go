// -----------------------------------------------------------------------
// Client registry - tracks live worker and monitor client connections and
// answers "is a sufficient set available for job J?" (C3)
// -----------------------------------------------------------------------

package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/loadforge/loadsched/internal/errs"
	"github.com/loadforge/loadsched/internal/model"
	"github.com/loadforge/loadsched/internal/wire"
)

// ServerVersion is the scheduler's own protocol version. A connecting
// client is compatible when its major version matches.
var ServerVersion = model.Version{Major: 1, Minor: 0, Point: 0}

// Registry is the single owner of every connected client's record and its
// send/receive transport. Other components address clients only by id.
type Registry struct {
	mu       sync.Mutex
	clients  map[string]*model.ClientRecord
	conns    map[string]wire.ClientConn
	lastSeen map[string]time.Time
	managers map[string]*model.ClientManagerRecord
	logger   arbor.ILogger
}

// New creates an empty client registry.
func New(logger arbor.ILogger) *Registry {
	return &Registry{
		clients:  make(map[string]*model.ClientRecord),
		conns:    make(map[string]wire.ClientConn),
		lastSeen: make(map[string]time.Time),
		managers: make(map[string]*model.ClientManagerRecord),
		logger:   logger,
	}
}

// Register records a newly connected client after its hello handshake has
// completed and binds it to the connection it arrived on.
func (r *Registry) Register(rec *model.ClientRecord, conn wire.ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[rec.ID] = rec
	r.conns[rec.ID] = conn
	r.lastSeen[rec.ID] = time.Now()
	r.logger.Info().Str("client_id", rec.ID).Str("address", rec.Address).Bool("restricted", rec.Restricted).Msg("client registered")
}

// RegisterManager records a client-manager connection.
func (r *Registry) RegisterManager(rec *model.ClientManagerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers[rec.ID] = rec
}

// Touch refreshes a client's last-seen timestamp; called on every received
// message, including KeepAlive, so the liveness sweeper sees it as live.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; ok {
		r.lastSeen[id] = time.Now()
	}
}

// Unregister removes a client and reports the job id it was reserved
// against, if any, so the caller (connection handler or sweeper) can log
// the lost reservation. The scheduler itself needs no special-cased
// reaction: losing a client just shrinks the pool future scans see.
func (r *Registry) Unregister(id string) (reservedJobID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[id]
	if !ok {
		return "", false
	}
	reservedJobID = rec.ReservedJobID
	delete(r.clients, id)
	delete(r.conns, id)
	delete(r.lastSeen, id)
	return reservedJobID, true
}

// Get returns a copy of the client record for id.
func (r *Registry) Get(id string) (model.ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[id]
	if !ok {
		return model.ClientRecord{}, false
	}
	return *rec, true
}

// Conn returns the transport bound to client id.
func (r *Registry) Conn(id string) (wire.ClientConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// StaleSince returns the ids of every client whose last traffic is older
// than staleAfter, for the liveness sweeper to evict.
func (r *Registry) StaleSince(staleAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var stale []string
	for id, ts := range r.lastSeen {
		if now.Sub(ts) > staleAfter {
			stale = append(stale, id)
		}
	}
	return stale
}

// Count returns the number of currently registered clients, for /metrics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// eligible reports whether c may be reserved as a worker for job: not a
// monitor client (monitors are reserved separately by ReserveMonitors),
// unreserved, version-compatible, and either explicitly named (when job
// names specific clients) or unrestricted (when it does not). Restricted
// clients are only eligible when named explicitly.
func eligible(c *model.ClientRecord, job *model.Job) bool {
	if c.IsMonitor() || c.IsReserved() {
		return false
	}
	if !c.Version.Compatible(ServerVersion) {
		return false
	}
	if len(job.RequestedClients) > 0 {
		return containsString(job.RequestedClients, c.ID)
	}
	return !c.Restricted
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ConnectionsAvailableFor reports whether enough eligible clients are
// currently unreserved to satisfy job.NumClients.
func (r *Registry) ConnectionsAvailableFor(job *model.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, c := range r.clients {
		if eligible(c, job) {
			count++
			if count >= job.NumClients {
				return true
			}
		}
	}
	return job.NumClients == 0
}

// MonitorsAvailableFor reports whether at least one of the monitor clients
// the job names is registered and unreserved. Monitor reservation itself is
// best-effort (ReserveMonitors); this check only gates dispatch for jobs
// that requested monitor clients at all.
func (r *Registry) MonitorsAvailableFor(job *model.Job) bool {
	if len(job.RequestedMonitorClients) == 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if c.IsMonitor() && !c.IsReserved() && containsString(job.RequestedMonitorClients, c.ID) {
			return true
		}
	}
	return false
}

// Reserve atomically marks job.NumClients eligible clients as attached to
// job and returns their ids in a stable (sorted) order so ClientNumber
// assignment is deterministic.
func (r *Registry) Reserve(job *model.Job) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*model.ClientRecord
	for _, c := range r.clients {
		if eligible(c, job) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) < job.NumClients {
		return nil, &errs.ClientUnavailableError{JobID: job.ID, Reason: "insufficient eligible clients"}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	ids := make([]string, job.NumClients)
	for i := 0; i < job.NumClients; i++ {
		candidates[i].ReservedJobID = job.ID
		ids[i] = candidates[i].ID
	}
	return ids, nil
}

// ReserveMonitors best-effort-reserves monitor clients named by
// job.RequestedMonitorClients that share a host with one of the already
// reserved worker clients in workerIDs. Monitor reservation never blocks
// job dispatch; an empty result is not an error.
func (r *Registry) ReserveMonitors(job *model.Job, workerIDs []string) []string {
	if len(job.RequestedMonitorClients) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	workerHosts := make(map[string]bool, len(workerIDs))
	for _, id := range workerIDs {
		if c, ok := r.clients[id]; ok {
			workerHosts[c.Address] = true
		}
	}

	var reserved []string
	for _, c := range r.clients {
		if c.IsReserved() || !c.IsMonitor() {
			continue
		}
		if !containsString(job.RequestedMonitorClients, c.ID) {
			continue
		}
		if !workerHosts[c.Address] {
			continue
		}
		c.ReservedJobID = job.ID
		reserved = append(reserved, c.ID)
	}
	return reserved
}

// Release clears the reservation on every listed client id, making them
// eligible again for future dispatch scans.
func (r *Registry) Release(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if c, ok := r.clients[id]; ok {
			c.ReservedJobID = ""
		}
	}
}
