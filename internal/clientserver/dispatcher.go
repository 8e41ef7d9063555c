// -----------------------------------------------------------------------
// Wire dispatcher - builds JobRequest / JobControlRequest envelopes and
// sends them over the reserved clients' connections
// -----------------------------------------------------------------------

package clientserver

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/ternarybob/arbor"

	"github.com/loadforge/loadsched/internal/model"
	"github.com/loadforge/loadsched/internal/registry"
	"github.com/loadforge/loadsched/internal/wire"
)

// Dispatcher implements the scheduler's JobDispatcher over the client
// registry's connections.
type Dispatcher struct {
	clients   *registry.Registry
	logger    arbor.ILogger
	messageID int32
}

func NewDispatcher(clients *registry.Registry, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{clients: clients, logger: logger}
}

func (d *Dispatcher) nextMessageID() int32 {
	return atomic.AddInt32(&d.messageID, 1)
}

// DispatchJob sends one JobRequest to every reserved client, each stamped
// with its zero-based clientNumber within the reserved set. The first
// send failure aborts the dispatch and is returned to the scheduler, which
// treats it as an internal job failure.
func (d *Dispatcher) DispatchJob(job *model.Job) error {
	duration := job.MaxDurationSeconds
	for number, clientID := range job.ReservedClients {
		conn, ok := d.clients.Conn(clientID)
		if !ok {
			return fmt.Errorf("reserved client %s is no longer connected", clientID)
		}
		req := &wire.JobRequest{
			JobID:                    job.ID,
			ClassName:                job.ClassName,
			ClassVersion:             job.ClassVersion,
			StartTime:                job.StartTime.UnixMilli(),
			DurationSeconds:          duration,
			CollectionIntervalSecond: job.CollectionIntervalSecond,
			ThreadsPerClient:         job.ThreadsPerClient,
			ThreadStartupDelayMillis: job.ThreadStartupDelayMillis,
			Parameters:               job.Parameters,
			ReportInProgressStats:    job.ReportInProgressStats,
			InProgressReportInterval: job.InProgressReportInterval,
			ClientNumber:             number,
		}
		if err := d.send(conn, wire.KindJobRequest, req); err != nil {
			return fmt.Errorf("send job request to client %s: %w", clientID, err)
		}
	}
	for _, monitorID := range job.ReservedMonitorClients {
		conn, ok := d.clients.Conn(monitorID)
		if !ok {
			// Monitor clients are best-effort; a vanished one never fails
			// the job.
			d.logger.Warn().Str("correlationid", job.ID).Str("client_id", monitorID).Msg("Reserved monitor client no longer connected")
			continue
		}
		req := &wire.JobRequest{
			JobID:                    job.ID,
			ClassName:                job.ClassName,
			StartTime:                job.StartTime.UnixMilli(),
			DurationSeconds:          duration,
			CollectionIntervalSecond: job.CollectionIntervalSecond,
		}
		if err := d.send(conn, wire.KindJobRequest, req); err != nil {
			d.logger.Warn().Err(err).Str("correlationid", job.ID).Str("client_id", monitorID).Msg("Failed to send monitor job request")
		}
	}
	return nil
}

// SignalStop sends a JobControlRequest to every reserved client of a
// running job. A send failure does not stop the remaining sends; only the
// first failure is returned. The scheduler treats the job as terminal
// regardless.
func (d *Dispatcher) SignalStop(job *model.Job, graceful bool) error {
	op := wire.JobControlStopForceful
	if graceful {
		op = wire.JobControlStopGraceful
	}
	var firstErr error
	for _, clientID := range append(append([]string(nil), job.ReservedClients...), job.ReservedMonitorClients...) {
		conn, ok := d.clients.Conn(clientID)
		if !ok {
			continue
		}
		ctrl := &wire.JobControlRequest{JobID: job.ID, Operation: op}
		if err := d.send(conn, wire.KindJobControlRequest, ctrl); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("signal stop to client %s: %w", clientID, err)
		}
	}
	return firstErr
}

func (d *Dispatcher) send(conn wire.ClientConn, kind wire.MessageKind, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return conn.Send(&wire.Envelope{
		MessageID: d.nextMessageID(),
		TypeTag:   kind,
		Payload:   data,
	})
}
