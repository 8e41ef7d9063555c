// -----------------------------------------------------------------------
// Connection handler - per-connection hello handshake and message pump
// -----------------------------------------------------------------------

package clientserver

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/loadforge/loadsched/internal/common"
	"github.com/loadforge/loadsched/internal/model"
	"github.com/loadforge/loadsched/internal/registry"
	"github.com/loadforge/loadsched/internal/scheduler"
	"github.com/loadforge/loadsched/internal/wire"
)

// handleConnection runs one client connection from handshake to close.
// Wire errors are connection-local: they are logged, answered with a
// non-transient ServerDisconnect, and never affect other connections.
func (s *Server) handleConnection(conn wire.ClientConn) {
	defer conn.Close()

	wire.SetReadDeadline(conn, connReadTimeout)
	env, err := conn.Receive()
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr()).Msg("Connection closed before hello")
		return
	}

	clientID, ok := s.handshake(conn, env)
	if !ok {
		return
	}
	defer func() {
		if jobID, removed := s.clients.Unregister(clientID); removed && jobID != "" {
			s.sched.NoteClientLost(jobID, clientID)
		}
	}()

	s.readLoop(conn, clientID)
}

// handshake decodes the hello, registers the client and answers with a
// ServerHello. Returns the assigned client id.
func (s *Server) handshake(conn wire.ClientConn, env *wire.Envelope) (string, bool) {
	switch env.TypeTag {
	case wire.KindClientHello:
		var hello wire.ClientHello
		if err := json.Unmarshal(env.Payload, &hello); err != nil {
			s.rejectHandshake(conn, "malformed client hello")
			return "", false
		}
		return s.registerClient(conn, &hello, nil)

	case wire.KindMonitorClientHello:
		var hello wire.MonitorClientHello
		if err := json.Unmarshal(env.Payload, &hello); err != nil {
			s.rejectHandshake(conn, "malformed monitor client hello")
			return "", false
		}
		if len(hello.MonitorClasses) == 0 {
			s.rejectHandshake(conn, "monitor client hello names no monitor classes")
			return "", false
		}
		return s.registerClient(conn, &hello.ClientHello, hello.MonitorClasses)

	case wire.KindClientManagerHello:
		var hello wire.ClientManagerHello
		if err := json.Unmarshal(env.Payload, &hello); err != nil {
			s.rejectHandshake(conn, "malformed client manager hello")
			return "", false
		}
		return s.registerManager(conn, &hello)

	default:
		s.rejectHandshake(conn, "first message must be a hello")
		return "", false
	}
}

func (s *Server) registerClient(conn wire.ClientConn, hello *wire.ClientHello, monitorClasses []string) (string, bool) {
	if !hello.Version.Compatible(registry.ServerVersion) {
		s.sendHello(conn, wire.ResultUpgradeRequired, "incompatible protocol version")
		return "", false
	}

	id := hello.ClientID
	if id == "" {
		id = common.NewConnectionID()
	}
	host, port := splitAddr(conn.RemoteAddr())
	rec := &model.ClientRecord{
		ID:             id,
		Address:        host,
		Port:           port,
		Version:        hello.Version,
		Restricted:     hello.RestrictedMode,
		MonitorClasses: monitorClasses,
	}
	s.clients.Register(rec, conn)
	s.sendHello(conn, wire.ResultOK, "")
	return id, true
}

func (s *Server) registerManager(conn wire.ClientConn, hello *wire.ClientManagerHello) (string, bool) {
	id := hello.ClientManagerID
	if id == "" {
		id = common.NewConnectionID()
	}
	host, port := splitAddr(conn.RemoteAddr())
	s.clients.RegisterManager(&model.ClientManagerRecord{
		ID:         id,
		Address:    host,
		Port:       port,
		MaxClients: hello.MaxClients,
	})
	s.sendHello(conn, wire.ResultOK, "")
	s.logger.Info().Str("client_manager_id", id).Int("max_clients", hello.MaxClients).Msg("Client manager registered")
	return id, true
}

func (s *Server) rejectHandshake(conn wire.ClientConn, reason string) {
	s.logger.Warn().Str("remote", conn.RemoteAddr()).Str("reason", reason).Msg("Handshake rejected")
	s.sendHello(conn, wire.ResultError, reason)
	s.sendServerDisconnect(conn, reason, false, false)
}

func (s *Server) sendHello(conn wire.ClientConn, code wire.ResultCode, message string) {
	hello := &wire.ServerHello{
		ResultCode:    code,
		ResultMessage: message,
		ServerVersion: registry.ServerVersion,
	}
	if err := s.dispatch.send(conn, wire.KindServerHello, hello); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send server hello")
	}
}

// readLoop pumps messages until the connection closes or a decode error
// forces a disconnect. Every received message refreshes the client's
// last-seen timestamp for the liveness sweeper.
func (s *Server) readLoop(conn wire.ClientConn, clientID string) {
	for {
		wire.SetReadDeadline(conn, connReadTimeout)
		env, err := conn.Receive()
		if err != nil {
			var decodeErr *wire.DecodeError
			if errors.As(err, &decodeErr) {
				s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Decode error - disconnecting client")
				s.sendServerDisconnect(conn, decodeErr.Reason, false, false)
			} else if err != io.EOF {
				s.logger.Debug().Err(err).Str("client_id", clientID).Msg("Connection read failed")
			}
			return
		}
		s.clients.Touch(clientID)

		if done := s.handleMessage(conn, clientID, env); done {
			return
		}
	}
}

// handleMessage routes one decoded envelope. Returns true when the
// connection should close.
func (s *Server) handleMessage(conn wire.ClientConn, clientID string, env *wire.Envelope) bool {
	switch env.TypeTag {
	case wire.KindKeepAlive:
		// Touch already happened; nothing else to do.

	case wire.KindJobResponse:
		var resp wire.JobResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Malformed job response")
			return false
		}
		if resp.ResultCode != wire.ResultOK {
			s.logger.Warn().
				Str("correlationid", resp.JobID).
				Str("client_id", clientID).
				Str("message", resp.ResultMessage).
				Msg("Client rejected job request")
		}

	case wire.KindRegisterStatistic:
		var reg wire.RegisterStatistic
		if err := json.Unmarshal(env.Payload, &reg); err != nil {
			s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Malformed register statistic")
			return false
		}
		s.logger.Debug().
			Str("correlationid", reg.JobID).
			Str("client_id", reg.ClientID).
			Int("thread", reg.ThreadIndex).
			Str("display_name", reg.DisplayName).
			Msg("Statistic registered")

	case wire.KindReportStatistic:
		var report wire.ReportStatistic
		if err := json.Unmarshal(env.Payload, &report); err != nil {
			s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Malformed statistic report")
			return false
		}
		s.logger.Debug().
			Str("correlationid", report.JobID).
			Int("bytes", len(report.InProgressData)).
			Msg("In-progress statistics received")

	case wire.KindJobCompleted:
		s.handleJobCompleted(clientID, env)

	case wire.KindClassTransferReq:
		s.handleClassTransfer(conn, env)

	case wire.KindClientUpgradeReq:
		// Binary upgrades are served out-of-band in this deployment.
		resp := &wire.ClientUpgradeResponse{ResultCode: wire.ResultError}
		if err := s.dispatch.send(conn, wire.KindClientUpgradeResp, resp); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send upgrade response")
		}

	case wire.KindStatusResponse:
		var status wire.StatusResponse
		if err := json.Unmarshal(env.Payload, &status); err != nil {
			s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Malformed status response")
			return false
		}
		s.logger.Debug().
			Str("client_id", clientID).
			Str("client_state", status.ClientState).
			Str("correlationid", status.JobID).
			Msg("Client status")

	case wire.KindClientDisconnect:
		var disc wire.ClientDisconnect
		_ = json.Unmarshal(env.Payload, &disc)
		s.logger.Info().Str("client_id", clientID).Str("reason", disc.Reason).Msg("Client disconnecting")
		return true

	default:
		// Forward compatibility: unrecognized kinds are ignored, not fatal.
		s.logger.Debug().Str("client_id", clientID).Str("type_tag", string(env.TypeTag)).Msg("Ignoring unrecognized message kind")
	}
	return false
}

// handleJobCompleted translates the wire outcome into the scheduler's
// JobDone resolution.
func (s *Server) handleJobCompleted(clientID string, env *wire.Envelope) {
	var msg wire.JobCompleted
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Malformed job completed")
		return
	}
	if msg.JobID == "" {
		s.logger.Warn().Str("client_id", clientID).Msg("Job completed without job_id")
		return
	}

	result := &scheduler.JobResult{
		State:          jobStateFromWire(msg.JobState),
		ActualStopTime: time.UnixMilli(msg.ActualStopTime),
		ActualDuration: time.Duration(msg.ActualDuration) * time.Millisecond,
		StatTracker:    msg.StatTrackers,
		MonitorTrackers: msg.MonitorTrackers,
		LogMessages:    msg.LogMessages,
	}
	s.sched.JobDone(msg.JobID, result)
}

// handleClassTransfer serves job-class bodies from the class registry.
func (s *Server) handleClassTransfer(conn wire.ClientConn, env *wire.Envelope) {
	var req wire.ClassTransferRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed class transfer request")
		return
	}

	resp := &wire.ClassTransferResponse{ResultCode: wire.ResultOK}
	for _, name := range req.ClassNames {
		class := s.classes.Lookup(name)
		if !class.Runnable() {
			resp.ResultCode = wire.ResultError
			resp.ResultMessage = "unknown job class: " + name
			resp.Classes = nil
			break
		}
		resp.Classes = append(resp.Classes, wire.ClassBytes{ClassName: name, Bytes: class.Bytes()})
	}
	if err := s.dispatch.send(conn, wire.KindClassTransferResp, resp); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send class transfer response")
	}
}

// jobStateFromWire maps the wire job_state string onto the model enum;
// anything unrecognized is treated as an error stop so the outcome is
// never silently lost.
func jobStateFromWire(state string) model.JobState {
	switch state {
	case model.JobStateCompleted.String():
		return model.JobStateCompleted
	case model.JobStateStoppedByUser.String():
		return model.JobStateStoppedByUser
	case model.JobStateStoppedByShutdown.String():
		return model.JobStateStoppedByShutdown
	case model.JobStateCancelled.String():
		return model.JobStateCancelled
	default:
		return model.JobStateStoppedDueToError
	}
}

// splitAddr separates "host:port" into its parts; a missing or unparsable
// port yields zero.
func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
