// -----------------------------------------------------------------------
// Client server - accepts worker/monitor/client-manager connections over
// raw TCP and WebSocket, runs the hello handshake, and pumps each
// connection's read loop
// -----------------------------------------------------------------------

package clientserver

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/loadforge/loadsched/internal/common"
	"github.com/loadforge/loadsched/internal/jobclass"
	"github.com/loadforge/loadsched/internal/registry"
	"github.com/loadforge/loadsched/internal/scheduler"
	"github.com/loadforge/loadsched/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients connect from anywhere; the hello handshake is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server owns the TCP listener for client connections and the WebSocket
// upgrade handler the admin HTTP surface mounts. Each accepted connection
// gets its own handler goroutine, which runs until its connection closes;
// Stop does not close established connections.
type Server struct {
	clients   *registry.Registry
	sched     *scheduler.Scheduler
	classes   *jobclass.Registry
	dispatch  *Dispatcher
	logger    arbor.ILogger
	listener  net.Listener
	closeOnce sync.Once
	closed    chan struct{}
}

func NewServer(clients *registry.Registry, sched *scheduler.Scheduler, classes *jobclass.Registry, dispatch *Dispatcher, logger arbor.ILogger) *Server {
	return &Server{
		clients:  clients,
		sched:    sched,
		classes:  classes,
		dispatch: dispatch,
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

// Listen starts accepting raw TCP client connections on addr.
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("client listener on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info().Str("address", addr).Msg("Client listener started")

	common.SafeGo(s.logger, "client-accept-loop", func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.closed:
					return
				default:
				}
				s.logger.Warn().Err(err).Msg("Accept failed")
				continue
			}
			cc := wire.NewTCPClientConn(conn)
			common.SafeGo(s.logger, "client-conn", func() { s.handleConnection(cc) })
		}
	})
	return nil
}

// HandleWebSocket upgrades an HTTP request to a WebSocket client
// connection and runs the same handshake and read loop as a TCP client.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	cc := wire.NewWSClientConn(conn)
	common.SafeGo(s.logger, "client-ws-conn", func() { s.handleConnection(cc) })
}

// Stop closes the listener so no new TCP connections are accepted.
// Connected clients are not notified and their connections stay open.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}

// sendServerDisconnect notifies the peer before a server-side close.
func (s *Server) sendServerDisconnect(conn wire.ClientConn, reason string, transient, clientShouldClose bool) {
	msg := &wire.ServerDisconnect{
		Reason:            reason,
		IsTransient:       transient,
		ClientShouldClose: clientShouldClose,
	}
	if err := s.dispatch.send(conn, wire.KindServerDisconnect, msg); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send server disconnect")
	}
}

// connReadTimeout bounds a single blocking read so dead peers are
// eventually detected even without the sweeper. KeepAlives from healthy
// clients arrive well inside it.
const connReadTimeout = 5 * time.Minute
