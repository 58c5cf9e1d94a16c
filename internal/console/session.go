// Package console serves the live server console over websocket: event
// frames out, operator commands in.
package console

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hightd-agent/internal/metrics"
	"hightd-agent/internal/remote"
	"hightd-agent/internal/server"
	"hightd-agent/pkg/models"
)

const (
	defaultTail = 200
	maxTail     = 1000

	heartbeatInterval  = 15 * time.Second
	supervisorInterval = 2 * time.Second
	writeWait          = 10 * time.Second
	maxInboundBytes    = 4096
	sendBuffer         = 256
)

// Frame is one outbound console message.
type Frame struct {
	Type      string `json:"type"`
	Prefix    string `json:"prefix,omitempty"`
	Category  string `json:"category,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Line      string `json:"line"`
}

// inbound is the only client-to-agent message shape.
type inbound struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

func clampTail(tail int) int {
	if tail < 0 {
		return 0
	}
	if tail > maxTail {
		return maxTail
	}
	return tail
}

var categoryColors = map[models.EventCategory]string{
	models.EventStatus:  "\x1b[32m",
	models.EventPull:    "\x1b[36m",
	models.EventError:   "\x1b[31m",
	models.EventWarn:    "\x1b[33m",
	models.EventCommand: "\x1b[34m",
}

// Handler upgrades console requests and runs one session per connection.
type Handler struct {
	registry *server.Registry
	remote   *remote.Client
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates the console handler.
func NewHandler(registry *server.Registry, rc *remote.Client, log *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		remote:   rc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The panel's origin is not known to the agent.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve handles the console websocket upgrade, parameterized by serverId,
// userUuid and tail. Authorization is delegated to the panel before the
// upgrade.
func (h *Handler) Serve(c *gin.Context) {
	serverID := c.Query("serverId")
	userUUID := c.Query("userUuid")
	if serverID == "" || userUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serverId and userUuid are required"})
		return
	}

	tail := defaultTail
	if raw := c.Query("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			tail = n
		}
	}
	tail = clampTail(tail)

	inst, ok := h.registry.Get(serverID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}
	if !h.remote.HasPermission(c.Request.Context(), userUUID, serverID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("console upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		conn: conn,
		inst: inst,
		log:  h.log.With(zap.String("server", serverID), zap.String("user", userUUID)),
		send: make(chan Frame, sendBuffer),
		done: make(chan struct{}),
	}
	s.run(tail)
}

// session is one live console connection. writePump is the only goroutine
// writing to the socket.
type session struct {
	conn *websocket.Conn
	inst *server.Instance
	log  *zap.Logger

	send chan Frame
	done chan struct{}

	closeOnce sync.Once
	unsub     func()

	pongMu      sync.Mutex
	missedPongs int

	streamMu    sync.Mutex
	logCleanup  func()
	wasRunning  bool
	streamIndex int
}

func (s *session) run(tail int) {
	metrics.ConsoleSessions.Inc()
	defer metrics.ConsoleSessions.Dec()

	s.unsub = s.inst.Events().Subscribe(s.onEvent)

	ctx := context.Background()
	if s.inst.Status(ctx) == "running" {
		s.setRunning(true)
		s.startLogStream(tail)
	} else {
		s.enqueue(s.eventFrame(models.NewEvent(models.EventStatus, "Servidor marcado como desligado")))
	}

	go s.writePump()
	go s.supervise()
	s.readPump()
	s.close()
}

// onEvent converts a bus event into an outbound frame. Internal events never
// leave the process.
func (s *session) onEvent(ev models.Event) {
	if ev.Category == models.EventInternal {
		return
	}
	s.enqueue(s.eventFrame(ev))
}

func (s *session) eventFrame(ev models.Event) Frame {
	f := Frame{
		Type:      "line",
		Category:  string(ev.Category),
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if ev.Category == models.EventLog {
		f.Line = ev.Message
		return f
	}
	color := categoryColors[ev.Category]
	f.Prefix = color + "[HightD]\x1b[0m"
	f.Line = f.Prefix + " " + color + ev.Message + "\x1b[0m"
	return f
}

func (s *session) enqueue(f Frame) {
	select {
	case s.send <- f:
	case <-s.done:
	default:
		// Slow consumer; dropping beats blocking the event bus.
		s.log.Debug("console frame dropped")
	}
}

func (s *session) writePump() {
	ping := time.NewTicker(heartbeatInterval)
	defer ping.Stop()

	for {
		select {
		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.close()
				return
			}
		case <-ping.C:
			s.pongMu.Lock()
			missed := s.missedPongs
			s.missedPongs++
			s.pongMu.Unlock()
			if missed >= 2 {
				s.log.Debug("console heartbeat lost")
				s.close()
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) readPump() {
	s.conn.SetReadLimit(maxInboundBytes)
	s.conn.SetPongHandler(func(string) error {
		s.pongMu.Lock()
		s.missedPongs = 0
		s.pongMu.Unlock()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.enqueue(s.eventFrame(models.NewEvent(models.EventError, "Mensagem inválida.")))
			continue
		}
		if msg.Type != "command" {
			continue
		}
		if msg.Command == "" {
			continue
		}
		if err := s.inst.SendCommand(context.Background(), msg.Command); err != nil {
			s.enqueue(s.eventFrame(models.NewEvent(models.EventWarn,
				"Não foi possível enviar o comando ao servidor.")))
		}
	}
}

// supervise watches the run state and flips the log stream with it: attach
// when the server comes up, detach when it goes down.
func (s *session) supervise() {
	tick := time.NewTicker(supervisorInterval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			running := s.pollRunning()
			s.streamMu.Lock()
			was := s.wasRunning
			s.streamMu.Unlock()
			if running == was {
				continue
			}
			s.setRunning(running)
			if running {
				// Only new output; the backlog predates this boot.
				s.startLogStream(0)
			} else {
				s.stopLogStream()
			}
		case <-s.done:
			return
		}
	}
}

// pollRunning asks the runtime instead of trusting the cached run state, so
// the supervisor also notices containers stopped or started behind the
// agent's back.
func (s *session) pollRunning() bool {
	return s.inst.Status(context.Background()) == "running"
}

func (s *session) setRunning(running bool) {
	s.streamMu.Lock()
	s.wasRunning = running
	s.streamMu.Unlock()
}

func (s *session) startLogStream(tail int) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.logCleanup != nil {
		s.logCleanup()
		s.logCleanup = nil
	}
	s.streamIndex++
	gen := s.streamIndex

	cleanup, err := s.inst.StreamLogs(context.Background(), tail, func(line string) {
		s.streamMu.Lock()
		live := gen == s.streamIndex
		s.streamMu.Unlock()
		if live {
			s.enqueue(s.eventFrame(models.Event{
				Category:  models.EventLog,
				Message:   line,
				Timestamp: time.Now().UnixMilli(),
			}))
		}
	})
	if err != nil {
		s.log.Debug("log stream attach failed", zap.Error(err))
		return
	}
	s.logCleanup = cleanup
}

func (s *session) stopLogStream() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	s.streamIndex++
	if s.logCleanup != nil {
		s.logCleanup()
		s.logCleanup = nil
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
		s.stopLogStream()
		close(s.done)
		s.conn.Close()
	})
}
