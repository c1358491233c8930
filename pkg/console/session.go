// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package console

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hightd/hightd-agent/pkg/server"
)

var consoleLog = logrus.WithField("source", "console")

// SetLogger sets the logger for the console package.
func SetLogger(logger *logrus.Entry) {
	fields := consoleLog.Data
	consoleLog = logger.WithFields(fields)
}

const (
	// DefaultTail is the log backlog sent to a fresh session.
	DefaultTail = 200
	// MaxTail caps the requested backlog.
	MaxTail = 1000

	supervisorInterval = 2 * time.Second
	heartbeatInterval  = 15 * time.Second
	writeTimeout       = 10 * time.Second

	prefixLabel = "HightD"

	ansiReset  = "\x1b[0m"
	ansiPrefix = "\x1b[1;36m"
)

var categoryColors = map[server.Category]string{
	server.CategoryStatus:  "\x1b[32m",
	server.CategoryPull:    "\x1b[36m",
	server.CategoryError:   "\x1b[31m",
	server.CategoryWarn:    "\x1b[33m",
	server.CategoryCommand: "\x1b[34m",
}

// ClampTail normalizes a requested tail into [0, MaxTail], defaulting to
// DefaultTail.
func ClampTail(tail int, ok bool) int {
	if !ok {
		return DefaultTail
	}
	if tail < 0 {
		return 0
	}
	if tail > MaxTail {
		return MaxTail
	}
	return tail
}

// lineFrame is the outbound frame schema.
type lineFrame struct {
	Type      string `json:"type"`
	Prefix    string `json:"prefix,omitempty"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Line      string `json:"line"`
}

// commandFrame is the inbound frame schema.
type commandFrame struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// Session binds one WebSocket client to one server instance: live events
// and container log lines flow out, commands flow in. A supervisor follows
// container state transitions and a heartbeat reaps dead clients.
type Session struct {
	id   string
	conn *websocket.Conn
	inst *server.Instance
	tail int

	heartbeatEvery time.Duration

	writeMu sync.Mutex

	mu          sync.Mutex
	logCleanup  func()
	unsubscribe func()
	closed      bool
	done        chan struct{}
}

// NewSession wraps an accepted WebSocket connection.
func NewSession(conn *websocket.Conn, inst *server.Instance, tail int) *Session {
	return &Session{
		id:             uuid.NewString(),
		conn:           conn,
		inst:           inst,
		tail:           tail,
		heartbeatEvery: heartbeatInterval,
		done:           make(chan struct{}),
	}
}

func (c *Session) logger() *logrus.Entry {
	return consoleLog.WithFields(logrus.Fields{
		"session": c.id,
		"server":  c.inst.ID(),
	})
}

// Run services the session until the client disconnects or the heartbeat
// gives up. It blocks.
func (c *Session) Run(ctx context.Context) {
	server.ConsoleSessions.Inc()
	defer server.ConsoleSessions.Dec()
	defer c.teardown()

	c.logger().Info("console session opened")

	c.mu.Lock()
	c.unsubscribe = c.inst.AddLiveListener(c.forwardEvent)
	c.mu.Unlock()

	if c.inst.GetStatus(ctx) == server.StatusRunning {
		c.startLogStream(ctx)
	} else {
		c.sendEvent(server.Event{
			Category:  server.CategoryStatus,
			Message:   "Servidor marcado como desligado",
			Timestamp: time.Now().UnixMilli(),
		})
	}

	go c.supervise(ctx)
	go c.heartbeat()

	c.readLoop()
}

// forwardEvent relays one live event to the client. Internal events never
// leave the process.
func (c *Session) forwardEvent(event server.Event) {
	if event.Category == server.CategoryInternal {
		return
	}
	c.sendEvent(event)
}

func (c *Session) sendEvent(event server.Event) {
	frame := lineFrame{
		Type:      "line",
		Category:  string(event.Category),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}

	if event.Category == server.CategoryLog {
		frame.Line = event.Message
	} else {
		color, ok := categoryColors[event.Category]
		if !ok {
			color = ansiReset
		}
		frame.Prefix = prefixLabel
		frame.Line = ansiPrefix + prefixLabel + ansiReset + " " + color + event.Message + ansiReset
	}

	c.writeFrame(frame)
}

func (c *Session) sendLogLine(line string) {
	c.writeFrame(lineFrame{
		Type:      "line",
		Category:  string(server.CategoryLog),
		Message:   line,
		Timestamp: time.Now().UnixMilli(),
		Line:      line,
	})
}

func (c *Session) sendError(message string) {
	c.sendEvent(server.Event{
		Category:  server.CategoryError,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Session) writeFrame(frame lineFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.logger().WithError(err).Debug("frame write failed")
	}
}

// startLogStream begins following container logs; replacing a previous
// stream cleans the old one up first.
func (c *Session) startLogStream(ctx context.Context) {
	cleanup, err := c.inst.StreamDockerLogs(ctx, c.tail, c.sendLogLine)
	if err != nil {
		c.logger().WithError(err).Warn("log stream start failed")
		return
	}

	c.mu.Lock()
	previous := c.logCleanup
	c.logCleanup = cleanup
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
}

func (c *Session) stopLogStream() {
	c.mu.Lock()
	cleanup := c.logCleanup
	c.logCleanup = nil
	c.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
}

// supervise polls the instance status every two seconds, attaching a log
// stream when the server comes up and dropping it when the server goes
// down. Individual iteration errors are swallowed.
func (c *Session) supervise(ctx context.Context) {
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	last := c.inst.Running()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		now := c.inst.GetStatus(ctx) == server.StatusRunning
		switch {
		case now && !last:
			c.startLogStream(ctx)
		case !now && last:
			c.stopLogStream()
		}
		last = now
	}
}

// heartbeat pings on every interval; two consecutive missed pongs
// terminate the session.
func (c *Session) heartbeat() {
	var mu sync.Mutex
	missed := 0

	c.conn.SetPongHandler(func(string) error {
		mu.Lock()
		missed = 0
		mu.Unlock()
		return nil
	})

	ticker := time.NewTicker(c.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		mu.Lock()
		missed++
		expired := missed > 1
		mu.Unlock()

		if expired {
			c.logger().Debug("heartbeat expired, terminating session")
			c.conn.Close()
			return
		}

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			c.conn.Close()
			return
		}
	}
}

// readLoop consumes inbound frames until the socket dies.
func (c *Session) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame commandFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.sendError("mensagem inválida")
			continue
		}

		switch frame.Type {
		case "command":
			c.inst.Events().Emit(server.CategoryCommand, frame.Command)
			if err := c.inst.SendCommand(frame.Command); err != nil {
				c.sendError(err.Error())
			}
		default:
			c.sendError("tipo de mensagem desconhecido")
		}
	}
}

// teardown releases everything the session holds. Idempotent; runs on
// every exit path.
func (c *Session) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	cleanup := c.logCleanup
	c.logCleanup = nil
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	c.conn.Close()

	c.logger().Info("console session closed")
}
