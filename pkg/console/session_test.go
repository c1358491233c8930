// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package console

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/hightd/hightd-agent/pkg/driver"
	"github.com/hightd/hightd-agent/pkg/server"
	"github.com/hightd/hightd-agent/pkg/server/mock"
)

func TestClampTail(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(DefaultTail, ClampTail(0, false))
	assert.Equal(0, ClampTail(-5, true))
	assert.Equal(0, ClampTail(0, true))
	assert.Equal(500, ClampTail(500, true))
	assert.Equal(MaxTail, ClampTail(5000, true))
}

// dialSession wires a real WebSocket pair to a session over inst.
func dialSession(t *testing.T, inst *server.Instance, tail int) (*websocket.Conn, func()) {
	return dialSessionWith(t, inst, tail, nil)
}

func dialSessionWith(t *testing.T, inst *server.Instance, tail int, configure func(*Session)) (*websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := NewSession(conn, inst, tail)
		if configure != nil {
			configure(session)
		}
		session.Run(context.Background())
		close(done)
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)

	return client, func() {
		client.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		srv.Close()
	}
}

type frame struct {
	Type      string `json:"type"`
	Prefix    string `json:"prefix"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Line      string `json:"line"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	assert.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestStoppedServerAnnouncesShutdownState(t *testing.T) {
	assert := assert.New(t)

	rt := mock.NewRuntime()
	inst := server.NewInstance("s1", t.TempDir(), rt)

	client, cleanup := dialSession(t, inst, DefaultTail)
	defer cleanup()

	f := readFrame(t, client)
	assert.Equal("line", f.Type)
	assert.Equal("status", f.Category)
	assert.Equal("Servidor marcado como desligado", f.Message)
	assert.Contains(f.Line, "HightD")
	assert.Contains(f.Line, "\x1b[")
}

func TestLiveEventsAreForwarded(t *testing.T) {
	assert := assert.New(t)

	rt := mock.NewRuntime()
	inst := server.NewInstance("s1", t.TempDir(), rt)

	client, cleanup := dialSession(t, inst, DefaultTail)
	defer cleanup()

	readFrame(t, client) // initial status

	inst.Events().Emit(server.CategoryWarn, "disk almost full")

	f := readFrame(t, client)
	assert.Equal("warn", f.Category)
	assert.Equal("disk almost full", f.Message)
	assert.NotEmpty(f.Prefix)
}

func TestInternalEventsAreFiltered(t *testing.T) {
	assert := assert.New(t)

	rt := mock.NewRuntime()
	inst := server.NewInstance("s1", t.TempDir(), rt)

	client, cleanup := dialSession(t, inst, DefaultTail)
	defer cleanup()

	readFrame(t, client) // initial status

	inst.Events().Emit(server.CategoryInternal, "secret")
	inst.Events().Emit(server.CategoryStatus, "visible")

	f := readFrame(t, client)
	assert.Equal("visible", f.Message)
}

func TestLogFramesOmitPrefix(t *testing.T) {
	assert := assert.New(t)

	rt := mock.NewRuntime()
	inst := server.NewInstance("s1", t.TempDir(), rt)

	client, cleanup := dialSession(t, inst, DefaultTail)
	defer cleanup()

	readFrame(t, client) // initial status

	inst.Events().Emit(server.CategoryLog, "[12:00:00] [Server thread/INFO]: Done")

	f := readFrame(t, client)
	assert.Equal("log", f.Category)
	assert.Empty(f.Prefix)
	// log lines pass through verbatim
	assert.Equal(f.Message, f.Line)
}

func TestInboundCommandReachesInstance(t *testing.T) {
	assert := assert.New(t)

	rt := mock.NewRuntime()
	inst := server.NewInstance("s1", t.TempDir(), rt)
	assert.NoError(inst.Start(context.Background(), startData()))

	client, cleanup := dialSession(t, inst, DefaultTail)
	defer cleanup()

	assert.NoError(client.WriteJSON(map[string]string{
		"type":    "command",
		"command": "list",
	}))

	id, _, _ := rt.FindByName(context.Background(), "hightd-s1")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, ok := rt.Get(id)
		if ok && strings.Contains(string(c.StdinData), "list\n") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("command never reached stdin")
}

func TestMalformedInboundFrameYieldsError(t *testing.T) {
	assert := assert.New(t)

	rt := mock.NewRuntime()
	inst := server.NewInstance("s1", t.TempDir(), rt)

	client, cleanup := dialSession(t, inst, DefaultTail)
	defer cleanup()

	readFrame(t, client) // initial status

	assert.NoError(client.WriteMessage(websocket.TextMessage, []byte("{not json")))

	f := readFrame(t, client)
	assert.Equal("error", f.Category)
}

func TestHeartbeatTerminatesAfterTwoMissedPongs(t *testing.T) {
	assert := assert.New(t)

	rt := mock.NewRuntime()
	inst := server.NewInstance("s1", t.TempDir(), rt)

	heartbeat := 50 * time.Millisecond
	client, cleanup := dialSessionWith(t, inst, DefaultTail, func(s *Session) {
		s.heartbeatEvery = heartbeat
	})
	defer cleanup()

	// gorilla answers pings with pongs by default; withhold them
	client.SetPingHandler(func(string) error { return nil })

	start := time.Now()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session never terminated without pongs")
	}

	// the first miss only pings again; the second miss terminates
	assert.GreaterOrEqual(time.Since(start), 2*heartbeat)
}

func TestHeartbeatSurvivesWhilePongsArrive(t *testing.T) {
	assert := assert.New(t)

	rt := mock.NewRuntime()
	inst := server.NewInstance("s1", t.TempDir(), rt)

	heartbeat := 50 * time.Millisecond
	client, cleanup := dialSessionWith(t, inst, DefaultTail, func(s *Session) {
		s.heartbeatEvery = heartbeat
	})
	defer cleanup()

	// the default ping handler pongs back as long as the client reads
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(5 * heartbeat)

	inst.Events().Emit(server.CategoryStatus, "still here")
	err := client.WriteJSON(map[string]string{"type": "command", "command": "noop"})
	assert.NoError(err)
}

func startData() *server.StartData {
	return &server.StartData{
		Memory:            1024,
		CPU:               1000,
		Disk:              5120,
		PrimaryAllocation: driver.Allocation{IP: "127.0.0.1", Port: 25565},
		Image:             "busybox:latest",
		Core: server.Core{
			StartupCommand: "sleep 30",
			StopCommand:    "exit",
		},
	}
}
