// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hightd/hightd-agent/pkg/console"
	"github.com/hightd/hightd-agent/pkg/server"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the panel fronts the agent; origin policy is its problem
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleConsole upgrades /api/v1/servers/console to a WebSocket console
// session bound to one server.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		apiLog.WithError(err).Debug("console upgrade failed")
		return
	}

	query := r.URL.Query()
	serverID := query.Get("serverId")
	userUUID := query.Get("userUuid")

	closeWith := func(message string) {
		conn.WriteJSON(map[string]interface{}{
			"type":      "line",
			"category":  string(server.CategoryError),
			"message":   message,
			"timestamp": time.Now().UnixMilli(),
			"line":      message,
		})
		conn.Close()
	}

	if serverID == "" || userUUID == "" {
		closeWith("serverId and userUuid are required")
		return
	}

	inst, ok := s.registry.Get(serverID)
	if !ok {
		closeWith("server not found")
		return
	}

	if !s.auth.HasPermission(userUUID, serverID) {
		closeWith("permission denied")
		return
	}

	tail, tailGiven := 0, false
	if raw := query.Get("tail"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			tail, tailGiven = parsed, true
		}
	}

	session := console.NewSession(conn, inst, console.ClampTail(tail, tailGiven))
	session.Run(r.Context())
}
