// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hightd/hightd-agent/pkg/server"
)

// maxBodySize bounds control requests; uploads are base64 of 25 MiB.
const maxBodySize = 64 * 1024 * 1024

type baseRequest struct {
	Token    string `json:"token"`
	ServerID string `json:"serverId"`
	UserUUID string `json:"userUuid"`
}

// readBody decodes the request body into dst (which must embed
// baseRequest semantics) and returns the raw bytes for handlers that
// re-decode action payloads.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, dst interface{}) ([]byte, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return nil, false
	}
	return body, true
}

// authenticate enforces the shared token: missing is 400, mismatch 403.
func (s *Server) authenticate(w http.ResponseWriter, token string) bool {
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return false
	}
	if token != s.cfg.Token {
		writeError(w, http.StatusForbidden, "token mismatch")
		return false
	}
	return true
}

// requireServer resolves the request's server after the permission check.
func (s *Server) requireServer(w http.ResponseWriter, req baseRequest) (*server.Instance, bool) {
	if req.ServerID == "" || req.UserUUID == "" {
		writeError(w, http.StatusBadRequest, "serverId and userUuid are required")
		return nil, false
	}
	if !s.auth.HasPermission(req.UserUUID, req.ServerID) {
		writeError(w, http.StatusForbidden, "permission denied")
		return nil, false
	}

	inst, ok := s.registry.Get(req.ServerID)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return nil, false
	}
	return inst, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req baseRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return
	}
	if !s.authenticate(w, req.Token) {
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req baseRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return
	}
	if !s.authenticate(w, req.Token) {
		return
	}
	if req.ServerID == "" || req.UserUUID == "" {
		writeError(w, http.StatusBadRequest, "serverId and userUuid are required")
		return
	}
	if !s.auth.IsAdmin(req.UserUUID) {
		writeError(w, http.StatusForbidden, "admin permission required")
		return
	}

	if _, err := s.registry.Create(r.Context(), req.ServerID); err != nil {
		writeError(w, mapError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req baseRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return
	}
	if !s.authenticate(w, req.Token) {
		return
	}
	if req.ServerID == "" || req.UserUUID == "" {
		writeError(w, http.StatusBadRequest, "serverId and userUuid are required")
		return
	}
	if !s.auth.IsAdmin(req.UserUUID) {
		writeError(w, http.StatusForbidden, "admin permission required")
		return
	}

	inst, ok := s.registry.Get(req.ServerID)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if err := s.registry.Delete(r.Context(), inst); err != nil {
		writeError(w, mapError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	var req baseRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return
	}
	if !s.authenticate(w, req.Token) {
		return
	}
	inst, ok := s.requireServer(w, req)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "success",
		"serverStatus": string(inst.GetStatus(r.Context())),
	})
}

type usagePayload struct {
	CPU           float64 `json:"cpu"`
	Memory        uint64  `json:"memory"`
	MemoryLimit   uint64  `json:"memoryLimit"`
	MemoryPercent float64 `json:"memoryPercent"`
	StartedAt     int64   `json:"startedAt"`
	UptimeMs      int64   `json:"uptimeMs"`
	State         string  `json:"state"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req baseRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return
	}
	if !s.authenticate(w, req.Token) {
		return
	}
	inst, ok := s.requireServer(w, req)
	if !ok {
		return
	}

	status := inst.GetStatus(r.Context())
	payload := usagePayload{State: string(status)}

	if status == server.StatusRunning {
		usage, err := inst.GetUsages(r.Context())
		if err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		payload.CPU = usage.CPUPercent
		payload.Memory = usage.MemoryBytes
		payload.MemoryLimit = usage.MemoryLimitBytes
		if usage.MemoryLimitBytes > 0 {
			payload.MemoryPercent = float64(usage.MemoryBytes) / float64(usage.MemoryLimitBytes) * 100
		}
		if startedAt, ok := inst.StartedAt(); ok {
			payload.StartedAt = startedAt.UnixMilli()
			payload.UptimeMs = time.Since(startedAt).Milliseconds()
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"usage":  payload,
	})
}

type actionRequest struct {
	baseRequest
	Action  string `json:"action"`
	Command string `json:"command"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	body, ok := s.readBody(w, r, &req)
	if !ok {
		return
	}
	if !s.authenticate(w, req.Token) {
		return
	}
	inst, ok := s.requireServer(w, req.baseRequest)
	if !ok {
		return
	}

	logger := apiLog.WithFields(logrus.Fields{
		"server": inst.ID(),
		"action": req.Action,
	})

	var err error
	switch req.Action {
	case "start", "restart":
		var data server.StartData
		if jsonErr := json.Unmarshal(body, &data); jsonErr != nil {
			writeError(w, http.StatusBadRequest, "malformed start data")
			return
		}
		if req.Action == "start" {
			err = inst.Start(r.Context(), &data)
		} else {
			err = inst.Restart(r.Context(), &data)
		}
	case "stop":
		if req.Command == "" {
			writeError(w, http.StatusBadRequest, "command is required")
			return
		}
		err = inst.Stop(r.Context(), req.Command)
	case "kill":
		inst.Kill(r.Context())
	case "command":
		if req.Command == "" {
			writeError(w, http.StatusBadRequest, "command is required")
			return
		}
		err = inst.SendCommand(req.Command)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}

	if err != nil {
		logger.WithError(err).Warn("action failed")
		writeError(w, mapError(err), err.Error())
		return
	}

	logger.Debug("action executed")
	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}
