// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/hightd/hightd-agent/pkg/filemanager"
)

const fileManagerPrefix = "/api/v1/servers/filemanager/"

type fileManagerRequest struct {
	baseRequest

	Path        string `json:"path"`
	Content     string `json:"content"`
	NewName     string `json:"newName"`
	From        string `json:"from"`
	To          string `json:"to"`
	Destination string `json:"destination"`

	ContentBase64 string `json:"contentBase64"`

	Paths       []string `json:"paths"`
	Action      string   `json:"action"`
	ArchiveName string   `json:"archiveName"`
}

// handleFileManager dispatches /filemanager/{op} requests after the
// common precondition checks: token, ids, permission.
func (s *Server) handleFileManager(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, fileManagerPrefix)

	var req fileManagerRequest
	if _, ok := s.readBody(w, r, &req); !ok {
		return
	}
	if !s.authenticate(w, req.Token) {
		return
	}
	inst, ok := s.requireServer(w, req.baseRequest)
	if !ok {
		return
	}
	serverID := inst.ID()

	switch op {
	case "list":
		entries, err := s.files.List(serverID, req.Path)
		if err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "success",
			"entries": entries,
		})

	case "read":
		result, err := s.files.Read(serverID, req.Path)
		if err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":       "success",
			"path":         result.Path,
			"size":         result.Size,
			"lastModified": result.LastModified,
			"content":      result.Content,
		})

	case "write":
		if err := s.files.Write(serverID, req.Path, req.Content); err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case "rename":
		oldPath, newPath, err := s.files.Rename(serverID, req.Path, req.NewName)
		if err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"oldPath": oldPath,
			"newPath": newPath,
		})

	case "download":
		result, err := s.files.Download(serverID, req.Path)
		if err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "success",
			"fileName": result.FileName,
			"size":     result.Size,
			"base64":   result.Base64,
		})

	case "mkdir":
		path, err := s.files.Mkdir(serverID, req.Path)
		if err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "success",
			"path":   path,
		})

	case "move":
		from, to, entryType, err := s.files.Move(serverID, req.From, req.To)
		if err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "success",
			"from":   from,
			"to":     to,
			"type":   entryType,
		})

	case "upload":
		var data []byte
		switch {
		case req.ContentBase64 != "":
			decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid base64 payload")
				return
			}
			data = decoded
		default:
			data = []byte(req.Content)
		}

		path, size, err := s.files.Upload(serverID, req.Path, data)
		if err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "success",
			"path":   path,
			"size":   size,
		})

	case "mass":
		results, archive, err := s.files.Mass(serverID, req.Paths, filemanager.MassAction(req.Action), req.ArchiveName)
		if err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		payload := map[string]interface{}{
			"status":  "success",
			"results": results,
		}
		if archive != "" {
			payload["archive"] = archive
		}
		writeJSON(w, http.StatusOK, payload)

	case "unarchive":
		result, err := s.files.Unarchive(serverID, req.Path, req.Destination)
		if err != nil {
			writeError(w, mapError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "success",
			"archive":     result.Archive,
			"destination": result.Destination,
			"flattened":   result.Flattened,
			"results":     result.Results,
		})

	default:
		writeError(w, http.StatusNotFound, "unknown file manager operation")
	}
}
