// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hightd/hightd-agent/pkg/config"
	"github.com/hightd/hightd-agent/pkg/filemanager"
	"github.com/hightd/hightd-agent/pkg/sandbox"
	"github.com/hightd/hightd-agent/pkg/server"
)

var apiLog = logrus.WithField("source", "api")

// SetLogger sets the logger for the api package.
func SetLogger(logger *logrus.Entry) {
	fields := apiLog.Data
	apiLog = logger.WithFields(fields)
}

// Authorizer answers the remote permission predicates.
type Authorizer interface {
	IsAdmin(userUUID string) bool
	HasPermission(userUUID, serverID string) bool
}

// Server is the control HTTP surface driven by the panel.
type Server struct {
	cfg      *config.Agent
	registry *server.Registry
	auth     Authorizer
	files    *filemanager.Service

	httpSrv *http.Server
}

// New wires the control surface.
func New(cfg *config.Agent, registry *server.Registry, auth Authorizer, files *filemanager.Service) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		auth:     auth,
		files:    files,
	}
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
	}
	return s
}

type endpoint struct {
	path    string
	handler http.HandlerFunc
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	endpoints := []endpoint{
		{path: "/api/v1/status", handler: s.handleStatus},
		{path: "/api/v1/servers/create", handler: s.handleCreate},
		{path: "/api/v1/servers/delete", handler: s.handleDelete},
		{path: "/api/v1/servers/status", handler: s.handleServerStatus},
		{path: "/api/v1/servers/usage", handler: s.handleUsage},
		{path: "/api/v1/servers/action", handler: s.handleAction},
		{path: "/api/v1/servers/console", handler: s.handleConsole},
		{path: "/api/v1/servers/filemanager/", handler: s.handleFileManager},
	}
	for _, e := range endpoints {
		mux.Handle(e.path, e.handler)
	}
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// ListenAndServe blocks serving the control surface, with TLS when
// configured.
func (s *Server) ListenAndServe() error {
	apiLog.WithFields(logrus.Fields{
		"addr": s.httpSrv.Addr,
		"ssl":  s.cfg.SSL,
	}).Info("control server listening")

	var err error
	if s.cfg.SSL {
		err = s.httpSrv.ListenAndServeTLS(s.cfg.CertPath, s.cfg.KeyPath)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the control surface.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type statusResponse struct {
	Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		apiLog.WithError(err).Debug("response write failed")
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// mapError translates error kinds into HTTP status codes.
func mapError(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrPathEscape):
		return http.StatusForbidden
	case errors.Is(err, server.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, server.ErrServerExists):
		return http.StatusConflict
	case errors.Is(err, filemanager.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, filemanager.ErrIsDirectory),
		errors.Is(err, filemanager.ErrInvalidInput),
		errors.Is(err, filemanager.ErrUnsupportedArchive):
		return http.StatusBadRequest
	case os.IsNotExist(errors.Cause(err)):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
