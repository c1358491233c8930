// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sftpd

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/hightd/hightd-agent/pkg/sandbox"
	"github.com/hightd/hightd-agent/pkg/server"
)

var sftpLog = logrus.WithField("source", "sftp")

// SetLogger sets the logger for the sftpd package.
func SetLogger(logger *logrus.Entry) {
	fields := sftpLog.Data
	sftpLog = logger.WithFields(fields)
}

const serverIDExtension = "server-id"

// Verifier checks SFTP credentials against the panel.
type Verifier interface {
	VerifySFTP(userName, password, serverID string) bool
}

// Server is the embedded SSH/SFTP daemon. Each authenticated session is
// rooted at its server's sandbox.
type Server struct {
	port     int
	registry *server.Registry
	resolver *sandbox.Resolver
	verifier Verifier
	signer   ssh.Signer

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// New builds an SFTP server listening on 0.0.0.0:port once served.
func New(port int, registry *server.Registry, resolver *sandbox.Resolver, verifier Verifier, signer ssh.Signer) *Server {
	return &Server{
		port:     port,
		registry: registry,
		resolver: resolver,
		verifier: verifier,
		signer:   signer,
		conns:    make(map[net.Conn]struct{}),
	}
}

// sshConfig builds the per-connection SSH policy: password only, "none"
// rejected while advertising "password".
func (s *Server) sshConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: s.authenticate,
	}
	cfg.AddHostKey(s.signer)
	return cfg
}

// SplitUsername splits a composite "{user}_{serverId}" username on its
// last underscore. The user part may itself contain underscores.
func SplitUsername(username string) (user, serverID string, err error) {
	idx := strings.LastIndex(username, "_")
	if idx <= 0 || idx == len(username)-1 {
		return "", "", errors.Errorf("malformed username %q", username)
	}
	return username[:idx], username[idx+1:], nil
}

// authenticate resolves the composite username to a server instance, then
// verifies the password with the panel. Ambiguous or unknown server ids
// are rejected.
func (s *Server) authenticate(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	user, serverID, err := SplitUsername(conn.User())
	if err != nil {
		return nil, err
	}

	inst, err := s.registry.Lookup(serverID)
	if err != nil {
		sftpLog.WithError(err).WithField("user", conn.User()).Debug("sftp login rejected")
		return nil, errors.Errorf("unknown server %q", serverID)
	}

	if !s.verifier.VerifySFTP(user, string(password), inst.ID()) {
		sftpLog.WithFields(logrus.Fields{
			"user":   user,
			"server": inst.ID(),
		}).Info("sftp password rejected")
		return nil, errors.New("permission denied")
	}

	return &ssh.Permissions{
		Extensions: map[string]string{serverIDExtension: inst.ID()},
	}, nil
}

// ListenAndServe binds the listener and accepts connections until
// Shutdown. It blocks.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.port))
	if err != nil {
		return errors.Wrapf(err, "bind sftp listener on port %d", s.port)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	sftpLog.WithField("port", s.port).Info("sftp server listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			sftpLog.WithError(err).Warn("sftp accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

// Shutdown stops the listener and closes every client connection. Open
// handles die with their connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) handleConn(conn net.Conn) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	sshConn, channels, requests, err := ssh.NewServerConn(conn, s.sshConfig())
	if err != nil {
		sftpLog.WithError(err).Debug("ssh handshake failed")
		return
	}
	defer sshConn.Close()

	serverID := sshConn.Permissions.Extensions[serverIDExtension]
	logger := sftpLog.WithFields(logrus.Fields{
		"server": serverID,
		"remote": conn.RemoteAddr().String(),
	})
	logger.Info("sftp session opened")
	defer logger.Info("sftp session closed")

	go ssh.DiscardRequests(requests)

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, channelRequests, err := newChannel.Accept()
		if err != nil {
			logger.WithError(err).Debug("channel accept failed")
			continue
		}

		go acceptSubsystem(channelRequests)
		go s.serveChannel(channel, serverID, logger)
	}
}

// acceptSubsystem acknowledges the sftp subsystem request and refuses
// everything else.
func acceptSubsystem(requests <-chan *ssh.Request) {
	for req := range requests {
		ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

func (s *Server) serveChannel(channel ssh.Channel, serverID string, logger *logrus.Entry) {
	defer channel.Close()

	rs := sftp.NewRequestServer(channel, newHandlers(s.resolver, serverID))
	if err := rs.Serve(); err != nil && err != io.EOF {
		logger.WithError(err).Debug("sftp request server ended")
	}
	rs.Close()
}
