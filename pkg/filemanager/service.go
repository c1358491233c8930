// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package filemanager

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hightd/hightd-agent/pkg/sandbox"
)

var fmLog = logrus.WithField("source", "filemanager")

// SetLogger sets the logger for the filemanager package.
func SetLogger(logger *logrus.Entry) {
	fields := fmLog.Data
	fmLog = logger.WithFields(fields)
}

const (
	// MaxReadSize bounds text reads.
	MaxReadSize = 2 * 1024 * 1024
	// MaxUploadSize bounds uploads.
	MaxUploadSize = 25 * 1024 * 1024
)

var (
	// ErrTooLarge flags a payload over the size limits.
	ErrTooLarge = errors.New("payload too large")
	// ErrIsDirectory flags a file operation aimed at a directory.
	ErrIsDirectory = errors.New("target is a directory")
	// ErrInvalidInput flags missing or ill-formed request fields.
	ErrInvalidInput = errors.New("invalid input")
)

// Service performs request-response file operations confined to each
// server's sandbox.
type Service struct {
	resolver *sandbox.Resolver
}

// NewService builds a Service over resolver.
func NewService(resolver *sandbox.Resolver) *Service {
	return &Service{resolver: resolver}
}

// Entry is one directory listing row. Size is nil for folders.
type Entry struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Size         *int64 `json:"size"`
	LastModified int64  `json:"lastModified"`
	Path         string `json:"path"`
}

// List returns the entries of a sandbox directory.
func (s *Service) List(serverID, path string) ([]Entry, error) {
	abs, err := s.resolver.Resolve(serverID, path)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}

		virtual, err := s.resolver.Virtualize(serverID, filepath.Join(abs, de.Name()))
		if err != nil {
			continue
		}

		entry := Entry{
			Name:         de.Name(),
			Type:         "file",
			LastModified: info.ModTime().UnixMilli(),
			Path:         virtual,
		}
		if de.IsDir() {
			entry.Type = "folder"
		} else {
			size := info.Size()
			entry.Size = &size
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReadResult is the payload of a text read.
type ReadResult struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"lastModified"`
	Content      string `json:"content"`
}

// Read returns a sandbox file as UTF-8 text. Directories and files over
// MaxReadSize are rejected.
func (s *Service) Read(serverID, path string) (*ReadResult, error) {
	abs, err := s.resolver.Resolve(serverID, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrIsDirectory, "path %q", path)
	}
	if info.Size() > MaxReadSize {
		return nil, errors.Wrapf(ErrTooLarge, "file is %d bytes", info.Size())
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	virtual, err := s.resolver.Virtualize(serverID, abs)
	if err != nil {
		return nil, err
	}

	return &ReadResult{
		Path:         virtual,
		Size:         info.Size(),
		LastModified: info.ModTime().UnixMilli(),
		Content:      string(content),
	}, nil
}

// Write stores content at path, creating parent directories.
func (s *Service) Write(serverID, path, content string) error {
	if path == "" || strings.HasSuffix(path, "/") {
		return errors.Wrap(ErrInvalidInput, "path must name a file")
	}

	abs, err := s.resolver.Resolve(serverID, path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		return err
	}
	return os.WriteFile(abs, []byte(content), 0644)
}

// Rename changes the base name of a sandbox entry; newName must be a bare
// name. It returns the old and new virtual paths.
func (s *Service) Rename(serverID, path, newName string) (oldPath, newPath string, err error) {
	if newName == "" || strings.ContainsAny(newName, "/\\") {
		return "", "", errors.Wrap(ErrInvalidInput, "newName must not contain path separators")
	}

	abs, err := s.resolver.Resolve(serverID, path)
	if err != nil {
		return "", "", err
	}

	target := filepath.Join(filepath.Dir(abs), newName)
	if _, err := s.resolver.Virtualize(serverID, target); err != nil {
		return "", "", err
	}

	if err := os.Rename(abs, target); err != nil {
		return "", "", err
	}

	oldPath, _ = s.resolver.Virtualize(serverID, abs)
	newPath, _ = s.resolver.Virtualize(serverID, target)
	return oldPath, newPath, nil
}

// DownloadResult carries a whole file, base64 encoded.
type DownloadResult struct {
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	Base64   string `json:"base64"`
}

// Download returns a sandbox file for transfer. Directories are rejected.
func (s *Service) Download(serverID, path string) (*DownloadResult, error) {
	abs, err := s.resolver.Resolve(serverID, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrIsDirectory, "path %q", path)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	return &DownloadResult{
		FileName: filepath.Base(abs),
		Size:     info.Size(),
		Base64:   base64.StdEncoding.EncodeToString(data),
	}, nil
}

// Mkdir creates a directory tree. Empty paths are rejected.
func (s *Service) Mkdir(serverID, path string) (string, error) {
	trimmed := strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/")
	if trimmed == "" || trimmed == "." {
		return "", errors.Wrap(ErrInvalidInput, "path must not be empty")
	}

	abs, err := s.resolver.Resolve(serverID, path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(abs, 0750); err != nil {
		return "", err
	}
	return s.resolver.Virtualize(serverID, abs)
}

// Move relocates a sandbox entry. When the destination is an existing
// directory or ends in "/", the source moves into it keeping its base
// name. Returns both virtual paths and the moved entry's type.
func (s *Service) Move(serverID, from, to string) (fromPath, toPath, entryType string, err error) {
	absFrom, err := s.resolver.Resolve(serverID, from)
	if err != nil {
		return "", "", "", err
	}

	info, err := os.Stat(absFrom)
	if err != nil {
		return "", "", "", err
	}

	absTo, err := s.resolver.Resolve(serverID, to)
	if err != nil {
		return "", "", "", err
	}

	intoDir := strings.HasSuffix(to, "/")
	if st, err := os.Stat(absTo); err == nil && st.IsDir() {
		intoDir = true
	}
	if intoDir {
		absTo = filepath.Join(absTo, filepath.Base(absFrom))
	}

	if err := os.MkdirAll(filepath.Dir(absTo), 0750); err != nil {
		return "", "", "", err
	}
	if err := os.Rename(absFrom, absTo); err != nil {
		return "", "", "", err
	}

	entryType = "file"
	if info.IsDir() {
		entryType = "folder"
	}

	fromPath, _ = s.resolver.Virtualize(serverID, absFrom)
	toPath, _ = s.resolver.Virtualize(serverID, absTo)
	return fromPath, toPath, entryType, nil
}

// Upload stores raw bytes at path. The path must include a file name and
// the payload must not exceed MaxUploadSize.
func (s *Service) Upload(serverID, path string, data []byte) (string, int, error) {
	if path == "" || strings.HasSuffix(path, "/") {
		return "", 0, errors.Wrap(ErrInvalidInput, "path must include a file name")
	}
	if len(data) > MaxUploadSize {
		return "", 0, errors.Wrapf(ErrTooLarge, "upload is %d bytes", len(data))
	}

	abs, err := s.resolver.Resolve(serverID, path)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		return "", 0, err
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		return "", 0, err
	}

	virtual, _ := s.resolver.Virtualize(serverID, abs)
	return virtual, len(data), nil
}

// MassAction is the verb of a mass operation.
type MassAction string

const (
	MassDelete  MassAction = "delete"
	MassArchive MassAction = "archive"
)

// MassResult is the per-entry outcome of a mass operation.
type MassResult struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Mass applies delete or archive to a set of paths. Delete is recursive
// and forced; archive produces a zip under the sandbox root and returns
// its name.
func (s *Service) Mass(serverID string, paths []string, action MassAction, archiveName string) ([]MassResult, string, error) {
	if len(paths) == 0 {
		return nil, "", errors.Wrap(ErrInvalidInput, "paths must not be empty")
	}

	switch action {
	case MassDelete:
		results := make([]MassResult, 0, len(paths))
		for _, p := range paths {
			results = append(results, s.massDelete(serverID, p))
		}
		return results, "", nil
	case MassArchive:
		return s.massArchive(serverID, paths, archiveName)
	default:
		return nil, "", errors.Wrapf(ErrInvalidInput, "unknown action %q", action)
	}
}

func (s *Service) massDelete(serverID, path string) MassResult {
	result := MassResult{Path: path, Status: "ok"}

	abs, err := s.resolver.Resolve(serverID, path)
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
		return result
	}
	if abs == s.resolver.Root(serverID) {
		result.Status = "error"
		result.Error = "cannot delete the sandbox root"
		return result
	}

	if err := os.RemoveAll(abs); err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}
