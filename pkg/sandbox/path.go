// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var sandboxLog = logrus.WithField("source", "sandbox")

// DirMode is the permission bits used for creating sandbox directories.
const DirMode = os.FileMode(0750) | os.ModeDir

// ErrPathEscape is returned when a user supplied path would resolve
// outside the server's sandbox root.
var ErrPathEscape = errors.New("path escapes the server sandbox")

// SetLogger sets the logger for the sandbox package.
func SetLogger(logger *logrus.Entry) {
	fields := sandboxLog.Data
	sandboxLog = logger.WithFields(fields)
}

// Resolver confines user supplied paths under a per-server root directory.
// Resolution is purely lexical: normalize, then verify the result still has
// the sandbox root as a prefix. Symlinks are not resolved: a symlink inside
// the sandbox is followed by whatever file operation later uses the
// returned path.
type Resolver struct {
	basePath string
}

// NewResolver returns a Resolver rooted at basePath, the directory that
// holds one subdirectory per server id.
func NewResolver(basePath string) *Resolver {
	return &Resolver{basePath: filepath.Clean(basePath)}
}

// BasePath returns the directory holding all server sandboxes.
func (r *Resolver) BasePath() string {
	return r.basePath
}

// Root returns the sandbox root directory for the given server id.
func (r *Resolver) Root(serverID string) string {
	return filepath.Join(r.basePath, serverID)
}

// Resolve maps a user supplied path to an absolute host path inside the
// sandbox of serverID. Empty, "/" and "." map to the sandbox root. Any
// ".." segment or normalized path outside the root fails with
// ErrPathEscape.
func (r *Resolver) Resolve(serverID, userPath string) (string, error) {
	root := r.Root(serverID)

	p := strings.ReplaceAll(userPath, "\\", "/")
	// Strip drive letters ("C:/...") before the absolute-prefix check so a
	// drive-absolute path is judged by its remainder.
	if len(p) >= 2 && p[1] == ':' &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z')) {
		p = p[2:]
	}
	p = strings.TrimLeft(p, "/")

	if p == "" || p == "." {
		return root, nil
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", errors.Wrapf(ErrPathEscape, "path %q", userPath)
		}
	}

	abs := filepath.Clean(filepath.Join(root, filepath.FromSlash(p)))
	if abs != root && !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
		return "", errors.Wrapf(ErrPathEscape, "path %q", userPath)
	}

	return abs, nil
}

// Virtualize maps an absolute host path back into the "/" rooted view a
// client of serverID sees. Paths outside the sandbox fail with
// ErrPathEscape.
func (r *Resolver) Virtualize(serverID, abs string) (string, error) {
	root := r.Root(serverID)
	abs = filepath.Clean(abs)

	if abs == root {
		return "/", nil
	}
	if !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
		return "", errors.Wrapf(ErrPathEscape, "path %q", abs)
	}

	rel := strings.TrimPrefix(abs, root)
	return filepath.ToSlash(rel), nil
}

// EnsureRoot creates the sandbox root for serverID if missing and returns
// its path.
func (r *Resolver) EnsureRoot(serverID string) (string, error) {
	root := r.Root(serverID)
	if err := os.MkdirAll(root, DirMode.Perm()); err != nil {
		return "", errors.Wrap(err, "create sandbox root")
	}
	return root, nil
}

// RemoveRoot recursively deletes the sandbox root of serverID.
func (r *Resolver) RemoveRoot(serverID string) error {
	root := r.Root(serverID)
	sandboxLog.WithField("root", root).Debug("removing sandbox root")
	return os.RemoveAll(root)
}
