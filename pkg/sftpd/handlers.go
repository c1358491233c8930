// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sftpd

import (
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"

	"github.com/hightd/hightd-agent/pkg/sandbox"
)

// sandboxHandlers serves SFTP requests confined to one server's sandbox.
// Any path escaping the sandbox fails the request.
type sandboxHandlers struct {
	resolver *sandbox.Resolver
	serverID string
}

func newHandlers(resolver *sandbox.Resolver, serverID string) sftp.Handlers {
	h := &sandboxHandlers{resolver: resolver, serverID: serverID}
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

func (h *sandboxHandlers) resolve(virtual string) (string, error) {
	abs, err := h.resolver.Resolve(h.serverID, virtual)
	if err != nil {
		return "", sftp.ErrSSHFxFailure
	}
	return abs, nil
}

// Fileread serves READ on an opened handle.
func (h *sandboxHandlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	abs, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}

	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, sftp.ErrSSHFxFailure
	}
	return f, nil
}

// Filewrite serves WRITE on an opened handle. Opens with write or create
// intent truncate; parent directories are created.
func (h *sandboxHandlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	abs, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		return nil, err
	}
	return os.OpenFile(abs, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// Filecmd serves path-mutating requests.
func (h *sandboxHandlers) Filecmd(r *sftp.Request) error {
	abs, err := h.resolve(r.Filepath)
	if err != nil {
		return err
	}

	switch r.Method {
	case "Rename":
		target, err := h.resolve(r.Target)
		if err != nil {
			return err
		}
		return os.Rename(abs, target)
	case "Mkdir":
		return os.MkdirAll(abs, 0750)
	case "Rmdir":
		info, err := os.Stat(abs)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return sftp.ErrSSHFxFailure
		}
		return os.Remove(abs)
	case "Remove":
		return os.Remove(abs)
	case "Setstat":
		// size/perm/time changes from clients are tolerated and ignored
		return nil
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

// Filelist serves OPENDIR/READDIR and STAT family requests.
func (h *sandboxHandlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	abs, err := h.resolve(r.Filepath)
	if err != nil {
		return nil, err
	}

	switch r.Method {
	case "List":
		dirEntries, err := os.ReadDir(abs)
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(dirEntries))
		for _, de := range dirEntries {
			info, err := de.Info()
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
		return listerat(infos), nil
	case "Stat", "Lstat":
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		return listerat{renamed(info, path.Base(r.Filepath))}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// listerat is a materialized listing served in offset order; the request
// server turns it into the one-shot READDIR sequence.
type listerat []os.FileInfo

func (l listerat) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if offset+int64(n) >= int64(len(l)) {
		return n, io.EOF
	}
	return n, nil
}

// renamed overrides a FileInfo's name, used so a stat of "/" reports the
// virtual name instead of the host directory name.
type renamedInfo struct {
	os.FileInfo
	name string
}

func (r renamedInfo) Name() string { return r.name }

func renamed(info os.FileInfo, name string) os.FileInfo {
	if name == "" || name == "/" || name == "." {
		name = "/"
	}
	return renamedInfo{FileInfo: info, name: name}
}
