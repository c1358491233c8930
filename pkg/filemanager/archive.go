// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package filemanager

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/nwaples/rardecode/v2"
	"github.com/pkg/errors"
)

// ErrUnsupportedArchive flags an archive extension without a codec.
var ErrUnsupportedArchive = errors.New("unsupported archive format")

type archiveKind int

const (
	kindZip archiveKind = iota
	kindTarGz
	kindRar
)

// archiveKindOf classifies by extension and returns the archive's derived
// base name (extension stripped).
func archiveKindOf(name string) (archiveKind, string, error) {
	base := filepath.Base(name)
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return kindZip, base[:len(base)-len(".zip")], nil
	case strings.HasSuffix(lower, ".tar.gz"):
		return kindTarGz, base[:len(base)-len(".tar.gz")], nil
	case strings.HasSuffix(lower, ".tgz"):
		return kindTarGz, base[:len(base)-len(".tgz")], nil
	case strings.HasSuffix(lower, ".rar"):
		return kindRar, base[:len(base)-len(".rar")], nil
	default:
		return 0, "", errors.Wrapf(ErrUnsupportedArchive, "file %q", base)
	}
}

func (s *Service) massArchive(serverID string, paths []string, archiveName string) ([]MassResult, string, error) {
	if archiveName == "" {
		archiveName = fmt.Sprintf("archive-%d", time.Now().UnixMilli())
	}
	if !strings.HasSuffix(strings.ToLower(archiveName), ".zip") {
		archiveName += ".zip"
	}

	target, err := s.resolver.Resolve(serverID, archiveName)
	if err != nil {
		return nil, "", err
	}

	out, err := os.Create(target)
	if err != nil {
		return nil, "", err
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	root := s.resolver.Root(serverID)
	results := make([]MassResult, 0, len(paths))
	for _, p := range paths {
		result := MassResult{Path: p, Status: "ok"}
		if err := s.archiveOne(zw, serverID, root, p, target); err != nil {
			result.Status = "error"
			result.Error = err.Error()
		}
		results = append(results, result)
	}

	if err := zw.Close(); err != nil {
		return results, archiveName, err
	}
	return results, archiveName, nil
}

// archiveOne adds one sandbox entry (file or directory tree) to the zip,
// with entry names relative to the sandbox root. The archive being written
// is skipped so it never contains itself.
func (s *Service) archiveOne(zw *zip.Writer, serverID, root, userPath, archiveAbs string) error {
	abs, err := s.resolver.Resolve(serverID, userPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return addZipFile(zw, abs, relativeEntryName(root, abs))
	}

	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || p == archiveAbs {
			return nil
		}
		return addZipFile(zw, p, relativeEntryName(root, p))
	})
}

func relativeEntryName(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return filepath.Base(abs)
	}
	return filepath.ToSlash(rel)
}

func addZipFile(zw *zip.Writer, abs, name string) error {
	in, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

// UnarchiveResult reports one extraction.
type UnarchiveResult struct {
	Archive     string       `json:"archive"`
	Destination string       `json:"destination"`
	Flattened   bool         `json:"flattened"`
	Results     []MassResult `json:"results"`
}

// Unarchive extracts a sandbox archive. The destination defaults to the
// archive's base name. When the caller supplied a destination and every
// entry lives under a single top-level directory equal to the derived base
// name, that component is stripped. Every entry is path-sanitized and
// confined to the sandbox.
func (s *Service) Unarchive(serverID, archivePath, destination string) (*UnarchiveResult, error) {
	abs, err := s.resolver.Resolve(serverID, archivePath)
	if err != nil {
		return nil, err
	}

	kind, baseName, err := archiveKindOf(abs)
	if err != nil {
		return nil, err
	}

	callerSupplied := destination != ""
	if destination == "" {
		destination = baseName
	}

	names, err := listArchive(abs, kind)
	if err != nil {
		return nil, err
	}

	flatten := callerSupplied && shouldFlatten(names, baseName)

	destAbs, err := s.resolver.Resolve(serverID, destination)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destAbs, 0750); err != nil {
		return nil, err
	}

	result := &UnarchiveResult{
		Archive:     archivePath,
		Destination: destination,
		Flattened:   flatten,
	}

	err = extractArchive(abs, kind, func(name string, dir bool, r io.Reader) {
		entry := MassResult{Path: name, Status: "ok"}
		defer func() { result.Results = append(result.Results, entry) }()

		rel, err := sanitizeEntry(name, baseName, flatten)
		if err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
			return
		}
		if rel == "" {
			// the stripped top-level directory itself
			return
		}

		target, err := s.resolver.Resolve(serverID, path.Join(destination, rel))
		if err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
			return
		}

		if dir {
			if err := os.MkdirAll(target, 0750); err != nil {
				entry.Status = "error"
				entry.Error = err.Error()
			}
			return
		}

		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
			return
		}
		out, err := os.Create(target)
		if err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
			return
		}
		defer out.Close()
		if _, err := io.Copy(out, r); err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// shouldFlatten reports whether every entry is the single top-level
// directory top or lies within it, with top equal to the archive's base
// name.
func shouldFlatten(names []string, baseName string) bool {
	if len(names) == 0 {
		return false
	}
	top := baseName + "/"
	for _, name := range names {
		clean := strings.TrimSuffix(strings.ReplaceAll(name, "\\", "/"), "/")
		if clean == baseName {
			continue
		}
		if !strings.HasPrefix(clean, top) {
			return false
		}
	}
	return true
}

// sanitizeEntry normalizes an archive entry name, rejecting absolute
// paths and parent traversal, and strips the flattened top-level
// component when asked.
func sanitizeEntry(name, baseName string, flatten bool) (string, error) {
	clean := strings.ReplaceAll(name, "\\", "/")
	if len(clean) >= 2 && clean[1] == ':' {
		clean = clean[2:]
	}
	clean = strings.TrimLeft(clean, "/")
	clean = strings.TrimSuffix(clean, "/")

	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", errors.Errorf("entry %q escapes the destination", name)
		}
	}

	if flatten {
		if clean == baseName {
			return "", nil
		}
		clean = strings.TrimPrefix(clean, baseName+"/")
	}
	return clean, nil
}

// listArchive returns every entry name without extracting.
func listArchive(abs string, kind archiveKind) ([]string, error) {
	var names []string
	err := extractArchive(abs, kind, func(name string, dir bool, r io.Reader) {
		names = append(names, name)
	})
	return names, err
}

// extractArchive streams every entry of the archive through handler.
func extractArchive(abs string, kind archiveKind, handler func(name string, dir bool, r io.Reader)) error {
	switch kind {
	case kindZip:
		return extractZip(abs, handler)
	case kindTarGz:
		return extractTarGz(abs, handler)
	case kindRar:
		return extractRar(abs, handler)
	default:
		return ErrUnsupportedArchive
	}
}

func extractZip(abs string, handler func(string, bool, io.Reader)) error {
	zr, err := zip.OpenReader(abs)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			handler(f.Name, true, nil)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		handler(f.Name, false, rc)
		rc.Close()
	}
	return nil
}

func extractTarGz(abs string, handler func(string, bool, io.Reader)) error {
	in, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			handler(hdr.Name, true, nil)
		case tar.TypeReg:
			handler(hdr.Name, false, tr)
		}
	}
}

func extractRar(abs string, handler func(string, bool, io.Reader)) error {
	rr, err := rardecode.OpenReader(abs)
	if err != nil {
		return err
	}
	defer rr.Close()

	for {
		hdr, err := rr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		handler(hdr.Name, hdr.IsDir, rr)
	}
}
