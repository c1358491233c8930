// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package server

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"
)

// maxLineSize bounds a single console line; longer output is split.
const maxLineSize = 256 * 1024

// StreamLines turns a raw container output stream into line events. TTY
// streams are a single interleaved byte stream; non-TTY streams carry the
// runtime's framing and are demultiplexed first. Lines are split on
// "\r?\n" and empty lines are dropped. The returned cleanup closes every
// derived stream exactly once; it also runs when the underlying stream
// errors out.
func StreamLines(rc io.ReadCloser, tty bool, onLine func(string)) func() {
	var once sync.Once
	var closers []io.Closer

	cleanup := func() {
		once.Do(func() {
			for _, c := range closers {
				c.Close()
			}
		})
	}

	source := io.Reader(rc)
	closers = append(closers, rc)

	if !tty {
		pr, pw := io.Pipe()
		closers = append(closers, pr)
		go func() {
			// both streams feed the same line pipeline in arrival order
			_, err := stdcopy.StdCopy(pw, pw, rc)
			pw.CloseWithError(err)
		}()
		source = pr
	}

	go func() {
		defer cleanup()
		scanner := bufio.NewScanner(source)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		scanner.Split(scanLines)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			onLine(line)
		}
	}()

	return cleanup
}

// scanLines is bufio.ScanLines with lone "\r" tolerated mid-line: only a
// trailing "\r" before "\n" is stripped.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte("\r")), nil
	}
	if atEOF {
		return len(data), bytes.TrimSuffix(data, []byte("\r")), nil
	}
	// a full buffer without a newline is emitted as one piece of the line
	if len(data) >= maxLineSize {
		return len(data), data, nil
	}
	return 0, nil, nil
}
