// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveRootForms(t *testing.T) {
	assert := assert.New(t)
	r := NewResolver("/srv/servers")

	for _, input := range []string{"", "/", "."} {
		abs, err := r.Resolve("s1", input)
		assert.NoError(err, "input %q", input)
		assert.Equal(filepath.Join("/srv/servers", "s1"), abs, "input %q", input)
	}
}

func TestResolveConfinesPaths(t *testing.T) {
	assert := assert.New(t)
	r := NewResolver("/srv/servers")

	abs, err := r.Resolve("s1", "plugins/config.yml")
	assert.NoError(err)
	assert.Equal("/srv/servers/s1/plugins/config.yml", abs)

	abs, err = r.Resolve("s1", "/leading/slash.txt")
	assert.NoError(err)
	assert.Equal("/srv/servers/s1/leading/slash.txt", abs)

	abs, err = r.Resolve("s1", "windows\\style\\path.txt")
	assert.NoError(err)
	assert.Equal("/srv/servers/s1/windows/style/path.txt", abs)

	abs, err = r.Resolve("s1", "C:\\inside\\drive.txt")
	assert.NoError(err)
	assert.Equal("/srv/servers/s1/inside/drive.txt", abs)
}

func TestResolveRejectsEscapes(t *testing.T) {
	assert := assert.New(t)
	r := NewResolver("/srv/servers")

	escapes := []string{
		"../other",
		"../../etc/passwd",
		"a/../../b",
		"a/b/../../../c",
		"..",
		"\\..\\..\\windows",
	}
	for _, input := range escapes {
		_, err := r.Resolve("s1", input)
		assert.ErrorIs(err, ErrPathEscape, "input %q", input)
	}
}

func TestResolveEveryResultStaysUnderRoot(t *testing.T) {
	assert := assert.New(t)
	r := NewResolver("/srv/servers")
	root := r.Root("s1")

	inputs := []string{"a", "a/b/c", "/x/y", ".hidden", "deep/./path", "a//b"}
	for _, input := range inputs {
		abs, err := r.Resolve("s1", input)
		assert.NoError(err, "input %q", input)
		assert.True(abs == root || strings.HasPrefix(abs, root+string(os.PathSeparator)),
			"input %q resolved to %q", input, abs)
	}
}

func TestVirtualize(t *testing.T) {
	assert := assert.New(t)
	r := NewResolver("/srv/servers")

	virtual, err := r.Virtualize("s1", "/srv/servers/s1/world/level.dat")
	assert.NoError(err)
	assert.Equal("/world/level.dat", virtual)

	virtual, err = r.Virtualize("s1", "/srv/servers/s1")
	assert.NoError(err)
	assert.Equal("/", virtual)

	_, err = r.Virtualize("s1", "/srv/servers/s2/file")
	assert.ErrorIs(err, ErrPathEscape)

	_, err = r.Virtualize("s1", "/etc/passwd")
	assert.ErrorIs(err, ErrPathEscape)
}

func TestResolveVirtualizeRoundTrip(t *testing.T) {
	assert := assert.New(t)
	r := NewResolver("/srv/servers")

	abs, err := r.Resolve("s1", "some/dir/file.txt")
	assert.NoError(err)

	virtual, err := r.Virtualize("s1", abs)
	assert.NoError(err)
	assert.Equal("/some/dir/file.txt", virtual)

	back, err := r.Resolve("s1", virtual)
	assert.NoError(err)
	assert.Equal(abs, back)
}

func TestEnsureAndRemoveRoot(t *testing.T) {
	assert := assert.New(t)
	r := NewResolver(t.TempDir())

	root, err := r.EnsureRoot("s1")
	assert.NoError(err)
	info, err := os.Stat(root)
	assert.NoError(err)
	assert.True(info.IsDir())

	assert.NoError(r.RemoveRoot("s1"))
	_, err = os.Stat(root)
	assert.True(os.IsNotExist(err))
}
