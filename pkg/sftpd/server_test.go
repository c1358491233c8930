// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sftpd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/ssh"
)

func TestSplitUsername(t *testing.T) {
	assert := assert.New(t)

	user, serverID, err := SplitUsername("alice_s1")
	assert.NoError(err)
	assert.Equal("alice", user)
	assert.Equal("s1", serverID)

	// the user part keeps its own underscores
	user, serverID, err = SplitUsername("a_b_c_d")
	assert.NoError(err)
	assert.Equal("a_b_c", user)
	assert.Equal("d", serverID)
}

func TestSplitUsernameRejectsMalformed(t *testing.T) {
	assert := assert.New(t)

	for _, input := range []string{"", "nounderscore", "_leading", "trailing_"} {
		_, _, err := SplitUsername(input)
		assert.Error(err, "input %q", input)
	}
}

func TestHostKeyGeneratedOnce(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()

	signer, err := LoadOrGenerateHostKey(dir)
	assert.NoError(err)
	assert.NotNil(signer)

	path := filepath.Join(dir, HostKeyName)
	data, err := os.ReadFile(path)
	assert.NoError(err)
	assert.Contains(string(data), "RSA PRIVATE KEY")

	// second load returns the same key
	again, err := LoadOrGenerateHostKey(dir)
	assert.NoError(err)
	assert.Equal(signer.PublicKey().Marshal(), again.PublicKey().Marshal())
}

func TestHostKeyRegeneratedWhenCorrupt(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()

	path := filepath.Join(dir, HostKeyName)
	assert.NoError(os.WriteFile(path, []byte("not a pem"), 0600))

	signer, err := LoadOrGenerateHostKey(dir)
	assert.NoError(err)

	data, err := os.ReadFile(path)
	assert.NoError(err)

	parsed, err := ssh.ParsePrivateKey(data)
	assert.NoError(err)
	assert.Equal(signer.PublicKey().Marshal(), parsed.PublicKey().Marshal())
}
