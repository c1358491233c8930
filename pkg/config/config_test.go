// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	assert.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `{
		"uuid": "node-1",
		"port": 8080,
		"sftp": 2022,
		"remote": "https://panel.example.com",
		"token": "secret",
		"path": "/srv/servers",
		"ssl": false
	}`)

	cfg, resolved, err := Load(path)
	assert.NoError(err)
	assert.Equal(path, resolved)
	assert.Equal("node-1", cfg.UUID)
	assert.Equal(8080, cfg.Port)
	assert.Equal(2022, cfg.SFTP)
	assert.False(cfg.SSL)
}

func TestLoadRejectsMissingFields(t *testing.T) {
	assert := assert.New(t)

	cases := map[string]string{
		"uuid":   `{"port":1,"sftp":2,"remote":"r","token":"t","path":"p"}`,
		"port":   `{"uuid":"u","sftp":2,"remote":"r","token":"t","path":"p"}`,
		"sftp":   `{"uuid":"u","port":1,"remote":"r","token":"t","path":"p"}`,
		"remote": `{"uuid":"u","port":1,"sftp":2,"token":"t","path":"p"}`,
		"token":  `{"uuid":"u","port":1,"sftp":2,"remote":"r","path":"p"}`,
		"path":   `{"uuid":"u","port":1,"sftp":2,"remote":"r","token":"t"}`,
	}

	for field, content := range cases {
		path := writeConfig(t, content)
		_, _, err := Load(path)
		assert.Error(err, "missing %s must fail", field)
	}
}

func TestLoadRequiresTLSTripleOnlyWithSSL(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `{
		"uuid": "u", "port": 1, "sftp": 2, "remote": "r",
		"token": "t", "path": "p", "ssl": true
	}`)
	_, _, err := Load(path)
	assert.Error(err)

	path = writeConfig(t, `{
		"uuid": "u", "port": 1, "sftp": 2, "remote": "r",
		"token": "t", "path": "p", "ssl": true,
		"certPath": "/etc/cert.pem", "keyPath": "/etc/key.pem"
	}`)
	_, _, err = Load(path)
	assert.NoError(err)
}

func TestSaveRoundTrip(t *testing.T) {
	assert := assert.New(t)

	cfg := &Agent{
		UUID:   "node-2",
		Port:   9000,
		SFTP:   2023,
		Remote: "https://panel.example.com",
		Token:  "secret",
		Path:   "/srv/servers",
	}

	path := filepath.Join(t.TempDir(), "nested", FileName)
	assert.NoError(cfg.Save(path))

	loaded, _, err := Load(path)
	assert.NoError(err)
	assert.Equal(cfg, loaded)
}
