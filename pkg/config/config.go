// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var configLog = logrus.WithField("source", "config")

// FileName is the name of the agent configuration file, expected next to
// the binary unless an explicit path is given.
const FileName = "config.json"

// SetLogger sets the logger for the config package.
func SetLogger(logger *logrus.Entry) {
	fields := configLog.Data
	configLog = logger.WithFields(fields)
}

// Agent is the bootstrap configuration of one node agent.
type Agent struct {
	UUID   string `json:"uuid"`
	Port   int    `json:"port"`
	SFTP   int    `json:"sftp"`
	Remote string `json:"remote"`
	Token  string `json:"token"`
	Path   string `json:"path"`

	SSL      bool   `json:"ssl"`
	CertPath string `json:"certPath"`
	KeyPath  string `json:"keyPath"`
}

// Load reads and validates the configuration at configPath. An empty
// configPath resolves to FileName in the directory of the running binary.
func Load(configPath string) (*Agent, string, error) {
	resolved, err := resolvePath(configPath)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, resolved, errors.Wrapf(err, "read configuration %s", resolved)
	}

	var cfg Agent
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, resolved, errors.Wrapf(err, "parse configuration %s", resolved)
	}

	if err := cfg.validate(); err != nil {
		return nil, resolved, err
	}

	configLog.WithFields(logrus.Fields{
		"file": resolved,
		"uuid": cfg.UUID,
		"port": cfg.Port,
		"sftp": cfg.SFTP,
	}).Debug("configuration loaded")

	return &cfg, resolved, nil
}

func resolvePath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return "", errors.Wrap(err, "locate executable")
	}
	return filepath.Join(filepath.Dir(exe), FileName), nil
}

func (c *Agent) validate() error {
	switch {
	case c.UUID == "":
		return errors.New("configuration field uuid is required")
	case c.Port <= 0:
		return errors.New("configuration field port is required")
	case c.SFTP <= 0:
		return errors.New("configuration field sftp is required")
	case c.Remote == "":
		return errors.New("configuration field remote is required")
	case c.Token == "":
		return errors.New("configuration field token is required")
	case c.Path == "":
		return errors.New("configuration field path is required")
	}

	if c.SSL {
		if c.CertPath == "" || c.KeyPath == "" {
			return errors.New("ssl enabled but certPath/keyPath missing")
		}
	}

	return nil
}

// Save writes the configuration to path with indented JSON, creating
// parent directories as needed.
func (c *Agent) Save(path string) error {
	if err := c.validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode configuration")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.Wrap(err, "create configuration directory")
	}
	return errors.Wrap(os.WriteFile(path, append(data, '\n'), 0600), "write configuration")
}
