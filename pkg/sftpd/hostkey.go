// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sftpd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// HostKeyName is the host key file kept next to the server sandboxes.
const HostKeyName = "sftp_host_key.pem"

const hostKeyBits = 2048

// LoadOrGenerateHostKey returns the persistent SSH host key under
// basePath, generating an RSA-2048 PKCS#1 PEM key when the file is
// missing or unreadable. The key is written via temp file + rename.
func LoadOrGenerateHostKey(basePath string) (ssh.Signer, error) {
	path := filepath.Join(basePath, HostKeyName)

	if data, err := os.ReadFile(path); err == nil {
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			return signer, nil
		}
		sftpLog.WithField("path", path).Warn("host key unreadable, regenerating")
	}

	key, err := rsa.GenerateKey(rand.Reader, hostKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "generate host key")
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}

	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, errors.Wrap(err, "create host key directory")
	}

	tmp, err := os.CreateTemp(basePath, HostKeyName+".*")
	if err != nil {
		return nil, errors.Wrap(err, "create host key temp file")
	}
	defer os.Remove(tmp.Name())

	if err := pem.Encode(tmp, block); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "encode host key")
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "chmod host key")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "close host key temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, errors.Wrap(err, "install host key")
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "build host key signer")
	}

	sftpLog.WithField("path", path).Info("host key generated")
	return signer, nil
}
