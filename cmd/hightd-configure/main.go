// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/hightd/hightd-agent/pkg/config"
	"github.com/hightd/hightd-agent/pkg/remote"
)

var (
	appName = "hightd-configure"
	version = "1.0.0"
)

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "bootstrap a node agent: fetch ports from the panel and write config.json"
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "uuid", Usage: "node uuid assigned by the panel"},
		cli.StringFlag{Name: "token", Usage: "shared node token"},
		cli.StringFlag{Name: "remote", Usage: "panel base URL"},
		cli.StringFlag{Name: "path", Usage: "base directory for server sandboxes"},
		cli.StringFlag{
			Name:  "output, o",
			Usage: "where to write config.json (defaults next to the binary)",
		},
	}

	app.Action = configure

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("configure failed")
		os.Exit(1)
	}
}

func configure(cliCtx *cli.Context) error {
	logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano})

	uuid := cliCtx.String("uuid")
	token := cliCtx.String("token")
	remoteURL := cliCtx.String("remote")
	basePath := cliCtx.String("path")

	switch {
	case uuid == "":
		return errors.New("--uuid is required")
	case token == "":
		return errors.New("--token is required")
	case remoteURL == "":
		return errors.New("--remote is required")
	case basePath == "":
		return errors.New("--path is required")
	}

	output := cliCtx.String("output")
	if output == "" {
		exe, err := os.Executable()
		if err != nil {
			return errors.Wrap(err, "locate executable")
		}
		output = filepath.Join(filepath.Dir(exe), config.FileName)
	}

	client := remote.NewClient(remoteURL, token)
	ports, err := client.FetchPorts(uuid)
	if err != nil {
		return err
	}

	cfg := &config.Agent{
		UUID:   uuid,
		Port:   ports.Port,
		SFTP:   ports.SFTP,
		SSL:    ports.SSL,
		Remote: remoteURL,
		Token:  token,
		Path:   basePath,
	}
	if cfg.SSL {
		// TLS material is provisioned out of band; record the
		// conventional locations
		cfg.CertPath = filepath.Join(basePath, "cert.pem")
		cfg.KeyPath = filepath.Join(basePath, "key.pem")
	}

	if err := cfg.Save(output); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"config": output,
		"port":   cfg.Port,
		"sftp":   cfg.SFTP,
		"ssl":    cfg.SSL,
	}).Info("configuration written")
	return nil
}
