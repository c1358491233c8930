// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/hightd/hightd-agent/pkg/api"
	"github.com/hightd/hightd-agent/pkg/config"
	"github.com/hightd/hightd-agent/pkg/console"
	"github.com/hightd/hightd-agent/pkg/driver"
	"github.com/hightd/hightd-agent/pkg/filemanager"
	"github.com/hightd/hightd-agent/pkg/remote"
	"github.com/hightd/hightd-agent/pkg/sandbox"
	"github.com/hightd/hightd-agent/pkg/server"
	"github.com/hightd/hightd-agent/pkg/sftpd"
	"github.com/hightd/hightd-agent/pkg/store"
)

// These values are overridden via ldflags
var (
	appName = "hightd-agent"
	version = "1.0.0"

	GitCommit = "unknown-commit"
)

var versionTemplate = `{{.AppName}}
 Version:	{{.Version}}
 Go version:	{{.GoVersion}}
 Git commit:	{{.GitCommit}}
 OS/Arch:	{{.Os}}/{{.Arch}}
`

type versionInfo struct {
	AppName   string
	Version   string
	GitCommit string
	GoVersion string
	Os        string
	Arch      string
}

func printVersion() {
	t, _ := template.New("version").Parse(versionTemplate)
	_ = t.Execute(os.Stdout, versionInfo{
		AppName:   appName,
		Version:   version,
		GitCommit: GitCommit,
		GoVersion: goruntime.Version(),
		Os:        goruntime.GOOS,
		Arch:      goruntime.GOARCH,
	})
}

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "node agent for container-backed game servers"
	app.Version = version
	cli.VersionPrinter = func(*cli.Context) { printVersion() }

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config.json (defaults next to the binary)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log level of logrus (trace/debug/info/warn/error/fatal/panic)",
		},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("agent terminated")
		os.Exit(1)
	}
}

// initLog sets the root logger up and re-roots every package logger.
func initLog(level string) *logrus.Entry {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}

	agentLog := logrus.WithFields(logrus.Fields{
		"name": appName,
		"pid":  os.Getpid(),
	})
	agentLog.Logger.SetLevel(parsed)
	agentLog.Logger.Formatter = &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano}

	config.SetLogger(agentLog)
	remote.SetLogger(agentLog)
	sandbox.SetLogger(agentLog)
	store.SetLogger(agentLog)
	driver.SetLogger(agentLog)
	server.SetLogger(agentLog)
	console.SetLogger(agentLog)
	filemanager.SetLogger(agentLog)
	sftpd.SetLogger(agentLog)
	api.SetLogger(agentLog)

	return agentLog
}

func run(cliCtx *cli.Context) error {
	agentLog := initLog(cliCtx.String("log-level"))

	cfg, cfgPath, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return err
	}

	agentLog.WithFields(logrus.Fields{
		"app":        appName,
		"version":    version,
		"go-version": goruntime.Version(),
		"os":         goruntime.GOOS,
		"arch":       goruntime.GOARCH,
		"git-commit": GitCommit,
		"config":     cfgPath,
		"port":       cfg.Port,
		"sftp":       cfg.SFTP,
	}).Info("announce")

	dockerDriver, err := driver.New()
	if err != nil {
		return err
	}
	defer dockerDriver.Close()

	// the daemon may still be coming up alongside us
	ping := func() error { return dockerDriver.Ping(context.Background()) }
	if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		return fmt.Errorf("container runtime unreachable: %w", err)
	}

	resolver := sandbox.NewResolver(cfg.Path)
	if err := os.MkdirAll(cfg.Path, 0750); err != nil {
		return err
	}

	st, err := store.Open(cfg.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := server.NewRegistry(dockerDriver, resolver, st)
	if err := registry.Reconcile(context.Background()); err != nil {
		return err
	}

	remoteClient := remote.NewClient(cfg.Remote, cfg.Token)
	files := filemanager.NewService(resolver)

	hostKey, err := sftpd.LoadOrGenerateHostKey(cfg.Path)
	if err != nil {
		return err
	}

	controlSrv := api.New(cfg, registry, remoteClient, files)
	sftpSrv := sftpd.New(cfg.SFTP, registry, resolver, remoteClient, hostKey)

	group, ctx := errgroup.WithContext(context.Background())
	group.Go(controlSrv.ListenAndServe)
	group.Go(sftpSrv.ListenAndServe)

	// containers outlive the agent: shutdown closes listeners and
	// sessions, never the servers themselves
	group.Go(func() error {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-signals:
			agentLog.WithField("signal", sig.String()).Info("shutting down")
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sftpSrv.Shutdown()
		return controlSrv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
