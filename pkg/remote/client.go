// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package remote

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var remoteLog = logrus.WithField("source", "remote")

const (
	helperBasePath = "/api/nodes/helper"

	defaultTimeout = 10 * time.Second
)

// ErrRemoteFailed is returned when the helper API is unreachable or
// answers with a non-2xx status.
var ErrRemoteFailed = errors.New("helper API request failed")

// SetLogger sets the logger for the remote package.
func SetLogger(logger *logrus.Entry) {
	fields := remoteLog.Data
	remoteLog = logger.WithFields(fields)
}

// Client talks to the panel's helper API. Authorization predicates degrade
// to deny when the remote cannot be reached.
type Client struct {
	baseURL string
	token   string

	httpClient *http.Client
	// sftpClient skips certificate verification: the SFTP credential
	// check must keep working against panels with self-signed chains.
	sftpClient *http.Client
}

// NewClient returns a helper API client for the panel at baseURL,
// authenticating every call with the node token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		sftpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (c *Client) post(client *http.Client, path string, request, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return errors.Wrap(err, "encode helper request")
	}

	url := c.baseURL + helperBasePath + path
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(ErrRemoteFailed, "%s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(ErrRemoteFailed, "%s: status %d", path, resp.StatusCode)
	}

	if response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return errors.Wrapf(ErrRemoteFailed, "%s: decode response: %v", path, err)
	}
	return nil
}

// Ports is the panel-assigned listener configuration for this node.
type Ports struct {
	Port int  `json:"port"`
	SFTP int  `json:"sftp"`
	SSL  bool `json:"ssl"`
}

// FetchPorts asks the panel which ports this node should bind. Used only
// by the configure tool.
func (c *Client) FetchPorts(uuid string) (*Ports, error) {
	req := map[string]string{"uuid": uuid, "token": c.token}
	var ports Ports
	if err := c.post(c.httpClient, "/fetch-ports", req, &ports); err != nil {
		return nil, err
	}
	return &ports, nil
}

// IsAdmin reports whether userUUID holds node administration rights.
// Remote failure denies.
func (c *Client) IsAdmin(userUUID string) bool {
	req := map[string]string{"token": c.token, "userUuid": userUUID}
	var resp struct {
		IsAdmin bool `json:"isAdmin"`
	}
	if err := c.post(c.httpClient, "/admin-permission", req, &resp); err != nil {
		remoteLog.WithError(err).WithField("user", userUUID).Warn("admin check failed, denying")
		return false
	}
	return resp.IsAdmin
}

// HasPermission reports whether userUUID may manage serverID. Remote
// failure denies.
func (c *Client) HasPermission(userUUID, serverID string) bool {
	req := map[string]string{
		"token":      c.token,
		"userUuid":   userUUID,
		"serverUuid": serverID,
	}
	var resp struct {
		Permission bool `json:"permission"`
	}
	if err := c.post(c.httpClient, "/permission", req, &resp); err != nil {
		remoteLog.WithError(err).WithFields(logrus.Fields{
			"user":   userUUID,
			"server": serverID,
		}).Warn("permission check failed, denying")
		return false
	}
	return resp.Permission
}

// VerifySFTP checks an SFTP password against the panel. Remote failure
// denies. The verification channel tolerates self-signed certificates.
func (c *Client) VerifySFTP(userName, password, serverID string) bool {
	req := map[string]string{
		"token":      c.token,
		"userName":   userName,
		"password":   password,
		"serverUuid": serverID,
	}
	var resp struct {
		Permission bool `json:"permission"`
	}
	if err := c.post(c.sftpClient, "/verify-sftp", req, &resp); err != nil {
		remoteLog.WithError(err).WithFields(logrus.Fields{
			"user":   userName,
			"server": serverID,
		}).Warn("sftp verification failed, denying")
		return false
	}
	return resp.Permission
}
