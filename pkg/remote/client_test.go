// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package remote

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func helperServer(t *testing.T, path string, status int, response interface{}, capture *map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, helperBasePath+path, r.URL.Path)

		if capture != nil {
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			*capture = body
		}

		w.WriteHeader(status)
		if response != nil {
			json.NewEncoder(w).Encode(response)
		}
	}))
}

func TestFetchPorts(t *testing.T) {
	assert := assert.New(t)

	var captured map[string]string
	srv := helperServer(t, "/fetch-ports", http.StatusOK,
		map[string]interface{}{"port": 8080, "sftp": 2022, "ssl": true}, &captured)
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	ports, err := client.FetchPorts("node-1")
	assert.NoError(err)
	assert.Equal(&Ports{Port: 8080, SFTP: 2022, SSL: true}, ports)
	assert.Equal("node-1", captured["uuid"])
	assert.Equal("tok", captured["token"])
}

func TestPermissionGranted(t *testing.T) {
	assert := assert.New(t)

	var captured map[string]string
	srv := helperServer(t, "/permission", http.StatusOK,
		map[string]bool{"permission": true}, &captured)
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	assert.True(client.HasPermission("user-1", "s1"))
	assert.Equal("user-1", captured["userUuid"])
	assert.Equal("s1", captured["serverUuid"])
}

func TestPredicatesDenyOnRemoteFailure(t *testing.T) {
	assert := assert.New(t)

	srv := helperServer(t, "/permission", http.StatusInternalServerError, nil, nil)
	client := NewClient(srv.URL, "tok")
	assert.False(client.HasPermission("user-1", "s1"))
	srv.Close()

	// unreachable remote
	dead := NewClient("http://127.0.0.1:1", "tok")
	assert.False(dead.HasPermission("user-1", "s1"))
	assert.False(dead.IsAdmin("user-1"))
	assert.False(dead.VerifySFTP("user", "pass", "s1"))
}

func TestIsAdmin(t *testing.T) {
	assert := assert.New(t)

	srv := helperServer(t, "/admin-permission", http.StatusOK,
		map[string]bool{"isAdmin": false}, nil)
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	assert.False(client.IsAdmin("user-1"))
}

func TestVerifySFTPSelfSigned(t *testing.T) {
	assert := assert.New(t)

	var captured map[string]string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		captured = body
		json.NewEncoder(w).Encode(map[string]bool{"permission": true})
	}))
	defer srv.Close()

	// the TLS test server uses a self-signed certificate; the sftp
	// verification channel must tolerate it
	client := NewClient(srv.URL, "tok")
	assert.True(client.VerifySFTP("alice", "secret", "s1"))
	assert.Equal("alice", captured["userName"])
	assert.Equal("secret", captured["password"])
	assert.Equal("s1", captured["serverUuid"])
}
