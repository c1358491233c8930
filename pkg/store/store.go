// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package store

import (
	"database/sql"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var storeLog = logrus.WithField("source", "store")

// dbFileName is the sqlite database kept next to the server sandboxes.
const dbFileName = "hightd.db"

// SetLogger sets the logger for the store package.
func SetLogger(logger *logrus.Entry) {
	fields := storeLog.Data
	storeLog = logger.WithFields(fields)
}

// ServerRow is the persisted record of one managed server. The agent only
// needs the id back at boot; everything else is reconciled from the
// container runtime.
type ServerRow struct {
	ID       int64
	ServerID string
}

var serverDescriptor = &Descriptor{
	Table: "servers",
	Columns: []Column{
		{Name: "id", Type: "INTEGER", PrimaryKey: true},
		{Name: "server_id", Type: "TEXT"},
	},
}

// Schema implements Entity.
func (s *ServerRow) Schema() *Descriptor { return serverDescriptor }

// Load implements Entity.
func (s *ServerRow) Load(scan func(dest ...any) error) error {
	return scan(&s.ID, &s.ServerID)
}

// ToRow implements Entity.
func (s *ServerRow) ToRow() []any { return []any{nil, s.ServerID} }

// Store persists the set of server ids this node owns.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the node database under basePath and ensures
// the schema exists.
func Open(basePath string) (*Store, error) {
	path := filepath.Join(basePath, dbFileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", path)
	}

	if err := CreateTables(db, serverDescriptor); err != nil {
		db.Close()
		return nil, err
	}

	storeLog.WithField("path", path).Debug("store opened")
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddServer records a server id.
func (s *Store) AddServer(serverID string) error {
	return Create(s.db, &ServerRow{ServerID: serverID})
}

// RemoveServer forgets a server id.
func (s *Store) RemoveServer(serverID string) error {
	return Delete(s.db, &ServerRow{}, "server_id", serverID)
}

// HasServer reports whether serverID is recorded.
func (s *Store) HasServer(serverID string) (bool, error) {
	return Find(s.db, &ServerRow{}, "server_id", serverID)
}

// ServerIDs returns every recorded server id.
func (s *Store) ServerIDs() ([]string, error) {
	entities, err := GetAll(s.db, func() Entity { return &ServerRow{} })
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.(*ServerRow).ServerID)
	}
	return ids, nil
}
