// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Column describes one column of an entity table.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
}

// Descriptor describes the table backing one entity. It replaces
// annotation-registered schemas: each entity lists its columns explicitly
// and a single routine creates all tables from the descriptors.
type Descriptor struct {
	Table   string
	Columns []Column
}

func (d *Descriptor) columnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

func (d *Descriptor) createStatement() string {
	defs := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		def := c.Name + " " + c.Type
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs[i] = def
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Table, strings.Join(defs, ", "))
}

// Entity is the narrow mapping contract between a Go struct and its row.
type Entity interface {
	Schema() *Descriptor
	Load(scan func(dest ...any) error) error
	ToRow() []any
}

// CreateTables creates the table of every descriptor that is missing.
func CreateTables(db *sql.DB, descriptors ...*Descriptor) error {
	for _, d := range descriptors {
		if _, err := db.Exec(d.createStatement()); err != nil {
			return errors.Wrapf(err, "create table %s", d.Table)
		}
	}
	return nil
}

// Create inserts the entity's row.
func Create(db *sql.DB, e Entity) error {
	d := e.Schema()
	cols := d.columnNames()
	marks := strings.TrimRight(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Table, strings.Join(cols, ", "), marks)
	_, err := db.Exec(stmt, e.ToRow()...)
	return errors.Wrapf(err, "insert into %s", d.Table)
}

// Find loads the first row matching column = value into e. It returns
// false when no row matches.
func Find(db *sql.DB, e Entity, column string, value any) (bool, error) {
	d := e.Schema()
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(d.columnNames(), ", "), d.Table, column)
	row := db.QueryRow(stmt, value)

	err := e.Load(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "select from %s", d.Table)
	}
	return true, nil
}

// GetAll loads every row of the entity's table, constructing entities with
// newEntity.
func GetAll(db *sql.DB, newEntity func() Entity) ([]Entity, error) {
	probe := newEntity()
	d := probe.Schema()
	stmt := fmt.Sprintf("SELECT %s FROM %s",
		strings.Join(d.columnNames(), ", "), d.Table)

	rows, err := db.Query(stmt)
	if err != nil {
		return nil, errors.Wrapf(err, "select from %s", d.Table)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e := newEntity()
		if err := e.Load(rows.Scan); err != nil {
			return nil, errors.Wrapf(err, "scan row of %s", d.Table)
		}
		out = append(out, e)
	}
	return out, errors.Wrapf(rows.Err(), "iterate %s", d.Table)
}

// Delete removes every row matching column = value.
func Delete(db *sql.DB, e Entity, column string, value any) error {
	d := e.Schema()
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", d.Table, column)
	_, err := db.Exec(stmt, value)
	return errors.Wrapf(err, "delete from %s", d.Table)
}
