// Package store persists the set of server ids this node owns, so the
// registry can reconcile with the container runtime after a restart.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Column describes one column of a persisted table.
type Column struct {
	Name        string
	Type        string
	Constraints string
}

// TableDescriptor is an explicit schema declaration consumed by createTable.
// No reflection: every entity spells out its columns.
type TableDescriptor struct {
	Name    string
	Columns []Column
}

var serversTable = TableDescriptor{
	Name: "servers",
	Columns: []Column{
		{Name: "id", Type: "INTEGER", Constraints: "PRIMARY KEY AUTOINCREMENT"},
		{Name: "server_id", Type: "TEXT", Constraints: "NOT NULL UNIQUE"},
	},
}

// Store is the sqlite-backed server id set.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// sqlite tolerates a single writer; the agent is the only one.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.createTable(serversTable); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTable(desc TableDescriptor) error {
	cols := make([]string, 0, len(desc.Columns))
	for _, c := range desc.Columns {
		col := c.Name + " " + c.Type
		if c.Constraints != "" {
			col += " " + c.Constraints
		}
		cols = append(cols, col)
	}
	_, err := s.db.Exec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", desc.Name, strings.Join(cols, ", ")))
	if err != nil {
		return fmt.Errorf("create table %s: %w", desc.Name, err)
	}
	return nil
}

// Add records a server id. Adding an existing id is a no-op.
func (s *Store) Add(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO servers (server_id) VALUES (?)", serverID)
	return err
}

// Remove deletes a server id.
func (s *Store) Remove(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM servers WHERE server_id = ?", serverID)
	return err
}

// List returns every persisted server id.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT server_id FROM servers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
