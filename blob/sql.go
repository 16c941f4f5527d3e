// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blob

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/grailbio/base/errors"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	createSQLiteTable = `
CREATE TABLE IF NOT EXISTS bigmap_objects (
    name    TEXT PRIMARY KEY,
    content BLOB NOT NULL
)`
	createPostgresTable = `
CREATE TABLE IF NOT EXISTS bigmap_objects (
    name    TEXT PRIMARY KEY,
    content BYTEA NOT NULL
)`
)

// SQLStore is a store implementation that keeps objects in a single
// table. Put inserts with ON CONFLICT DO NOTHING, so write-once is
// atomic.
type sqlStore struct {
	db *sql.DB
	// Queries are rendered for the driver's placeholder syntax.
	put, get, getRange, stat, list, del string
}

// OpenSQL opens the database named by dsn with the provided driver
// ("sqlite" or "postgres") and returns a store backed by it. The
// objects table is created if it does not exist.
func OpenSQL(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		create string
		ph     func(int) string
	)
	switch driver {
	case "sqlite":
		create = createSQLiteTable
		ph = func(int) string { return "?" }
	case "postgres":
		create = createPostgresTable
		ph = func(i int) string { return fmt.Sprintf("$%d", i) }
	default:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("blob.OpenSQL: unsupported driver %q", driver))
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("blob.OpenSQL %s", driver), err)
	}
	if driver == "sqlite" {
		if dsn == "" || dsn == ":memory:" {
			// Each connection to an in-memory database is a distinct
			// database.
			db.SetMaxOpenConns(1)
		} else {
			for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
				if _, err := db.ExecContext(ctx, pragma); err != nil {
					db.Close()
					return nil, errors.E(fmt.Sprintf("blob.OpenSQL: %s", pragma), err)
				}
			}
		}
	}
	if _, err := db.ExecContext(ctx, create); err != nil {
		db.Close()
		return nil, errors.E(errors.Unavailable, "blob.OpenSQL: create objects table", err)
	}
	return &sqlStore{
		db:  db,
		put: fmt.Sprintf("INSERT INTO bigmap_objects (name, content) VALUES (%s, %s) ON CONFLICT (name) DO NOTHING", ph(1), ph(2)),
		get: fmt.Sprintf("SELECT content FROM bigmap_objects WHERE name = %s", ph(1)),
		// Both substr variants index from 1 and count bytes on binary
		// content.
		getRange: fmt.Sprintf("SELECT length(content), substr(content, %s, %s) FROM bigmap_objects WHERE name = %s", ph(1), ph(2), ph(3)),
		stat:     fmt.Sprintf("SELECT length(content) FROM bigmap_objects WHERE name = %s", ph(1)),
		list:     fmt.Sprintf("SELECT name FROM bigmap_objects WHERE substr(name, 1, %s) = %s ORDER BY name", ph(1), ph(2)),
		del:      fmt.Sprintf("DELETE FROM bigmap_objects WHERE name = %s", ph(1)),
	}, nil
}

func (s *sqlStore) Put(ctx context.Context, key string, p []byte) error {
	if p == nil {
		p = []byte{}
	}
	res, err := s.db.ExecContext(ctx, s.put, key, p)
	if err != nil {
		return errors.E(fmt.Sprintf("put %s", key), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.E(fmt.Sprintf("put %s", key), err)
	}
	if n == 0 {
		return errors.E(errors.Exists, fmt.Sprintf("put %s", key))
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, error) {
	var p []byte
	err := s.db.QueryRowContext(ctx, s.get, key).Scan(&p)
	if err == sql.ErrNoRows {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("get %s", key))
	}
	if err != nil {
		return nil, errors.E(fmt.Sprintf("get %s", key), err)
	}
	if p == nil {
		p = []byte{}
	}
	return p, nil
}

func (s *sqlStore) GetRange(ctx context.Context, key string, off, n int64) ([]byte, error) {
	var (
		size int64
		p    []byte
	)
	err := s.db.QueryRowContext(ctx, s.getRange, off+1, n, key).Scan(&size, &p)
	if err == sql.ErrNoRows {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("get %s", key))
	}
	if err != nil {
		return nil, errors.E(fmt.Sprintf("get %s", key), err)
	}
	if err = checkRange(key, size, off, n); err != nil {
		return nil, err
	}
	if p == nil {
		p = []byte{}
	}
	return p, nil
}

func (s *sqlStore) Stat(ctx context.Context, key string) (Info, error) {
	var size int64
	err := s.db.QueryRowContext(ctx, s.stat, key).Scan(&size)
	if err == sql.ErrNoRows {
		return Info{}, errors.E(errors.NotExist, fmt.Sprintf("stat %s", key))
	}
	if err != nil {
		return Info{}, errors.E(fmt.Sprintf("stat %s", key), err)
	}
	return Info{Size: size}, nil
}

func (s *sqlStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.list, len(prefix), prefix)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("list %s", prefix), err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.E(fmt.Sprintf("list %s", prefix), err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.E(fmt.Sprintf("list %s", prefix), err)
	}
	return keys, nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.del, key); err != nil {
		return errors.E(fmt.Sprintf("delete %s", key), err)
	}
	return nil
}

// Close closes the underlying database.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
