package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/querysql"
)

// ErrMissingKey is returned by Put for a record without a valid key.
var ErrMissingKey = errors.New("record has no valid key")

// EnsureObjectStore creates the object store name in database db if it
// does not exist yet. Creating a store bumps the database version.
func (s *Store) EnsureObjectStore(ctx context.Context, db, name string) (created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM object_stores WHERE db = ? AND name = ?`, db, name).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup object store: %w", err)
		}

		var version int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO databases (name, version) VALUES (?, 1)
			ON CONFLICT(name) DO UPDATE SET version = version + 1
			RETURNING version
		`, db).Scan(&version)
		if err != nil {
			return fmt.Errorf("upgrade database %q: %w", db, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO object_stores (db, name, created_version) VALUES (?, ?, ?)`,
			db, name, version); err != nil {
			return fmt.Errorf("create object store %q: %w", name, err)
		}
		created = true
		return nil
	})
	return created, err
}

// Version returns the database version, 0 for an unknown database.
func (s *Store) Version(ctx context.Context, db string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM databases WHERE name = ?`, db).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version of %q: %w", db, err)
	}
	return version, nil
}

// ObjectStores lists the object stores of db.
func (s *Store) ObjectStores(ctx context.Context, db string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM object_stores WHERE db = ?
		ORDER BY name COLLATE BINARY ASC
	`, db)
	if err != nil {
		return nil, fmt.Errorf("list object stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan object store: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Get returns the record at key, or nil when there is none.
func (s *Store) Get(ctx context.Context, db, store string, key ir.IRValue) (ir.IRObject, error) {
	return getRecord(ctx, s.db, db, store, key)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, db, store string, key ir.IRValue) (ir.IRObject, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM records WHERE db = ? AND store = ? AND key = ?`,
		db, store, ir.KeyString(key)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return decodeRecord(data)
}

// Put writes rec, replacing any record with the same key.
func (s *Store) Put(ctx context.Context, db, store string, rec ir.IRObject) error {
	key, ok := rec["key"]
	if !ok || !ir.ValidKey(key) {
		return ErrMissingKey
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (db, store, key, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(db, store, key) DO UPDATE SET data = excluded.data
	`, db, store, ir.KeyString(key), data)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Delete removes the record at key and returns it, or nil when absent.
func (s *Store) Delete(ctx context.Context, db, store string, key ir.IRValue) (ir.IRObject, error) {
	var old ir.IRObject
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if old, err = getRecord(ctx, tx, db, store, key); err != nil || old == nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE db = ? AND store = ? AND key = ?`,
			db, store, ir.KeyString(key)); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		return nil
	})
	return old, err
}

// Clear removes every record of the object store and returns them.
func (s *Store) Clear(ctx context.Context, db, store string) ([]ir.IRObject, error) {
	var cleared []ir.IRObject
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := querysql.Compile(db, store, nil)
		if err != nil {
			return err
		}
		if cleared, err = scanRecords(tx.QueryContext(ctx, c.SQL, c.Params...)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE db = ? AND store = ?`, db, store); err != nil {
			return fmt.Errorf("clear object store: %w", err)
		}
		return nil
	})
	return cleared, err
}

// All returns every record of the object store.
func (s *Store) All(ctx context.Context, db, store string) ([]ir.IRObject, error) {
	return s.Query(ctx, db, store, nil)
}

// Query returns the records that contain every field of query with an
// equal value. A nil query matches every record.
func (s *Store) Query(ctx context.Context, db, store string, query ir.IRObject) ([]ir.IRObject, error) {
	c, err := querysql.Compile(db, store, query)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}
	recs, err := scanRecords(s.db.QueryContext(ctx, c.SQL, c.Params...))
	if err != nil || c.Exact {
		return recs, err
	}

	out := recs[:0]
	for _, rec := range recs {
		if ir.IsSubset(query, rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func scanRecords(rows *sql.Rows, err error) ([]ir.IRObject, error) {
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []ir.IRObject
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return recs, nil
}

func encodeRecord(rec ir.IRObject) (string, error) {
	if err := checkData(rec); err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	b, err := ir.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(b), nil
}

// checkData rejects runtime objects, which have no persistent form.
func checkData(v ir.IRValue) error {
	switch val := v.(type) {
	case ir.IRArray:
		for i, elem := range val {
			if err := checkData(elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case ir.IRObject:
		for _, k := range val.SortedKeys() {
			if err := checkData(val[k]); err != nil {
				return fmt.Errorf("%q: %w", k, err)
			}
		}
	case nil:
	default:
		if !ir.IsData(v) {
			return fmt.Errorf("cannot persist %T", v)
		}
	}
	return nil
}

func decodeRecord(data string) (ir.IRObject, error) {
	v, err := ir.Unmarshal([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	rec, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("decode record: stored data is %T", v)
	}
	return rec, nil
}
