// Package store persists records in named object stores backed by SQLite.
//
// A database (default name "ccm") holds object stores; an object store
// holds records keyed by their "key" field. Asking for an object store
// that does not exist creates it and bumps the database version, the way
// an upgrade would. Record data is stored as JSON with sorted keys.
//
// String and integer keys share one key space: the record keyed "5" and
// the record keyed 5 are the same row.
//
// # SQLite settings
//
// Files run in WAL mode with synchronous=NORMAL and a 5 s busy timeout.
// Foreign keys are on, so dropping an object store drops its records.
// The schema version lives in PRAGMA user_version.
//
// Multi-row reads are ordered by key (COLLATE BINARY).
package store
