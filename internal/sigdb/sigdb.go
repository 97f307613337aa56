// Copyright 2025 The pacman-bintrans Authors
// SPDX-License-Identifier: Apache-2.0

// Package sigdb keeps the signer's local record of which packages were
// already signed and which signatures made it into the transparency log.
package sigdb

import (
	"database/sql"

	"github.com/kpcyrd/pacman-bintrans/pkg/archlinux"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sigs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	filename TEXT NOT NULL,
	sha256 TEXT NOT NULL UNIQUE,
	signature TEXT NOT NULL,
	uploaded INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Database is the signer's bookkeeping store.
type Database struct {
	db *sql.DB
}

// Open opens or creates the sqlite database at path and ensures the
// schema exists.
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database %q", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating database schema")
	}
	return &Database{db: db}, nil
}

// Close releases the underlying handle.
func (d *Database) Close() error {
	return d.db.Close()
}

// AlreadySigned reports whether a signature for the package content hash
// was recorded before.
func (d *Database) AlreadySigned(pkg *archlinux.Pkg) (bool, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(1) FROM sigs WHERE sha256 = ?", pkg.SHA256Sum).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "querying signature records")
	}
	return n > 0, nil
}

// InsertSignature records a freshly generated signature.
func (d *Database) InsertSignature(pkg *archlinux.Pkg, signature string) error {
	_, err := d.db.Exec(
		"INSERT INTO sigs (filename, sha256, signature) VALUES (?, ?, ?)",
		pkg.Filename, pkg.SHA256Sum, signature)
	if err != nil {
		return errors.Wrap(err, "inserting signature record")
	}
	return nil
}

// MarkUploaded flags a recorded signature as present in the transparency
// log.
func (d *Database) MarkUploaded(pkg *archlinux.Pkg) error {
	_, err := d.db.Exec("UPDATE sigs SET uploaded = 1 WHERE sha256 = ?", pkg.SHA256Sum)
	if err != nil {
		return errors.Wrap(err, "updating signature record")
	}
	return nil
}
