// Package db owns the sqlite persistence for the ingestion core: instrument
// driver configurations, sample orders, lab results, delta alerts, and the
// unmatched-data quarantine.
package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

// Sentinel errors surfaced by the stores.
var (
	// ErrDuplicateResult reports a result whose fingerprint already exists.
	// The matcher treats it as a no-op, not a failure.
	ErrDuplicateResult = errors.New("duplicate result fingerprint")

	// ErrAlreadyResolved reports a claim or discard against an unmatched row
	// that is no longer pending. Resolving a row twice is rejected to
	// preserve the audit trail.
	ErrAlreadyResolved = errors.New("unmatched row already resolved")

	// ErrNotFound reports a lookup for a row that does not exist.
	ErrNotFound = errors.New("not found")
)

type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the lab database at path and applies any pending
// migrations.
func NewDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// modernc sqlite serialises writes itself; a single connection avoids
	// SQLITE_BUSY under concurrent store access
	sqldb.SetMaxOpenConns(1)

	if _, err := sqldb.Exec(`PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	db := &DB{sqldb}
	if err := db.MigrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// AttachAdminRoutes mounts debugging endpoints on the given mux under
// /debug/: a read-only SQL console over the lab database and an on-demand
// backup download. These routes are reachable only over localhost/Tailscale.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://lab.db", db.DB, &tailsql.DBOptions{
		Label: "Lab DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}

// isUniqueViolation reports whether err is a sqlite unique-constraint
// failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint failures in the error text; the
	// driver does not export a typed error for them
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
