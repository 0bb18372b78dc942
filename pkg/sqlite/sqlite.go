// Package sqlite provides SQLite3 database utils for the gpm store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/gpm-project/gpm/pkg/log"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the database file in URI form, creating it when missing.
// ref. https://www.sqlite.org/uri.html
// ref. https://github.com/mattn/go-sqlite3?tab=readme-ov-file#connection-string
func Open(file string, readOnly bool) (*sql.DB, error) {
	conns := "file:" + file
	conns += "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"

	if readOnly {
		conns += "&mode=ro"
	} else {
		// ref. https://github.com/mattn/go-sqlite3/issues/1179#issuecomment-1638083995
		conns += "&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", conns)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w (%q)", err, conns)
	}

	if readOnly {
		db.SetMaxOpenConns(5)
	} else {
		// single connection for writing
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	return db, nil
}

func ReadDBSize(ctx context.Context, db *sql.DB) (uint64, error) {
	var pageCount uint64
	err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	if err == sql.ErrNoRows {
		return 0, errors.New("no page count")
	}
	if err != nil {
		return 0, err
	}

	var pageSize uint64
	err = db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
	if err == sql.ErrNoRows {
		return 0, errors.New("no page size")
	}
	if err != nil {
		return 0, err
	}

	return pageCount * pageSize, nil
}

// Compact compacts the database by running the VACUUM command.
func Compact(ctx context.Context, db *sql.DB) error {
	log.Logger.Infow("compacting metrics database")
	_, err := db.ExecContext(ctx, "VACUUM;")
	if err != nil {
		return err
	}
	log.Logger.Infow("successfully compacted metrics database")
	return nil
}

// RunCompact compacts the database file and logs the size before and
// after.
func RunCompact(ctx context.Context, dbFile string) error {
	dbRW, err := Open(dbFile, false)
	if err != nil {
		return fmt.Errorf("failed to open database file: %w", err)
	}
	defer dbRW.Close()

	dbRO, err := Open(dbFile, true)
	if err != nil {
		return fmt.Errorf("failed to open database file: %w", err)
	}
	defer dbRO.Close()

	dbSize, err := ReadDBSize(ctx, dbRO)
	if err != nil {
		return fmt.Errorf("failed to read database size: %w", err)
	}
	log.Logger.Infow("database size before compact", "size", humanize.Bytes(dbSize))

	if err := Compact(ctx, dbRW); err != nil {
		return fmt.Errorf("failed to compact database: %w", err)
	}

	dbSize, err = ReadDBSize(ctx, dbRO)
	if err != nil {
		return fmt.Errorf("failed to read database size: %w", err)
	}
	log.Logger.Infow("database size after compact", "size", humanize.Bytes(dbSize))

	return nil
}
