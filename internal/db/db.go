// Package db is the admin app's SQLCipher store. One encrypted database holds
// settings, users, roles, sessions and the admin-managed content.
package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kuitang/rcprobe/internal/crypto"
	"github.com/kuitang/rcprobe/internal/errs"
	"github.com/kuitang/rcprobe/internal/obs"
)

const (
	// MaxOpenConns bounds file-backed pools. SQLite is single-writer, so
	// high connection counts are counterproductive.
	MaxOpenConns = 10

	// MaxIdleConns is the idle pool size for file-backed databases.
	MaxIdleConns = 2
)

// Options configure Open.
type Options struct {
	// Path of the database file. Empty opens a private in-memory database.
	Path string
	// MasterKey derives the page encryption key and the key sealing TOTP
	// secrets. It must not be empty.
	MasterKey []byte
}

// DB wraps the sql.DB with typed queries for every admin app concern.
type DB struct {
	db         *sql.DB
	secretsKey []byte
	now        func() time.Time
}

// Open opens (creating if needed) the encrypted database and applies the
// schema.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if len(opts.MasterKey) == 0 {
		return nil, errs.New(errs.InvalidArgument, "database master key is required")
	}
	keyHex := hex.EncodeToString(crypto.DeriveKey(opts.MasterKey, crypto.PurposeDatabase))

	var dsn string
	memory := opts.Path == ""
	if memory {
		// Each in-memory database gets its own shared-cache name so parallel
		// tests never see each other's rows.
		name, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
			hex.EncodeToString(name[:8]), keyHex)
	} else {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", opts.Path, keyHex)
		dsn = appendSQLiteParams(dsn, sqliteCommonParams())
	}

	sqlDB, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "failed to open database", err)
	}
	if memory {
		// A single connection keeps the shared-cache database alive and
		// avoids table lock contention.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(MaxOpenConns)
		sqlDB.SetMaxIdleConns(MaxIdleConns)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, errs.Wrap(errs.Unavailable, "failed to ping database (wrong key?)", err)
	}
	if _, err := sqlDB.ExecContext(ctx, Schema); err != nil {
		sqlDB.Close()
		return nil, errs.Wrap(errs.Internal, "failed to initialize schema", err)
	}

	obs.Pkg("db").Info("database_opened", "memory", memory)
	return &DB{
		db:         sqlDB,
		secretsKey: crypto.DeriveKey(opts.MasterKey, crypto.PurposeSecrets),
		now:        time.Now,
	}, nil
}

// SQL returns the underlying sql.DB for direct access when needed.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Close closes the connection pool.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

func sqliteCommonParams() string {
	// Production-safe defaults: WAL + NORMAL provides good throughput while preserving safety.
	return "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
}

func appendSQLiteParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// notFound maps sql.ErrNoRows to a NotFound coded error.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.NotFound, what+" not found", err)
	}
	return errs.Wrap(errs.Internal, "query "+what, err)
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
