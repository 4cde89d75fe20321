package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/golang-migrate/migrate/v4"
	"github.com/pbs-plus/plus-scheduler/internal/store/constants"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

const DefaultPath = constants.DbFile

// CommonOptionsID is the options row owner for settings applied to every backup.
const CommonOptionsID = types.CommonOptionsID

// Database is our SQLite-backed store.
type Database struct {
	readDb  *sql.DB
	writeDb *sql.DB
	writeMu sync.Mutex
	dbPath  string
}

func dsn(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Initialize opens (or creates) the SQLite database at dbPath and migrates
// it to the latest schema.
func Initialize(dbPath string) (*Database, error) {
	if dbPath == "" {
		dbPath = DefaultPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("Initialize: error creating DB directory: %w", err)
	}

	writeDb, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("Initialize: error opening DB: %w", err)
	}
	writeDb.SetMaxOpenConns(1)

	_, err = writeDb.Exec("PRAGMA journal_mode=WAL;")
	if err != nil {
		_ = writeDb.Close()
		return nil, fmt.Errorf("Initialize: error DB: %w", err)
	}

	readDb, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		_ = writeDb.Close()
		return nil, fmt.Errorf("Initialize: error opening DB: %w", err)
	}

	database := &Database{
		dbPath:  dbPath,
		readDb:  readDb,
		writeDb: writeDb,
	}

	if err := database.Migrate(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		_ = database.Close()
		return nil, fmt.Errorf("Initialize: error migrating tables: %w", err)
	}

	return database, nil
}

// Path returns the database file location.
func (d *Database) Path() string {
	return d.dbPath
}

func (d *Database) Close() error {
	return errors.Join(d.readDb.Close(), d.writeDb.Close())
}

func (d *Database) writeLock() {
	d.writeMu.Lock()
}

func (d *Database) writeUnlock() {
	d.writeMu.Unlock()
}

func (d *Database) NewTransaction() (*sql.Tx, error) {
	return d.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
}

// inTx runs fn inside tx. When tx is nil a transaction is started, committed
// when fn succeeds and rolled back otherwise.
func (d *Database) inTx(tx *sql.Tx, op string, fn func(tx *sql.Tx) error) (err error) {
	if tx != nil {
		return fn(tx)
	}

	d.writeLock()
	defer d.writeUnlock()

	tx, err = d.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				syslog.L.Error(fmt.Errorf("%s: failed to rollback transaction: %w", op, rbErr)).Write()
			}
		} else {
			if cErr := tx.Commit(); cErr != nil {
				err = fmt.Errorf("%s: failed to commit transaction: %w", op, cErr)
				syslog.L.Error(err).Write()
			}
		}
	}()

	return fn(tx)
}
