// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package pg is a PostgreSQL market archive.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/server/db"
)

// Driver implements db.Driver.
type Driver struct{}

// Open creates the archive. cfg must be a *Config or Config.
func (d *Driver) Open(ctx context.Context, cfg any) (db.Archivist, error) {
	switch c := cfg.(type) {
	case *Config:
		return NewArchiver(ctx, c)
	case Config:
		return NewArchiver(ctx, &c)
	default:
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
}

// UseLogger sets the package logger.
func (d *Driver) UseLogger(logger fm.Logger) {
	UseLogger(logger)
}

func init() {
	db.Register("pg", &Driver{})
}

const (
	defaultQueryTimeout = 20 * time.Minute
)

// Config holds the Archiver's configuration.
type Config struct {
	Host, Port, User, Pass, DBName string
	HidePGConfig                   bool
	QueryTimeout                   time.Duration
}

// Archiver is the PostgreSQL implementation of db.Archivist.
type Archiver struct {
	ctx          context.Context
	queryTimeout time.Duration
	db           *sql.DB
	dbName       string
}

// Check that Archiver satisfies the db.Archivist interface.
var _ db.Archivist = (*Archiver)(nil)

// NewArchiver constructs a new Archiver. Use Close when done with the Archiver.
func NewArchiver(ctx context.Context, cfg *Config) (*Archiver, error) {
	db, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	archiver := &Archiver{
		ctx:          ctx,
		db:           db,
		dbName:       cfg.DBName,
		queryTimeout: queryTimeout,
	}

	if err = archiver.checkServer(cfg.HidePGConfig); err != nil {
		db.Close()
		return nil, err
	}

	if err = PrepareTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return archiver, nil
}

// Close closes the underlying DB connection.
func (a *Archiver) Close() error {
	return a.db.Close()
}

// queryContext derives a request context bounded by the query timeout and by
// the Archiver's lifetime.
func (a *Archiver) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	stop := context.AfterFunc(a.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
