// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"fmt"

	"github.com/Dominion116/FrameMarket-Contracts/server/db/driver/pg/internal"
)

const (
	txsTableName      = "txs"
	eventsTableName   = "events"
	listingsTableName = "listings"
)

type tableStmt struct {
	name string
	stmt string
}

// createPublicTableStatements are in creation order. events references txs.
var createPublicTableStatements = []tableStmt{
	{txsTableName, internal.CreateTxsTable},
	{eventsTableName, internal.CreateEventsTable},
	{listingsTableName, internal.CreateListingsTable},
}

var tableMap = func() map[string]string {
	m := make(map[string]string, len(createPublicTableStatements))
	for _, pair := range createPublicTableStatements {
		m[pair.name] = pair.stmt
	}
	return m
}()

// CreateTable creates one of the known tables by name. The table will be
// created in the specified schema (schema.tableName). If schema is empty,
// "public" is used.
func CreateTable(db *sql.DB, schema, tableName string) (bool, error) {
	createCommand, tableNameFound := tableMap[tableName]
	if !tableNameFound {
		return false, fmt.Errorf("table name %s unknown", tableName)
	}

	if schema == "" {
		schema = publicSchema
	}
	return createTable(db, createCommand, schema, tableName)
}

// PrepareTables ensures that all tables and indexes of the archive are ready.
func PrepareTables(db *sql.DB) error {
	for _, tbl := range createPublicTableStatements {
		created, err := CreateTable(db, publicSchema, tbl.name)
		if err != nil {
			return fmt.Errorf("failed to create %s table: %w", tbl.name, err)
		}
		if created {
			log.Warnf("Created new %s table.", tbl.name)
		}
	}
	if _, err := sqlExec(db, internal.CreateListingsSellerIndex); err != nil {
		return fmt.Errorf("failed to create seller index: %w", err)
	}
	return nil
}
