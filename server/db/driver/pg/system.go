// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Dominion116/FrameMarket-Contracts/server/db/driver/pg/internal"
	"github.com/lib/pq"
)

const (
	publicSchema = "public"

	// minServerVersion is 9.5, the first release with INSERT ... ON CONFLICT.
	minServerVersion = 90500
)

// reportedSettings are logged when the archive opens.
var reportedSettings = []string{
	"config_file",
	"data_directory",
	"fsync",
	"full_page_writes",
	"max_connections",
	"shared_buffers",
	"synchronous_commit",
	"wal_level",
	"work_mem",
}

// quoteParam quotes a conninfo value if it is empty or has characters with
// meaning to the conninfo parser.
func quoteParam(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// dataSourceName builds the lib/pq connection string. Every session is put in
// UTC. A host starting with "/" is a UNIX socket directory and gets no port.
func dataSourceName(cfg *Config) string {
	params := []string{
		"host=" + quoteParam(cfg.Host),
		"user=" + quoteParam(cfg.User),
		"dbname=" + quoteParam(cfg.DBName),
		"sslmode=disable",
		"timezone=UTC",
	}
	if cfg.Pass != "" {
		params = append(params, "password="+quoteParam(cfg.Pass))
	}
	if cfg.Port != "" && !strings.HasPrefix(cfg.Host, "/") {
		params = append(params, "port="+quoteParam(cfg.Port))
	}
	return strings.Join(params, " ")
}

// connect opens and pings the database. The caller must Close the returned DB.
func connect(cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", dataSourceName(cfg))
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// sqlExecutor is implemented by both sql.DB and sql.Tx.
type sqlExecutor interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// sqlExec runs stmt and returns the number of affected rows.
func sqlExec(db sqlExecutor, stmt string, args ...any) (int64, error) {
	res, err := db.Exec(stmt, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error in RowsAffected: %w", err)
	}
	return n, nil
}

func tableExists(db *sql.DB, schema, tableName string) (bool, error) {
	var one int
	err := db.QueryRow(internal.TableExists, schema, tableName).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// createTable runs the fmtStmt template for schema.tableName unless the table
// is already there. The returned bool reports whether it was created.
func createTable(db *sql.DB, fmtStmt, schema, tableName string) (bool, error) {
	exists, err := tableExists(db, schema, tableName)
	if err != nil || exists {
		return false, err
	}
	fullName := schema + "." + tableName
	log.Infof("Creating the %q table.", fullName)
	if _, err = db.Exec(fmt.Sprintf(fmtStmt, fullName)); err != nil {
		return false, err
	}
	return true, nil
}

// pgSetting is a row of pg_settings.
type pgSetting struct {
	Name, Value, Unit, Source string
}

// String renders the value with its unit. Block-sized units such as "8kB" are
// shown as a multiplier.
func (s *pgSetting) String() string {
	switch {
	case s.Unit == "":
		return s.Value
	case s.Unit[0] >= '0' && s.Unit[0] <= '9':
		return s.Value + " x " + s.Unit
	default:
		return s.Value + " " + s.Unit
	}
}

func retrieveSettings(db *sql.DB, names []string) ([]*pgSetting, error) {
	rows, err := db.Query(internal.RetrieveSettings, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []*pgSetting
	for rows.Next() {
		s := new(pgSetting)
		if err = rows.Scan(&s.Name, &s.Value, &s.Unit, &s.Source); err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// durabilityWarnings lists the settings that let a crash lose or corrupt
// archived transactions.
func durabilityWarnings(settings []*pgSetting) []string {
	var warnings []string
	for _, s := range settings {
		if s.Value != "off" {
			continue
		}
		switch s.Name {
		case "synchronous_commit":
			warnings = append(warnings, "synchronous_commit is off. A crash may lose the most recently archived transactions.")
		case "fsync":
			warnings = append(warnings, "fsync is off. A crash may corrupt the archive.")
		case "full_page_writes":
			warnings = append(warnings, "full_page_writes is off. A crash may leave torn pages in the archive.")
		}
	}
	return warnings
}

func retrieveServerVersion(db *sql.DB) (ver string, num int, err error) {
	err = db.QueryRow(internal.RetrieveServerVersion).Scan(&ver, &num)
	return
}

func currentTimeZone(db *sql.DB) (tz string, err error) {
	if err = db.QueryRow(internal.RetrieveTimeZone).Scan(&tz); err != nil {
		err = fmt.Errorf("unable to query current time zone: %w", err)
	}
	return
}

// checkServer verifies that the server can hold the archive and logs its
// configuration unless hideConfig is set.
func (a *Archiver) checkServer(hideConfig bool) error {
	ver, num, err := retrieveServerVersion(a.db)
	if err != nil {
		return err
	}
	log.Info(ver)
	if num < minServerVersion {
		return fmt.Errorf("postgres server version %d is older than the minimum %d", num, minServerVersion)
	}

	tz, err := currentTimeZone(a.db)
	if err != nil {
		return err
	}
	if tz != "UTC" {
		return fmt.Errorf("session time zone is %q, not UTC", tz)
	}

	settings, err := retrieveSettings(a.db, reportedSettings)
	if err != nil {
		return err
	}
	if !hideConfig {
		var b strings.Builder
		for _, s := range settings {
			fmt.Fprintf(&b, "\n  %-20s %s (%s)", s.Name, s, s.Source)
		}
		log.Infof("postgres settings:%s", b.String())
	}
	for _, w := range durabilityWarnings(settings) {
		log.Warn(w)
	}
	return nil
}
