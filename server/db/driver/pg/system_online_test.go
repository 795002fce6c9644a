//go:build pgonline

package pg

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/decred/slog"
)

const (
	PGTestsHost   = "localhost" // "/run/postgresql" for UNIX socket
	PGTestsPort   = "5432"      // "" for UNIX socket
	PGTestsUser   = "framemarket"
	PGTestsPass   = ""
	PGTestsDBName = "framemarket_test"
)

var archie *Archiver

func startLogger() {
	logger := slog.NewBackend(os.Stdout).Logger("PG_DB_TEST")
	logger.SetLevel(slog.LevelDebug)
	UseLogger(logger)
}

func TestMain(m *testing.M) {
	startLogger()

	// Wrap openDB so that the cleanUp function may be deferred.
	doIt := func() int {
		cleanUp, err := openDB()
		defer cleanUp()
		if err != nil {
			panic(fmt.Sprintln("no db for testing:", err))
		}

		return m.Run()
	}

	os.Exit(doIt())
}

func openDB() (func() error, error) {
	dbi := Config{
		Host:         PGTestsHost,
		Port:         PGTestsPort,
		User:         PGTestsUser,
		Pass:         PGTestsPass,
		DBName:       PGTestsDBName,
		HidePGConfig: true,
		QueryTimeout: 0, // zero to use the default
	}
	var err error
	archie, err = NewArchiver(context.Background(), &dbi)
	if archie == nil {
		return func() error { return nil }, err
	}

	closeFn := func() error {
		if err := nukeAll(archie.db); err != nil {
			log.Errorf("nukeAll: %v", err)
		}
		return archie.Close()
	}

	return closeFn, err
}

// nukeAll drops all of the archive tables.
func nukeAll(db *sql.DB) error {
	for i := len(createPublicTableStatements) - 1; i >= 0; i-- {
		tableName := publicSchema + "." + createPublicTableStatements[i].name
		log.Infof(`Dropping table %s...`, tableName)
		if _, err := db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, tableName)); err != nil {
			return err
		}
	}
	return nil
}

func cleanTables(db *sql.DB) error {
	if err := nukeAll(db); err != nil {
		return err
	}
	return PrepareTables(db)
}

func Test_currentTimeZone(t *testing.T) {
	tz, err := currentTimeZone(archie.db)
	if err != nil {
		t.Fatal(err)
	}
	if tz != "UTC" {
		t.Errorf("session time zone is %q", tz)
	}
}

func Test_retrieveSettings(t *testing.T) {
	settings, err := retrieveSettings(archie.db, reportedSettings)
	if err != nil {
		t.Fatalf("Failed to retrieve settings: %v", err)
	}
	if len(settings) != len(reportedSettings) {
		t.Errorf("got %d settings, wanted %d", len(settings), len(reportedSettings))
	}
	for _, s := range settings {
		t.Logf("%s = %s (%s)", s.Name, s, s.Source)
	}
}

func Test_retrieveServerVersion(t *testing.T) {
	ver, num, err := retrieveServerVersion(archie.db)
	if err != nil {
		t.Fatalf("Failed to retrieve postgres version: %v", err)
	}
	if num < minServerVersion {
		t.Errorf("server version %d too old", num)
	}
	t.Log(ver)
}
