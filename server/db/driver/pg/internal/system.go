package internal

const (
	// RetrieveSettings fetches the named pg_settings rows. $1 is a text array
	// of setting names.
	RetrieveSettings = `SELECT name, setting, COALESCE(unit, ''), source
		FROM pg_settings
		WHERE name = ANY($1)
		ORDER BY name;`

	// RetrieveServerVersion returns the server version string and number.
	RetrieveServerVersion = `SELECT version(), current_setting('server_version_num')::INT;`

	// RetrieveTimeZone returns the session time zone.
	RetrieveTimeZone = `SHOW TIME ZONE;`

	// TableExists returns a row if the schema has the table.
	TableExists = `SELECT 1 FROM pg_tables WHERE schemaname = $1 AND tablename = $2;`
)
