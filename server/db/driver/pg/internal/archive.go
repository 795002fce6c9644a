package internal

const (
	// CreateTxsTable creates the table of committed market commands.
	CreateTxsTable = `CREATE TABLE IF NOT EXISTS %s (
		tx_id INT8 PRIMARY KEY,
		op TEXT NOT NULL,
		caller BYTEA NOT NULL,
		args JSONB NOT NULL,
		stamp TIMESTAMPTZ NOT NULL
	);`

	// CreateEventsTable creates the table of ledger events. Listing IDs are
	// full-range uint64 and amounts are uint256, so both are NUMERIC.
	CreateEventsTable = `CREATE TABLE IF NOT EXISTS %s (
		tx_id INT8 NOT NULL REFERENCES txs(tx_id),
		idx INT4 NOT NULL,
		kind TEXT NOT NULL,
		listing_id NUMERIC(20) NOT NULL,
		account BYTEA NOT NULL,
		counterparty BYTEA NOT NULL,
		collection BYTEA NOT NULL,
		asset_id NUMERIC(78),
		amount NUMERIC(78),
		aux TEXT NOT NULL,
		stamp TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tx_id, idx)
	);`

	// CreateListingsTable creates the table of listing projections.
	CreateListingsTable = `CREATE TABLE IF NOT EXISTS %s (
		listing_id NUMERIC(20) PRIMARY KEY,
		seller BYTEA NOT NULL,
		collection BYTEA NOT NULL,
		asset_id NUMERIC(78) NOT NULL,
		price NUMERIC(78) NOT NULL,
		status INT2 NOT NULL,
		buyer BYTEA NOT NULL,
		created_tx INT8 NOT NULL,
		closed_tx INT8 NOT NULL
	);`

	// CreateListingsSellerIndex indexes listings by seller.
	CreateListingsSellerIndex = `CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings (seller, listing_id);`

	// SelectLastTxID retrieves the newest command ID, or 0.
	SelectLastTxID = `SELECT COALESCE(MAX(tx_id), 0) FROM txs;`

	// InsertTx archives a command.
	InsertTx = `INSERT INTO txs (tx_id, op, caller, args, stamp)
		VALUES ($1, $2, $3, $4, $5);`

	// InsertEvent archives an event.
	InsertEvent = `INSERT INTO events (tx_id, idx, kind, listing_id, account,
		counterparty, collection, asset_id, amount, aux, stamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`

	// SelectTxsSince retrieves the commands after a command ID.
	SelectTxsSince = `SELECT tx_id, op, caller, args, stamp FROM txs
		WHERE tx_id > $1 ORDER BY tx_id;`

	// SelectEventsSince retrieves the events of the commands after a command
	// ID, through the command holding the $2-th such event. A NULL $2 is no
	// limit.
	SelectEventsSince = `SELECT tx_id, idx, kind, listing_id, account, counterparty,
			collection, asset_id, amount, aux, stamp
		FROM events
		WHERE tx_id > $1
			AND ($2::BIGINT IS NULL OR tx_id <= COALESCE(
				(SELECT tx_id FROM events WHERE tx_id > $1
					ORDER BY tx_id, idx OFFSET $2::BIGINT - 1 LIMIT 1),
				9223372036854775807))
		ORDER BY tx_id, idx;`

	// SelectListing retrieves a listing projection.
	SelectListing = `SELECT listing_id, seller, collection, asset_id, price, status,
			buyer, created_tx, closed_tx
		FROM listings WHERE listing_id = $1;`

	// SelectListingForUpdate retrieves and locks a listing projection.
	SelectListingForUpdate = `SELECT listing_id, seller, collection, asset_id, price, status,
			buyer, created_tx, closed_tx
		FROM listings WHERE listing_id = $1 FOR UPDATE;`

	// SelectSellerListings retrieves a seller's listings. If $2 is not NULL,
	// only listings with that status are returned.
	SelectSellerListings = `SELECT listing_id, seller, collection, asset_id, price, status,
			buyer, created_tx, closed_tx
		FROM listings
		WHERE seller = $1 AND ($2::INT2 IS NULL OR status = $2)
		ORDER BY listing_id;`

	// UpsertListing inserts or replaces a listing projection.
	UpsertListing = `INSERT INTO listings (listing_id, seller, collection, asset_id,
			price, status, buyer, created_tx, closed_tx)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (listing_id) DO UPDATE
		SET price = EXCLUDED.price, status = EXCLUDED.status,
			buyer = EXCLUDED.buyer, closed_tx = EXCLUDED.closed_tx;`
)
