package store

// schema is applied idempotently at startup by Migrate. Primary keys are
// BIGINT surrogates with a unique index on the business key, matching
// spec §6 ("Primary keys are BIGINT surrogate; requestId is a 36-char
// UUID index"). SQLite's INTEGER PRIMARY KEY is the surrogate here,
// mirroring the approach geth-11-storage/geth-17-indexer already take
// for durable ledgers in this repo family.
const schema = `
CREATE TABLE IF NOT EXISTS withdrawal_requests (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id       TEXT NOT NULL UNIQUE,
	amount           TEXT NOT NULL,
	amount_base_unit TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL DEFAULT '',
	token_address    TEXT NOT NULL DEFAULT '',
	to_address       TEXT NOT NULL,
	chain            TEXT NOT NULL,
	network          TEXT NOT NULL,
	status           TEXT NOT NULL,
	processing_mode  TEXT NOT NULL DEFAULT 'SINGLE',
	batch_id         TEXT,
	try_count        INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_withdrawal_requests_status ON withdrawal_requests(status);
CREATE INDEX IF NOT EXISTS idx_withdrawal_requests_batch ON withdrawal_requests(batch_id);

CREATE TABLE IF NOT EXISTS signed_single_transactions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id    TEXT NOT NULL,
	raw           BLOB NOT NULL,
	from_address  TEXT NOT NULL,
	to_address    TEXT NOT NULL,
	value         TEXT NOT NULL DEFAULT '0',
	nonce         INTEGER NOT NULL,
	chain_id      INTEGER NOT NULL,
	legacy        INTEGER NOT NULL DEFAULT 0,
	gas_price     TEXT NOT NULL DEFAULT '',
	max_fee       TEXT NOT NULL DEFAULT '',
	max_priority  TEXT NOT NULL DEFAULT '',
	gas_limit     INTEGER NOT NULL DEFAULT 0,
	tx_hash       TEXT NOT NULL,
	try_count     INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	superseded    INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signed_single_chain_from_nonce_live
	ON signed_single_transactions(chain_id, from_address, nonce) WHERE superseded = 0;
CREATE INDEX IF NOT EXISTS idx_signed_single_tx_hash ON signed_single_transactions(tx_hash);
CREATE INDEX IF NOT EXISTS idx_signed_single_request ON signed_single_transactions(request_id);

CREATE TABLE IF NOT EXISTS signed_batch_transactions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id      TEXT NOT NULL UNIQUE,
	request_ids   TEXT NOT NULL,
	raw           BLOB NOT NULL,
	from_address  TEXT NOT NULL,
	to_address    TEXT NOT NULL,
	nonce         INTEGER NOT NULL,
	chain_id      INTEGER NOT NULL,
	legacy        INTEGER NOT NULL DEFAULT 0,
	gas_price     TEXT NOT NULL DEFAULT '',
	max_fee       TEXT NOT NULL DEFAULT '',
	max_priority  TEXT NOT NULL DEFAULT '',
	gas_limit     INTEGER NOT NULL DEFAULT 0,
	tx_hash       TEXT NOT NULL,
	try_count     INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	superseded    INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signed_batch_chain_from_nonce_live
	ON signed_batch_transactions(chain_id, from_address, nonce) WHERE superseded = 0;
CREATE INDEX IF NOT EXISTS idx_signed_batch_tx_hash ON signed_batch_transactions(tx_hash);

CREATE TABLE IF NOT EXISTS sent_transactions (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id        TEXT NOT NULL DEFAULT '',
	batch_id          TEXT NOT NULL DEFAULT '',
	signed_tx_hash    TEXT NOT NULL,
	on_chain_tx_hash  TEXT NOT NULL,
	block_number      INTEGER NOT NULL DEFAULT 0,
	gas_used          INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	confirmed_at      TIMESTAMP,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sent_tx_request ON sent_transactions(request_id);
CREATE INDEX IF NOT EXISTS idx_sent_tx_signed_hash ON sent_transactions(signed_tx_hash);

-- outbox implements transactional persist+publish for Ingress (spec
-- §4.1): a row is inserted in the same transaction as the
-- withdrawal_requests insert, and a background relay goroutine retries
-- publication until it succeeds, then marks it published.
CREATE TABLE IF NOT EXISTS outbox (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_name   TEXT NOT NULL,
	message_key  TEXT NOT NULL,
	body         BLOB NOT NULL,
	published    INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox(published, created_at);

-- Carried over from the source schema for parity (spec §6); orthogonal
-- to withdrawal processing, never read or written by core logic.
CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	email      TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL
);
`
