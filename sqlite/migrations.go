package sqlite

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations must stay sequential starting from 1. Hashes are stored as the
// signed reinterpretation of the uint64 value; dates as unix seconds, zero
// when unknown.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS envelopes (
	hash            INTEGER PRIMARY KEY,
	mailbox_hash    INTEGER NOT NULL,
	message_id      TEXT NOT NULL DEFAULT '',
	in_reply_to     TEXT NOT NULL DEFAULT '',
	refs            TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	from_addr       TEXT NOT NULL DEFAULT '',
	to_addr         TEXT NOT NULL DEFAULT '',
	cc_addr         TEXT NOT NULL DEFAULT '',
	bcc_addr        TEXT NOT NULL DEFAULT '',
	reply_to        TEXT NOT NULL DEFAULT '',
	date            INTEGER NOT NULL DEFAULT 0,
	received        INTEGER NOT NULL DEFAULT 0,
	sort_date       INTEGER NOT NULL DEFAULT 0,
	size            INTEGER NOT NULL DEFAULT 0,
	flags           INTEGER NOT NULL DEFAULT 0,
	tags            TEXT NOT NULL DEFAULT '',
	has_attachments INTEGER NOT NULL DEFAULT 0,
	uid             INTEGER NOT NULL DEFAULT 0,
	key             TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_envelopes_mailbox ON envelopes(mailbox_hash, sort_date);
CREATE INDEX IF NOT EXISTS idx_envelopes_message_id ON envelopes(message_id);

CREATE TABLE IF NOT EXISTS bodies (
	hash INTEGER PRIMARY KEY,
	text TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mailboxes (
	hash           INTEGER PRIMARY KEY,
	path           TEXT NOT NULL,
	uidvalidity    INTEGER NOT NULL DEFAULT 0,
	highestmodseq  INTEGER NOT NULL DEFAULT 0,
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
