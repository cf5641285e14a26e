package store

// schema creates the four tables described in the data model: watched
// channels, per-(channel,subscriber) cursors, and the two outstanding
// backfill request tables — a single idempotent multi-statement string
// executed once at construction.
const schema = `
CREATE TABLE IF NOT EXISTS channels (
	guild_id  INTEGER NOT NULL,
	id        INTEGER PRIMARY KEY,
	reachable BOOLEAN NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_channels_guild ON channels(guild_id);

CREATE TABLE IF NOT EXISTS channel_states (
	channel_id                 INTEGER NOT NULL REFERENCES channels(id),
	subscriber                 TEXT NOT NULL,
	last_message_id            INTEGER NOT NULL,
	earliest_thread_archive_ts TIMESTAMP,
	PRIMARY KEY (channel_id, subscriber)
);

CREATE TABLE IF NOT EXISTS channel_requests (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id      INTEGER NOT NULL,
	subscriber      TEXT NOT NULL,
	after_snowflake  INTEGER NOT NULL,
	before_snowflake INTEGER NOT NULL,
	FOREIGN KEY (channel_id, subscriber) REFERENCES channel_states(channel_id, subscriber) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_channel_requests_lookup ON channel_requests(channel_id, subscriber);

CREATE TABLE IF NOT EXISTS thread_requests (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id       INTEGER NOT NULL,
	channel_id      INTEGER NOT NULL,
	subscriber      TEXT NOT NULL,
	after_snowflake  INTEGER NOT NULL,
	before_snowflake INTEGER NOT NULL,
	FOREIGN KEY (channel_id, subscriber) REFERENCES channel_states(channel_id, subscriber) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_thread_requests_lookup ON thread_requests(channel_id, subscriber);
CREATE INDEX IF NOT EXISTS idx_thread_requests_thread ON thread_requests(thread_id);
`
