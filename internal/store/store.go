// Package store is the persistence layer: four tables behind a set of
// transactional helpers, backed by database/sql over sqlite3. Opens a
// *sql.DB against mattn/go-sqlite3, enables WAL mode, and creates its
// schema idempotently at construction, applied to the four fixed
// tables the tracker needs rather than a generic reflective ORM (see
// DESIGN.md).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/snowflake"
)

// Store is the tracker's persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: create tables: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside one transaction, committing on success and
// rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: %w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// UpsertChannel inserts the channel if absent, leaving reachability
// untouched if it already exists (reachability toggles go through the
// dedicated Set* methods, never through a blind upsert).
func (s *Store) UpsertChannel(ctx context.Context, ch model.Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (guild_id, id, reachable) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, int64(ch.GuildID), int64(ch.ID), ch.Reachable)
	if err != nil {
		return fmt.Errorf("store: upsert channel: %w", err)
	}
	return nil
}

// GetChannel fetches a channel by id.
func (s *Store) GetChannel(ctx context.Context, channelID snowflake.ID) (model.Channel, bool, error) {
	var ch model.Channel
	var guildID, id int64
	err := s.db.QueryRowContext(ctx, `SELECT guild_id, id, reachable FROM channels WHERE id = ?`, int64(channelID)).
		Scan(&guildID, &id, &ch.Reachable)
	if err == sql.ErrNoRows {
		return model.Channel{}, false, nil
	}
	if err != nil {
		return model.Channel{}, false, fmt.Errorf("store: get channel: %w", err)
	}
	ch.GuildID, ch.ID = snowflake.ID(guildID), snowflake.ID(id)
	return ch, true, nil
}

// SetChannelReachable flips one channel's reachability.
func (s *Store) SetChannelReachable(ctx context.Context, channelID snowflake.ID, reachable bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET reachable = ? WHERE id = ?`, reachable, int64(channelID))
	if err != nil {
		return fmt.Errorf("store: set channel reachable: %w", err)
	}
	return nil
}

// SetGuildReachable flips every channel in a guild's reachability in one statement.
func (s *Store) SetGuildReachable(ctx context.Context, guildID snowflake.ID, reachable bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET reachable = ? WHERE guild_id = ?`, reachable, int64(guildID))
	if err != nil {
		return fmt.Errorf("store: set guild reachable: %w", err)
	}
	return nil
}

// UpsertChannelState inserts or replaces a cursor row.
func (s *Store) UpsertChannelState(ctx context.Context, st model.ChannelState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_states (channel_id, subscriber, last_message_id, earliest_thread_archive_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id, subscriber) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			earliest_thread_archive_ts = excluded.earliest_thread_archive_ts
	`, int64(st.ChannelID), st.Subscriber, int64(st.LastMessageID), nullTime(st.EarliestThreadArchiveTS))
	if err != nil {
		return fmt.Errorf("store: upsert channel state: %w", err)
	}
	return nil
}

// GetChannelState fetches one cursor row.
func (s *Store) GetChannelState(ctx context.Context, channelID snowflake.ID, subscriber string) (model.ChannelState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_message_id, earliest_thread_archive_ts FROM channel_states
		WHERE channel_id = ? AND subscriber = ?
	`, int64(channelID), subscriber)
	st := model.ChannelState{ChannelID: channelID, Subscriber: subscriber}
	var lastMsg int64
	var ts sql.NullTime
	if err := row.Scan(&lastMsg, &ts); err == sql.ErrNoRows {
		return model.ChannelState{}, false, nil
	} else if err != nil {
		return model.ChannelState{}, false, fmt.Errorf("store: get channel state: %w", err)
	}
	st.LastMessageID = snowflake.ID(lastMsg)
	st.EarliestThreadArchiveTS = fromNullTime(ts)
	return st, true, nil
}

// ChannelStatesForSubscriber fetches every cursor a subscriber owns,
// whatever its channel's reachability.
func (s *Store) ChannelStatesForSubscriber(ctx context.Context, subscriber string) ([]model.ChannelState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, last_message_id, earliest_thread_archive_ts
		FROM channel_states WHERE subscriber = ?
	`, subscriber)
	if err != nil {
		return nil, fmt.Errorf("store: channel states for subscriber: %w", err)
	}
	defer rows.Close()

	var out []model.ChannelState
	for rows.Next() {
		var channelID, lastMsg int64
		var ts sql.NullTime
		if err := rows.Scan(&channelID, &lastMsg, &ts); err != nil {
			return nil, fmt.Errorf("store: scan channel state: %w", err)
		}
		out = append(out, model.ChannelState{
			ChannelID:               snowflake.ID(channelID),
			Subscriber:              subscriber,
			LastMessageID:           snowflake.ID(lastMsg),
			EarliestThreadArchiveTS: fromNullTime(ts),
		})
	}
	return out, rows.Err()
}

// BumpLastMessageID advances a cursor's watermark to max(current, id),
// the monotonic-cursor invariant from the data model.
func (s *Store) BumpLastMessageID(ctx context.Context, channelID snowflake.ID, subscriber string, id snowflake.ID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channel_states SET last_message_id = MAX(last_message_id, ?)
		WHERE channel_id = ? AND subscriber = ?
	`, int64(id), int64(channelID), subscriber)
	if err != nil {
		return fmt.Errorf("store: bump last message id: %w", err)
	}
	return nil
}

// SetArchiveWatermark updates a cursor's earliest_thread_archive_ts.
func (s *Store) SetArchiveWatermark(ctx context.Context, channelID snowflake.ID, subscriber string, ts *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channel_states SET earliest_thread_archive_ts = ?
		WHERE channel_id = ? AND subscriber = ?
	`, nullTime(ts), int64(channelID), subscriber)
	if err != nil {
		return fmt.Errorf("store: set archive watermark: %w", err)
	}
	return nil
}

// InsertChannelRequest inserts a new outstanding channel range.
func (s *Store) InsertChannelRequest(ctx context.Context, r model.ChannelRequest) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_requests (channel_id, subscriber, after_snowflake, before_snowflake) VALUES (?, ?, ?, ?)
	`, int64(r.ChannelID), r.Subscriber, int64(r.After), int64(r.Before))
	if err != nil {
		return 0, fmt.Errorf("store: insert channel request: %w", err)
	}
	return res.LastInsertId()
}

// InsertThreadRequest inserts a new outstanding thread range.
func (s *Store) InsertThreadRequest(ctx context.Context, r model.ThreadRequest) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_requests (thread_id, channel_id, subscriber, after_snowflake, before_snowflake) VALUES (?, ?, ?, ?, ?)
	`, int64(r.ThreadID), int64(r.ChannelID), r.Subscriber, int64(r.After), int64(r.Before))
	if err != nil {
		return 0, fmt.Errorf("store: insert thread request: %w", err)
	}
	return res.LastInsertId()
}

// DeleteChannelRequest removes a satisfied channel request.
func (s *Store) DeleteChannelRequest(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channel_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete channel request: %w", err)
	}
	return nil
}

// DeleteThreadRequest removes a satisfied thread request.
func (s *Store) DeleteThreadRequest(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete thread request: %w", err)
	}
	return nil
}

// DeleteThreadRequestsForThread drops every outstanding request
// against a thread, used when the thread itself has vanished.
func (s *Store) DeleteThreadRequestsForThread(ctx context.Context, threadID snowflake.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_requests WHERE thread_id = ?`, int64(threadID))
	if err != nil {
		return fmt.Errorf("store: delete thread requests for thread: %w", err)
	}
	return nil
}

// ShrinkChannelRequest narrows a request's exclusive upper bound as
// progress is made.
func (s *Store) ShrinkChannelRequest(ctx context.Context, id int64, before snowflake.ID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channel_requests SET before_snowflake = ? WHERE id = ?`, int64(before), id)
	if err != nil {
		return fmt.Errorf("store: shrink channel request: %w", err)
	}
	return nil
}

// ShrinkThreadRequest is ShrinkChannelRequest for thread requests.
func (s *Store) ShrinkThreadRequest(ctx context.Context, id int64, before snowflake.ID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE thread_requests SET before_snowflake = ? WHERE id = ?`, int64(before), id)
	if err != nil {
		return fmt.Errorf("store: shrink thread request: %w", err)
	}
	return nil
}

// fetchChannelRequests loads every channel request for a channel on a
// reachable channel, restricted to the given subscribers; used by
// OverlappingChannelRequests.
func (s *Store) fetchChannelRequests(ctx context.Context, channelID snowflake.ID, subscribers []string) ([]model.ChannelRequest, error) {
	if len(subscribers) == 0 {
		return nil, nil
	}
	query, args := inQuery(`
		SELECT channel_requests.id, channel_id, subscriber, after_snowflake, before_snowflake
		FROM channel_requests
		JOIN channel_states USING (channel_id, subscriber)
		JOIN channels ON channels.id = channel_requests.channel_id
		WHERE channel_requests.channel_id = ? AND channels.reachable = 1 AND channel_requests.subscriber IN (%s)
	`, append([]any{int64(channelID)}, toAnySlice(subscribers)...), subscribers)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fetch channel requests: %w", err)
	}
	defer rows.Close()

	var out []model.ChannelRequest
	for rows.Next() {
		var r model.ChannelRequest
		var channelID, after, before int64
		if err := rows.Scan(&r.ID, &channelID, &r.Subscriber, &after, &before); err != nil {
			return nil, fmt.Errorf("store: scan channel request: %w", err)
		}
		r.ChannelID, r.After, r.Before = snowflake.ID(channelID), snowflake.ID(after), snowflake.ID(before)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) fetchThreadRequests(ctx context.Context, threadID snowflake.ID, subscribers []string) ([]model.ThreadRequest, error) {
	if len(subscribers) == 0 {
		return nil, nil
	}
	query, args := inQuery(`
		SELECT thread_requests.id, thread_id, channel_id, subscriber, after_snowflake, before_snowflake
		FROM thread_requests
		JOIN channel_states USING (channel_id, subscriber)
		JOIN channels ON channels.id = thread_requests.channel_id
		WHERE thread_requests.thread_id = ? AND channels.reachable = 1 AND thread_requests.subscriber IN (%s)
	`, append([]any{int64(threadID)}, toAnySlice(subscribers)...), subscribers)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fetch thread requests: %w", err)
	}
	defer rows.Close()

	var out []model.ThreadRequest
	for rows.Next() {
		var r model.ThreadRequest
		var threadID, channelID, after, before int64
		if err := rows.Scan(&r.ID, &threadID, &channelID, &r.Subscriber, &after, &before); err != nil {
			return nil, fmt.Errorf("store: scan thread request: %w", err)
		}
		r.ThreadID, r.ChannelID, r.After, r.Before = snowflake.ID(threadID), snowflake.ID(channelID), snowflake.ID(after), snowflake.ID(before)
		out = append(out, r)
	}
	return out, rows.Err()
}

// OverlappingChannelRequests selects the contiguous chain of requests
// covering the same range as the request with the given channel and
// before_snowflake, walking down through overlapping after/before
// bounds. Expressed as an in-memory walk over one query's worth of
// rows since a channel's outstanding requests number at most a few
// dozen, rather than a recursive SQL CTE.
func (s *Store) OverlappingChannelRequests(ctx context.Context, channelID snowflake.ID, before snowflake.ID, subscribers []string) ([]model.ChannelRequest, error) {
	all, err := s.fetchChannelRequests(ctx, channelID, subscribers)
	if err != nil {
		return nil, err
	}
	minAfter, ok := walkOverlapChain(channelRequestBounds(all), before)
	if !ok {
		return nil, nil
	}
	var out []model.ChannelRequest
	for _, r := range all {
		if r.Before <= before && r.After >= minAfter {
			out = append(out, r)
		}
	}
	return out, nil
}

// OverlappingThreadRequests is OverlappingChannelRequests for one thread.
func (s *Store) OverlappingThreadRequests(ctx context.Context, threadID snowflake.ID, before snowflake.ID, subscribers []string) ([]model.ThreadRequest, error) {
	all, err := s.fetchThreadRequests(ctx, threadID, subscribers)
	if err != nil {
		return nil, err
	}
	minAfter, ok := walkOverlapChain(threadRequestBounds(all), before)
	if !ok {
		return nil, nil
	}
	var out []model.ThreadRequest
	for _, r := range all {
		if r.Before <= before && r.After >= minAfter {
			out = append(out, r)
		}
	}
	return out, nil
}

type bound struct {
	id            int64
	after, before snowflake.ID
}

func channelRequestBounds(rs []model.ChannelRequest) []bound {
	out := make([]bound, len(rs))
	for i, r := range rs {
		out[i] = bound{id: r.ID, after: r.After, before: r.Before}
	}
	return out
}

func threadRequestBounds(rs []model.ThreadRequest) []bound {
	out := make([]bound, len(rs))
	for i, r := range rs {
		out[i] = bound{id: r.ID, after: r.After, before: r.Before}
	}
	return out
}

// walkOverlapChain finds the minimal after_snowflake among the chain
// of requests that overlap starting from the one closest above
// startBefore, repeatedly pulling in any earlier request whose
// before_snowflake is at least the running floor. Returns ok=false if
// no request's before_snowflake reaches startBefore at all.
func walkOverlapChain(bounds []bound, startBefore snowflake.ID) (snowflake.ID, bool) {
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].before < bounds[j].before })

	findMinimalAbove := func(floor snowflake.ID) (bound, bool) {
		for _, b := range bounds {
			if b.before >= floor {
				return b, true
			}
		}
		return bound{}, false
	}

	anchor, ok := findMinimalAbove(startBefore)
	if !ok {
		return 0, false
	}

	minAfter := anchor.after
	seen := map[int64]bool{anchor.id: true}
	for grew := true; grew; {
		grew = false
		for _, b := range bounds {
			if seen[b.id] || b.before > anchor.before || b.before < minAfter {
				continue
			}
			seen[b.id] = true
			grew = true
			if b.after < minAfter {
				minAfter = b.after
			}
		}
	}
	return minAfter, true
}

// ArchiveScanCandidate is the planner's tier-1 pick: the channel
// holding the maximal earliest_thread_archive_ts across all active
// subscribers, plus every state on that channel still owed a scan.
type ArchiveScanCandidate struct {
	ChannelID snowflake.ID
	States    []model.ChannelState
}

// NextArchiveScan returns the channel state with the maximal non-null
// earliest_thread_archive_ts among the given subscribers on reachable
// channels, plus every other active state sharing that channel (the
// worker advances them all together).
func (s *Store) NextArchiveScan(ctx context.Context, subscribers []string) (*ArchiveScanCandidate, error) {
	if len(subscribers) == 0 {
		return nil, nil
	}
	query, args := inQuery(`
		SELECT channel_states.channel_id
		FROM channel_states
		JOIN channels ON channels.id = channel_states.channel_id
		WHERE channels.reachable = 1
		  AND channel_states.earliest_thread_archive_ts IS NOT NULL
		  AND channel_states.subscriber IN (%s)
		ORDER BY channel_states.earliest_thread_archive_ts DESC
		LIMIT 1
	`, toAnySlice(subscribers), subscribers)

	var channelID int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&channelID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: next archive scan: %w", err)
	}

	states, err := s.statesOwedArchiveScan(ctx, snowflake.ID(channelID), subscribers)
	if err != nil {
		return nil, err
	}
	return &ArchiveScanCandidate{ChannelID: snowflake.ID(channelID), States: states}, nil
}

func (s *Store) statesOwedArchiveScan(ctx context.Context, channelID snowflake.ID, subscribers []string) ([]model.ChannelState, error) {
	query, args := inQuery(`
		SELECT subscriber, last_message_id, earliest_thread_archive_ts
		FROM channel_states
		WHERE channel_id = ? AND earliest_thread_archive_ts IS NOT NULL AND subscriber IN (%s)
	`, append([]any{int64(channelID)}, toAnySlice(subscribers)...), subscribers)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: states owed archive scan: %w", err)
	}
	defer rows.Close()

	var out []model.ChannelState
	for rows.Next() {
		var sub string
		var lastMsg int64
		var ts sql.NullTime
		if err := rows.Scan(&sub, &lastMsg, &ts); err != nil {
			return nil, fmt.Errorf("store: scan archive-owed state: %w", err)
		}
		out = append(out, model.ChannelState{
			ChannelID:               channelID,
			Subscriber:              sub,
			LastMessageID:           snowflake.ID(lastMsg),
			EarliestThreadArchiveTS: fromNullTime(ts),
		})
	}
	return out, rows.Err()
}

// NextChannelRequest returns the channel request with the maximal
// before_snowflake among reachable channels and active subscribers.
func (s *Store) NextChannelRequest(ctx context.Context, subscribers []string) (*model.ChannelRequest, error) {
	if len(subscribers) == 0 {
		return nil, nil
	}
	query, args := inQuery(`
		SELECT channel_requests.id, channel_requests.channel_id, channel_requests.subscriber,
		       channel_requests.after_snowflake, channel_requests.before_snowflake
		FROM channel_requests
		JOIN channels ON channels.id = channel_requests.channel_id
		WHERE channels.reachable = 1 AND channel_requests.subscriber IN (%s)
		ORDER BY channel_requests.before_snowflake DESC
		LIMIT 1
	`, toAnySlice(subscribers), subscribers)

	var r model.ChannelRequest
	var channelID, after, before int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&r.ID, &channelID, &r.Subscriber, &after, &before)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: next channel request: %w", err)
	}
	r.ChannelID, r.After, r.Before = snowflake.ID(channelID), snowflake.ID(after), snowflake.ID(before)
	return &r, nil
}

// NextThreadRequest returns the thread request with the maximal before_snowflake.
func (s *Store) NextThreadRequest(ctx context.Context, subscribers []string) (*model.ThreadRequest, error) {
	if len(subscribers) == 0 {
		return nil, nil
	}
	query, args := inQuery(`
		SELECT thread_requests.id, thread_requests.thread_id, thread_requests.channel_id, thread_requests.subscriber,
		       thread_requests.after_snowflake, thread_requests.before_snowflake
		FROM thread_requests
		JOIN channels ON channels.id = thread_requests.channel_id
		WHERE channels.reachable = 1 AND thread_requests.subscriber IN (%s)
		ORDER BY thread_requests.before_snowflake DESC
		LIMIT 1
	`, toAnySlice(subscribers), subscribers)

	var r model.ThreadRequest
	var threadID, channelID, after, before int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&r.ID, &threadID, &channelID, &r.Subscriber, &after, &before)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: next thread request: %w", err)
	}
	r.ThreadID, r.ChannelID, r.After, r.Before = snowflake.ID(threadID), snowflake.ID(channelID), snowflake.ID(after), snowflake.ID(before)
	return &r, nil
}

// AllChannels returns every channel the engine has ever observed.
func (s *Store) AllChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id, id, reachable FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("store: all channels: %w", err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		var guildID, id int64
		var ch model.Channel
		if err := rows.Scan(&guildID, &id, &ch.Reachable); err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		ch.GuildID, ch.ID = snowflake.ID(guildID), snowflake.ID(id)
		out = append(out, ch)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// inQuery substitutes a "?, ?, ..." placeholder list of len(subs) into
// a %s hole in query, and returns the full positional argument slice
// (args already contains the IN-list values at its tail).
func inQuery(query string, args []any, subs []string) (string, []any) {
	placeholders := ""
	for i := range subs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
	}
	return fmt.Sprintf(query, placeholders), args
}
