// Package model holds the durable types the tracker persists and
// passes between its components: channels, cursors and outstanding
// backfill requests, per the engine's data model.
package model

import (
	"time"

	"github.com/relaybot/tracker/internal/snowflake"
)

// ScopeKind selects the breadth of a subscription.
type ScopeKind int

const (
	// ScopeGlobal subscribes to every guild and channel the engine watches.
	ScopeGlobal ScopeKind = iota
	// ScopeGuild subscribes to every channel in one guild.
	ScopeGuild
	// ScopeChannel subscribes to a single channel.
	ScopeChannel
)

// Scope identifies the breadth of a subscription request.
type Scope struct {
	Kind      ScopeKind
	GuildID   snowflake.ID
	ChannelID snowflake.ID
}

// Global returns the scope matching every watched channel.
func Global() Scope { return Scope{Kind: ScopeGlobal} }

// Guild returns the scope matching every channel in guildID.
func Guild(guildID snowflake.ID) Scope { return Scope{Kind: ScopeGuild, GuildID: guildID} }

// Channel returns the scope matching exactly one channel.
func Channel(channelID snowflake.ID) Scope { return Scope{Kind: ScopeChannel, ChannelID: channelID} }

// Message is the unit delivered to subscriber callbacks.
type Message struct {
	ID        snowflake.ID
	ChannelID snowflake.ID // top-level channel, even if the message was posted in a thread
	ThreadID  snowflake.ID // zero if the message was not in a thread
}

// Channel is a top-level channel the engine has ever observed.
type Channel struct {
	GuildID   snowflake.ID
	ID        snowflake.ID
	Reachable bool
}

// ChannelState is the per-(channel, subscriber) cursor.
type ChannelState struct {
	ChannelID snowflake.ID
	Subscriber string

	// LastMessageID is the latest message id (in the channel or any of
	// its threads) this subscriber is known to have seen or been queued for.
	LastMessageID snowflake.ID

	// EarliestThreadArchiveTS is nil once archival scanning is complete
	// for this subscriber; otherwise the engine still owes a scan of
	// archived threads older than this timestamp.
	EarliestThreadArchiveTS *time.Time
}

// Done reports whether thread-archive scanning is complete.
func (s *ChannelState) Done() bool { return s.EarliestThreadArchiveTS == nil }

// ChannelRequest is an outstanding commitment to deliver every message
// in a channel whose id lies in [After, Before) to Subscriber.
type ChannelRequest struct {
	ID         int64
	ChannelID  snowflake.ID
	Subscriber string
	After      snowflake.ID // inclusive
	Before     snowflake.ID // exclusive
}

// ThreadRequest is the same commitment, scoped to one thread.
type ThreadRequest struct {
	ID         int64
	ThreadID   snowflake.ID
	ChannelID  snowflake.ID
	Subscriber string
	After      snowflake.ID // inclusive
	Before     snowflake.ID // exclusive
}

// Callback is the function a subscriber registers. It receives one or
// more messages belonging to a single channel or thread, in descending
// order when delivered by backfill. It must be idempotent: the engine
// may invoke it more than once for the same message on the failure path.
type Callback func(messages []Message) error
