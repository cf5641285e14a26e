// Package chatclient defines the interfaces the tracker consumes from
// the chat-platform client library. The library itself — connection
// management, the wire protocol, rate limiting — lives outside this
// module; only the shape it must expose to the engine is specified
// here, as small interfaces a caller can fake (internal/testchat is
// the in-memory implementation).
package chatclient

import (
	"context"
	"time"

	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/snowflake"
)

// Client is the chat-platform connection handle.
type Client interface {
	// Guilds lists every guild currently visible to the client.
	Guilds(ctx context.Context) ([]Guild, error)
	// FetchChannel resolves a thread by id, raising ErrNotFound if it
	// no longer exists or is no longer visible.
	FetchChannel(ctx context.Context, guildID, threadID snowflake.ID) (Thread, error)
	// Events delivers live gateway events until the client is closed.
	Events() <-chan Event
}

// Guild is a top-level guild (server).
type Guild interface {
	ID() snowflake.ID
	Channels(ctx context.Context) ([]Channel, error)
}

// Channel is a top-level, persistent channel within a guild.
type Channel interface {
	ID() snowflake.ID
	GuildID() snowflake.ID
	// LastMessageID reports the greatest message id the library can
	// cheaply report for this channel, if any.
	LastMessageID() (snowflake.ID, bool)
	LiveThreads(ctx context.Context) ([]Thread, error)
	History(ctx context.Context, limit int, before snowflake.ID) HistoryIterator
	ArchivedThreads(ctx context.Context, limit int, before time.Time) ArchivedThreadsIterator
}

// Thread is a sub-channel of a parent Channel.
type Thread interface {
	ID() snowflake.ID
	ParentID() snowflake.ID
	LastMessageID() (snowflake.ID, bool)
	ArchiveTimestamp() time.Time
	History(ctx context.Context, limit int, before snowflake.ID) HistoryIterator
}

// HistoryIterator yields messages in descending id order.
type HistoryIterator interface {
	// Next returns the next message, or ok=false once exhausted.
	Next(ctx context.Context) (model.Message, bool, error)
}

// ArchivedThreadsIterator yields threads in descending archive-time order.
type ArchivedThreadsIterator interface {
	Next(ctx context.Context) (Thread, bool, error)
}

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventReady EventKind = iota
	EventMessageCreate
	EventThreadUpdate
	EventChannelPermissionsUpdate
	EventChannelCreate
	EventChannelDelete
)

// Event is the live gateway event union. Only the fields relevant to
// its Kind are populated.
type Event struct {
	Kind EventKind

	Message model.Message

	// Thread update fields.
	ThreadID            snowflake.ID
	ThreadParentID       snowflake.ID
	WasArchived         bool
	IsArchived          bool
	PriorArchiveTS      time.Time
	CurrentArchiveTS    time.Time
	ThreadLastMessageID snowflake.ID
	ThreadHasLastMsg    bool

	// Channel lifecycle / permission fields.
	ChannelID snowflake.ID
	GuildID   snowflake.ID
}

// FailureKind classifies an error returned by a Client/Channel/Thread
// call, per the error taxonomy this engine must react to.
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailureNotFoundOrForbidden
	FailureGuildGone
)

// Classify inspects err and reports how the engine should react to it.
// Implementations of Client are expected to return errors satisfying
// errors.Is against ErrNotFound, ErrForbidden or ErrGuildGone so this
// default classifier can recognize them; a bespoke client may instead
// supply its own Classify-like logic by wrapping these sentinels.
func Classify(err error) FailureKind {
	switch {
	case isAny(err, ErrGuildGone):
		return FailureGuildGone
	case isAny(err, ErrNotFound, ErrForbidden):
		return FailureNotFoundOrForbidden
	default:
		return FailureTransient
	}
}
