// Package snapshot is the engine's one source of truth for "current
// high-water": given the channels currently visible through the chat
// library, it reports the greatest message id cheaply knowable for
// each channel and each of its live threads. Nothing here touches the
// database; callers combine its output with persisted ChannelState
// rows to decide what, if anything, lags behind.
package snapshot

import (
	"context"
	"fmt"

	"github.com/relaybot/tracker/internal/chatclient"
	"github.com/relaybot/tracker/internal/snowflake"
)

// Channel is one top-level channel's high-water snapshot.
type Channel struct {
	ID            snowflake.ID
	GuildID       snowflake.ID
	LastMessageID snowflake.ID
	Threads       []Thread
}

// Thread is one live thread's high-water snapshot.
type Thread struct {
	ID            snowflake.ID
	ParentID      snowflake.ID
	LastMessageID snowflake.ID
}

// Oracle takes live-channel snapshots through a chatclient.Client.
type Oracle struct {
	client chatclient.Client
}

// New returns an Oracle backed by client.
func New(client chatclient.Client) *Oracle {
	return &Oracle{client: client}
}

// Guild returns a high-water snapshot for every top-level channel in
// one guild, including each channel's live threads.
func (o *Oracle) Guild(ctx context.Context, guildID snowflake.ID) ([]Channel, error) {
	guilds, err := o.client.Guilds(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list guilds: %w", err)
	}
	for _, g := range guilds {
		if g.ID() == guildID {
			return o.channelsOf(ctx, g)
		}
	}
	return nil, nil
}

// All returns a high-water snapshot for every channel across every
// guild currently visible to the client. Called at startup and on
// reconnect (spec's "ready" event).
func (o *Oracle) All(ctx context.Context) ([]Channel, error) {
	guilds, err := o.client.Guilds(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list guilds: %w", err)
	}

	var out []Channel
	for _, g := range guilds {
		chs, err := o.channelsOf(ctx, g)
		if err != nil {
			return nil, err
		}
		out = append(out, chs...)
	}
	return out, nil
}

func (o *Oracle) channelsOf(ctx context.Context, g chatclient.Guild) ([]Channel, error) {
	channels, err := g.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list channels for guild %d: %w", g.ID(), err)
	}

	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		snap := Channel{ID: ch.ID(), GuildID: ch.GuildID()}
		if id, ok := ch.LastMessageID(); ok {
			snap.LastMessageID = id
		} else {
			// No cheap high-water available: the channel's own id is a
			// safe lower bound, per the oracle's fallback rule.
			snap.LastMessageID = ch.ID()
		}

		threads, err := ch.LiveThreads(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot: list live threads for channel %d: %w", ch.ID(), err)
		}
		for _, th := range threads {
			t := Thread{ID: th.ID(), ParentID: th.ParentID()}
			if id, ok := th.LastMessageID(); ok {
				t.LastMessageID = id
			} else {
				t.LastMessageID = th.ID()
			}
			snap.Threads = append(snap.Threads, t)
		}

		out = append(out, snap)
	}
	return out, nil
}
