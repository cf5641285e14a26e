// Package testchat is an in-memory fake of the chatclient interfaces,
// used to back scenario tests and as the engine's stand-in chat client:
// a plain in-memory guild/channel/thread tree with no real wire
// protocol underneath.
package testchat

import (
	"context"
	"sync"
	"time"

	"github.com/relaybot/tracker/internal/chatclient"
	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/snowflake"
)

// Client is an in-memory chatclient.Client.
type Client struct {
	mu     sync.Mutex
	guilds map[snowflake.ID]*Guild
	events chan chatclient.Event
}

// New returns an empty Client. Use AddGuild/(*Guild).AddChannel to
// populate it before wiring it into an engine under test.
func New() *Client {
	return &Client{
		guilds: make(map[snowflake.ID]*Guild),
		events: make(chan chatclient.Event, 64),
	}
}

// AddGuild registers and returns a new guild.
func (c *Client) AddGuild(id snowflake.ID) *Guild {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := &Guild{id: id, client: c, channels: make(map[snowflake.ID]*Channel)}
	c.guilds[id] = g
	return g
}

// Guilds implements chatclient.Client.
func (c *Client) Guilds(ctx context.Context) ([]chatclient.Guild, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chatclient.Guild, 0, len(c.guilds))
	for _, g := range c.guilds {
		out = append(out, g)
	}
	return out, nil
}

// FetchChannel implements chatclient.Client, resolving a thread id
// within a guild's channel tree.
func (c *Client) FetchChannel(ctx context.Context, guildID, threadID snowflake.ID) (chatclient.Thread, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.guilds[guildID]
	if !ok {
		return nil, chatclient.ErrGuildGone
	}
	for _, ch := range g.channels {
		if th, ok := ch.threads[threadID]; ok {
			return th, nil
		}
	}
	return nil, chatclient.ErrNotFound
}

// Events implements chatclient.Client.
func (c *Client) Events() <-chan chatclient.Event { return c.events }

// Emit pushes a synthetic gateway event, as a real client would on
// receiving one from the wire.
func (c *Client) Emit(ev chatclient.Event) { c.events <- ev }

// Guild is an in-memory chatclient.Guild.
type Guild struct {
	id       snowflake.ID
	client   *Client
	mu       sync.Mutex
	channels map[snowflake.ID]*Channel
}

// ID implements chatclient.Guild.
func (g *Guild) ID() snowflake.ID { return g.id }

// AddChannel registers and returns a new top-level channel.
func (g *Guild) AddChannel(id snowflake.ID) *Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := &Channel{id: id, guildID: g.id, threads: make(map[snowflake.ID]*Thread)}
	g.channels[id] = ch
	return ch
}

// Channels implements chatclient.Guild.
func (g *Guild) Channels(ctx context.Context) ([]chatclient.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]chatclient.Channel, 0, len(g.channels))
	for _, ch := range g.channels {
		out = append(out, ch)
	}
	return out, nil
}

// Channel is an in-memory chatclient.Channel. Messages are stored
// newest-first to match the descending-iterator contract.
type Channel struct {
	id      snowflake.ID
	guildID snowflake.ID

	mu       sync.Mutex
	messages []model.Message
	threads  map[snowflake.ID]*Thread
	reachErr error
}

// ID implements chatclient.Channel.
func (c *Channel) ID() snowflake.ID { return c.id }

// GuildID implements chatclient.Channel.
func (c *Channel) GuildID() snowflake.ID { return c.guildID }

// Post appends a message, keeping the slice sorted newest-first.
func (c *Channel) Post(id snowflake.ID) model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := model.Message{ID: id, ChannelID: c.id}
	c.messages = append([]model.Message{msg}, c.messages...)
	return msg
}

// SetUnreachable makes every subsequent call against this channel fail
// with err, simulating a permission loss.
func (c *Channel) SetUnreachable(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reachErr = err
}

// LastMessageID implements chatclient.Channel.
func (c *Channel) LastMessageID() (snowflake.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return 0, false
	}
	return c.messages[0].ID, true
}

// LiveThreads implements chatclient.Channel.
func (c *Channel) LiveThreads(ctx context.Context) ([]chatclient.Thread, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reachErr != nil {
		return nil, c.reachErr
	}
	out := make([]chatclient.Thread, 0, len(c.threads))
	for _, th := range c.threads {
		if !th.archived {
			out = append(out, th)
		}
	}
	return out, nil
}

// AddThread registers and returns a new thread under this channel.
func (c *Channel) AddThread(id snowflake.ID, archiveTS time.Time) *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	th := &Thread{id: id, parentID: c.id, archiveTS: archiveTS}
	c.threads[id] = th
	return th
}

// History implements chatclient.Channel.
func (c *Channel) History(ctx context.Context, limit int, before snowflake.ID) chatclient.HistoryIterator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reachErr != nil {
		return &errIterator{err: c.reachErr}
	}
	return newSliceIterator(c.messages, before, limit)
}

// ArchivedThreads implements chatclient.Channel.
func (c *Channel) ArchivedThreads(ctx context.Context, limit int, before time.Time) chatclient.ArchivedThreadsIterator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reachErr != nil {
		return &threadErrIterator{err: c.reachErr}
	}
	var archived []*Thread
	for _, th := range c.threads {
		if th.archived && th.archiveTS.Before(before) {
			archived = append(archived, th)
		}
	}
	// descending by archive timestamp
	for i := 0; i < len(archived); i++ {
		for j := i + 1; j < len(archived); j++ {
			if archived[j].archiveTS.After(archived[i].archiveTS) {
				archived[i], archived[j] = archived[j], archived[i]
			}
		}
	}
	if len(archived) > limit {
		archived = archived[:limit]
	}
	return &threadSliceIterator{threads: archived}
}

// Thread is an in-memory chatclient.Thread.
type Thread struct {
	id        snowflake.ID
	parentID  snowflake.ID
	archiveTS time.Time
	archived  bool

	mu       sync.Mutex
	messages []model.Message
}

// ID implements chatclient.Thread.
func (t *Thread) ID() snowflake.ID { return t.id }

// ParentID implements chatclient.Thread.
func (t *Thread) ParentID() snowflake.ID { return t.parentID }

// ArchiveTimestamp implements chatclient.Thread.
func (t *Thread) ArchiveTimestamp() time.Time { return t.archiveTS }

// Archive marks the thread archived as of ts.
func (t *Thread) Archive(ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.archived = true
	t.archiveTS = ts
}

// Unarchive clears the archived flag.
func (t *Thread) Unarchive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.archived = false
}

// Post appends a message to the thread, newest-first.
func (t *Thread) Post(id snowflake.ID) model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := model.Message{ID: id, ChannelID: t.parentID, ThreadID: t.id}
	t.messages = append([]model.Message{msg}, t.messages...)
	return msg
}

// LastMessageID implements chatclient.Thread.
func (t *Thread) LastMessageID() (snowflake.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messages) == 0 {
		return 0, false
	}
	return t.messages[0].ID, true
}

// History implements chatclient.Thread.
func (t *Thread) History(ctx context.Context, limit int, before snowflake.ID) chatclient.HistoryIterator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return newSliceIterator(t.messages, before, limit)
}

type sliceIterator struct {
	msgs []model.Message
	i    int
}

func newSliceIterator(all []model.Message, before snowflake.ID, limit int) *sliceIterator {
	var filtered []model.Message
	for _, m := range all {
		if m.ID < before {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return &sliceIterator{msgs: filtered}
}

func (it *sliceIterator) Next(ctx context.Context) (model.Message, bool, error) {
	if it.i >= len(it.msgs) {
		return model.Message{}, false, nil
	}
	m := it.msgs[it.i]
	it.i++
	return m, true, nil
}

type errIterator struct{ err error }

func (it *errIterator) Next(ctx context.Context) (model.Message, bool, error) {
	return model.Message{}, false, it.err
}

type threadSliceIterator struct {
	threads []*Thread
	i       int
}

func (it *threadSliceIterator) Next(ctx context.Context) (chatclient.Thread, bool, error) {
	if it.i >= len(it.threads) {
		return nil, false, nil
	}
	th := it.threads[it.i]
	it.i++
	return th, true, nil
}

type threadErrIterator struct{ err error }

func (it *threadErrIterator) Next(ctx context.Context) (chatclient.Thread, bool, error) {
	return nil, false, it.err
}
