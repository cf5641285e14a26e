// Package router is the live event router: it receives gateway events
// from the chat client, fans messages out to subscriber callbacks, and
// inserts catch-up requests for any callback that failed so nothing is
// lost. Every subscriber callback is invoked and its outcome captured,
// never dropped for the sake of short-circuiting on a single failure.
package router

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/registry"
	"github.com/relaybot/tracker/internal/snowflake"
	"github.com/relaybot/tracker/internal/store"
)

// Store is the subset of *store.Store the router needs.
type Store interface {
	UpsertChannel(ctx context.Context, ch model.Channel) error
	SetChannelReachable(ctx context.Context, channelID snowflake.ID, reachable bool) error
	SetGuildReachable(ctx context.Context, guildID snowflake.ID, reachable bool) error
	GetChannelState(ctx context.Context, channelID snowflake.ID, subscriber string) (model.ChannelState, bool, error)
	UpsertChannelState(ctx context.Context, st model.ChannelState) error
	BumpLastMessageID(ctx context.Context, channelID snowflake.ID, subscriber string, id snowflake.ID) error
	InsertChannelRequest(ctx context.Context, r model.ChannelRequest) (int64, error)
	InsertThreadRequest(ctx context.Context, r model.ThreadRequest) (int64, error)
}

var _ Store = (*store.Store)(nil)

// WakeFunc signals the backfill worker that new work may exist.
type WakeFunc func()

// Router dispatches live events.
type Router struct {
	store    Store
	registry *registry.Registry
	wake     WakeFunc
	logger   *log.Logger

	mu                sync.Mutex
	lastArchiveByChan map[snowflake.ID]time.Time
}

// New returns a Router.
func New(st Store, reg *registry.Registry, wake WakeFunc, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		store:             st,
		registry:          reg,
		wake:              wake,
		logger:            logger,
		lastArchiveByChan: make(map[snowflake.ID]time.Time),
	}
}

// HandleMessage processes a single live message arrival: fan out to
// every interested subscriber concurrently, insert catch-up requests
// for any failure, and advance every participating cursor.
func (r *Router) HandleMessage(ctx context.Context, guildID, channelID, threadID snowflake.ID, msg model.Message) error {
	subs := r.registry.ForMessage(guildID, channelID)

	results := make(map[string]error, len(subs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub registry.Subscriber) {
			defer wg.Done()
			err := invokeSafely(sub.Callback, []model.Message{msg})
			mu.Lock()
			results[sub.Name] = err
			mu.Unlock()
		}(sub)
	}
	wg.Wait()

	states, err := r.statesForChannel(ctx, channelID)
	if err != nil {
		return err
	}

	for name, cbErr := range results {
		st, ok := states[name]
		if !ok {
			continue
		}
		if cbErr != nil {
			r.logger.Printf("router: callback %q failed for message %d: %v", name, msg.ID, cbErr)
			if err := r.insertCatchup(ctx, st, threadID, msg.ID); err != nil {
				return err
			}
		}
		if err := r.store.BumpLastMessageID(ctx, channelID, name, msg.ID); err != nil {
			return err
		}
	}

	r.wake()
	return nil
}

func (r *Router) insertCatchup(ctx context.Context, st model.ChannelState, threadID, msgID snowflake.ID) error {
	if threadID != snowflake.Zero {
		_, err := r.store.InsertThreadRequest(ctx, model.ThreadRequest{
			ThreadID:   threadID,
			ChannelID:  st.ChannelID,
			Subscriber: st.Subscriber,
			After:      msgID,
			Before:     msgID.Next(),
		})
		return err
	}
	_, err := r.store.InsertChannelRequest(ctx, model.ChannelRequest{
		ChannelID:  st.ChannelID,
		Subscriber: st.Subscriber,
		After:      msgID,
		Before:     msgID.Next(),
	})
	return err
}

func (r *Router) statesForChannel(ctx context.Context, channelID snowflake.ID) (map[string]model.ChannelState, error) {
	out := make(map[string]model.ChannelState)
	for _, name := range r.registry.ActiveNames() {
		st, ok, err := r.store.GetChannelState(ctx, channelID, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out[name] = st
		}
	}
	return out, nil
}

// HandleThreadUnarchived inserts a ThreadRequest for every subscriber
// whose archival scan had already passed this thread's prior archive
// timestamp, so it is not silently missed.
func (r *Router) HandleThreadUnarchived(ctx context.Context, channelID, threadID snowflake.ID, priorArchiveTS time.Time) error {
	states, err := r.channelStates(ctx, channelID)
	if err != nil {
		return err
	}
	for _, st := range states {
		if st.EarliestThreadArchiveTS == nil || !st.EarliestThreadArchiveTS.After(priorArchiveTS) {
			continue
		}
		before := snowflake.FromTime(priorArchiveTS.Add(time.Millisecond))
		if _, err := r.store.InsertThreadRequest(ctx, model.ThreadRequest{
			ThreadID:   threadID,
			ChannelID:  channelID,
			Subscriber: st.Subscriber,
			After:      snowflake.ID(threadID),
			Before:     before,
		}); err != nil {
			return err
		}
	}
	r.wake()
	return nil
}

func (r *Router) channelStates(ctx context.Context, channelID snowflake.ID) ([]model.ChannelState, error) {
	var out []model.ChannelState
	for _, name := range r.registry.ActiveNames() {
		st, ok, err := r.store.GetChannelState(ctx, channelID, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// HandleThreadArchived records the thread's archive timestamp as the
// latest observed for its parent channel. Only LastArchiveTimestamp
// reads this record; subscribe and the worker's archive scan do not
// consult it.
func (r *Router) HandleThreadArchived(channelID snowflake.ID, archiveTS time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.lastArchiveByChan[channelID]; !ok || archiveTS.After(cur) {
		r.lastArchiveByChan[channelID] = archiveTS
	}
}

// LastArchiveTimestamp reports the most recent archive timestamp
// observed for channelID. No other package calls it.
func (r *Router) LastArchiveTimestamp(channelID snowflake.ID) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.lastArchiveByChan[channelID]
	return ts, ok
}

// HandleChannelPermissionsUpdated restores reachability — a permission
// restore may have made a previously silent channel readable again —
// and wakes the worker.
func (r *Router) HandleChannelPermissionsUpdated(ctx context.Context, channelID snowflake.ID) error {
	if err := r.store.SetChannelReachable(ctx, channelID, true); err != nil {
		return err
	}
	r.wake()
	return nil
}

// HandleChannelCreated creates the Channel row and one ChannelState
// per globally- or guild-subscribed subscriber, with the channel's own
// id as the initial high-water (a brand-new channel has no history).
func (r *Router) HandleChannelCreated(ctx context.Context, guildID, channelID snowflake.ID) error {
	if err := r.store.UpsertChannel(ctx, model.Channel{GuildID: guildID, ID: channelID, Reachable: true}); err != nil {
		return err
	}

	now := time.Now()
	for _, name := range r.registry.ActiveNames() {
		scope, ok := r.registry.FetchScope(name)
		if !ok || scope.Kind == model.ScopeChannel {
			continue
		}
		if scope.Kind == model.ScopeGuild && scope.GuildID != guildID {
			continue
		}
		if err := r.store.UpsertChannelState(ctx, model.ChannelState{
			ChannelID:               channelID,
			Subscriber:              name,
			LastMessageID:           channelID,
			EarliestThreadArchiveTS: &now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// HandleChannelDeleted marks the channel unreachable; its ChannelState
// rows and requests remain for a future resubscribe per the data
// model's "never deleted, only toggled" lifecycle rule.
func (r *Router) HandleChannelDeleted(ctx context.Context, channelID snowflake.ID) error {
	return r.store.SetChannelReachable(ctx, channelID, false)
}

// HandleGuildGone marks every channel in the guild unreachable in one update.
func (r *Router) HandleGuildGone(ctx context.Context, guildID snowflake.ID) error {
	return r.store.SetGuildReachable(ctx, guildID, false)
}

// invokeSafely calls cb, converting a panic into an error so one
// misbehaving subscriber cannot take down the fan-out goroutine group.
func invokeSafely(cb model.Callback, msgs []model.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError{p}
		}
	}()
	return cb(msgs)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "router: callback panicked" }
