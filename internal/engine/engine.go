// Package engine wires the tracker's components into one process-
// owned value, constructed once at startup: a store, snapshot oracle,
// planner, worker, router, executor, and registry, held and exposed
// from a single long-lived Application-shaped value.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/relaybot/tracker/internal/chatclient"
	"github.com/relaybot/tracker/internal/config"
	"github.com/relaybot/tracker/internal/executor"
	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/planner"
	"github.com/relaybot/tracker/internal/registry"
	"github.com/relaybot/tracker/internal/router"
	"github.com/relaybot/tracker/internal/snapshot"
	"github.com/relaybot/tracker/internal/snowflake"
	"github.com/relaybot/tracker/internal/store"
	"github.com/relaybot/tracker/internal/worker"
)

// Engine is the process-owned value holding every tracker component.
// Per the design notes, there are no singletons: the process
// constructs exactly one Engine at startup.
type Engine struct {
	store    *store.Store
	snapshot *snapshot.Oracle
	registry *registry.Registry
	executor *executor.Executor
	planner  *planner.Planner
	worker   *worker.Worker
	router   *router.Router
	client   chatclient.Client
	logger   *log.Logger
}

// New constructs an Engine: opens the store, and wires the snapshot
// oracle, registry, router, planner and worker together.
func New(cfg config.Config, client chatclient.Client, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.Default()
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	reg := registry.New()
	exec := executor.New(logger)

	var wkr *worker.Worker
	wake := func() {
		if wkr != nil {
			wkr.Wake()
		}
	}

	rt := router.New(st, reg, wake, logger)
	pl := planner.New(st, reg.ActiveNames)
	wkr = worker.New(st, pl, reg, client, worker.Config{
		HistoryPageSize: cfg.Backfill.HistoryPageSize,
		ArchivePageSize: cfg.Backfill.ArchivePageSize,
		BackoffBase:     cfg.Backfill.BackoffBase,
		BackoffCap:      10 * time.Minute,
	}, logger)

	return &Engine{
		store:    st,
		snapshot: snapshot.New(client),
		registry: reg,
		executor: exec,
		planner:  pl,
		worker:   wkr,
		router:   rt,
		client:   client,
		logger:   logger,
	}, nil
}

// Store returns the engine's persistence layer.
func (e *Engine) Store() *store.Store { return e.store }

// Registry returns the engine's subscription registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Router returns the engine's live event router.
func (e *Engine) Router() *router.Router { return e.router }

// Run starts the executor consumer and the worker loop and blocks
// until ctx is canceled, at which point the executor drains its
// backlog before Run returns — grounded in SolidQueue.Stop's
// wait-with-timeout pattern, here unbounded since the backlog is
// normally shallow.
func (e *Engine) Run(ctx context.Context) {
	workerDone := make(chan struct{})
	go func() {
		e.worker.Run(ctx)
		close(workerDone)
	}()

	pumpDone := make(chan struct{})
	go func() {
		e.pumpEvents(ctx)
		close(pumpDone)
	}()

	e.executor.Run(ctx)
	<-workerDone
	<-pumpDone
}

// pumpEvents translates live gateway events into router calls,
// scheduled onto the executor so they interleave correctly with
// subscribe/unsubscribe actions per the executor's FIFO contract.
func (e *Engine) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.client.Events():
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev chatclient.Event) {
	switch ev.Kind {
	case chatclient.EventMessageCreate:
		e.executor.Schedule(func() {
			if err := e.router.HandleMessage(ctx, ev.GuildID, ev.ChannelID, ev.ThreadID, ev.Message); err != nil {
				e.logger.Printf("engine: handle message event: %v", err)
			}
		})
	case chatclient.EventThreadUpdate:
		e.executor.Schedule(func() {
			if ev.WasArchived && !ev.IsArchived {
				if err := e.router.HandleThreadUnarchived(ctx, ev.ThreadParentID, ev.ThreadID, ev.PriorArchiveTS); err != nil {
					e.logger.Printf("engine: handle thread unarchived: %v", err)
				}
			}
			if !ev.WasArchived && ev.IsArchived {
				e.router.HandleThreadArchived(ev.ThreadParentID, ev.CurrentArchiveTS)
			}
		})
	case chatclient.EventChannelPermissionsUpdate:
		e.executor.Schedule(func() {
			if err := e.router.HandleChannelPermissionsUpdated(ctx, ev.ChannelID); err != nil {
				e.logger.Printf("engine: handle permissions update: %v", err)
			}
		})
	case chatclient.EventChannelCreate:
		e.executor.Schedule(func() {
			if err := e.router.HandleChannelCreated(ctx, ev.GuildID, ev.ChannelID); err != nil {
				e.logger.Printf("engine: handle channel created: %v", err)
			}
		})
	case chatclient.EventChannelDelete:
		e.executor.Schedule(func() {
			if err := e.router.HandleChannelDeleted(ctx, ev.ChannelID); err != nil {
				e.logger.Printf("engine: handle channel deleted: %v", err)
			}
		})
	case chatclient.EventReady:
		e.executor.Schedule(func() {
			if err := e.handleReady(ctx); err != nil {
				e.logger.Printf("engine: handle ready: %v", err)
			}
		})
	}
}

// handleReady is the reconnect catch-up path: it re-snapshots every
// channel currently visible, reconciles each channel's reachability
// and any genuinely new channel against the store, and then, for
// every fetch-registered subscriber, compares its stored cursor
// against the fresh high-water mark and inserts the gap as a
// ChannelRequest/ThreadRequest pair so nothing posted while offline is
// lost.
func (e *Engine) handleReady(ctx context.Context) error {
	channels, err := e.snapshot.All(ctx)
	if err != nil {
		return fmt.Errorf("engine: ready snapshot: %w", err)
	}
	snapByID := make(map[snowflake.ID]snapshot.Channel, len(channels))
	for _, ch := range channels {
		snapByID[ch.ID] = ch
	}

	known, err := e.store.AllChannels(ctx)
	if err != nil {
		return fmt.Errorf("engine: ready list channels: %w", err)
	}
	knownIDs := make(map[snowflake.ID]bool, len(known))
	for _, ch := range known {
		knownIDs[ch.ID] = true
		_, visible := snapByID[ch.ID]
		if ch.Reachable && !visible {
			if err := e.store.SetChannelReachable(ctx, ch.ID, false); err != nil {
				return err
			}
		} else if !ch.Reachable && visible {
			if err := e.store.SetChannelReachable(ctx, ch.ID, true); err != nil {
				return err
			}
		}
	}

	for id, ch := range snapByID {
		if knownIDs[id] {
			continue
		}
		if err := e.store.UpsertChannel(ctx, model.Channel{GuildID: ch.GuildID, ID: ch.ID, Reachable: true}); err != nil {
			return err
		}
		now := time.Now()
		for _, name := range e.registry.ActiveNames() {
			scope, ok := e.registry.FetchScope(name)
			if !ok || !scopeCoversChannel(scope, ch) {
				continue
			}
			state := model.ChannelState{
				ChannelID:               ch.ID,
				Subscriber:              name,
				LastMessageID:           channelHighWater(ch),
				EarliestThreadArchiveTS: &now,
			}
			if err := e.store.UpsertChannelState(ctx, state); err != nil {
				return err
			}
		}
	}

	for _, name := range e.registry.ActiveNames() {
		states, err := e.store.ChannelStatesForSubscriber(ctx, name)
		if err != nil {
			return err
		}
		for _, state := range states {
			ch, ok := snapByID[state.ChannelID]
			if !ok {
				continue
			}
			highWater := channelHighWater(ch)
			if state.LastMessageID < highWater {
				if err := e.fillGap(ctx, ch, highWater, state); err != nil {
					return err
				}
			}
		}
	}

	e.worker.Wake()
	return nil
}

// scopeCoversChannel reports whether a subscription scope's breadth
// includes ch.
func scopeCoversChannel(scope model.Scope, ch snapshot.Channel) bool {
	switch scope.Kind {
	case model.ScopeGlobal:
		return true
	case model.ScopeGuild:
		return scope.GuildID == ch.GuildID
	case model.ScopeChannel:
		return scope.ChannelID == ch.ID
	default:
		return false
	}
}

// channelHighWater is the greatest message id cheaply knowable for ch,
// across the channel itself and its live threads.
func channelHighWater(ch snapshot.Channel) snowflake.ID {
	highWater := ch.LastMessageID
	for _, th := range ch.Threads {
		if th.LastMessageID > highWater {
			highWater = th.LastMessageID
		}
	}
	return highWater
}

// Close releases the engine's resources. Call after Run returns.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Subscribe registers a new subscriber per the five-step subscribe
// protocol, routed through the executor so it cannot interleave with a
// live event for the same channel. When both missing and retroactive
// are false, this is a pure live-subscribe: the callback is registered in the
// scope map only, with no ChannelState created and no fetch-map entry
// added, so the subscriber receives only events that arrive from here
// on, per the scope-map/fetch-map split.
func (e *Engine) Subscribe(ctx context.Context, name string, scope model.Scope, callback model.Callback, missing, retroactive bool) error {
	return e.executor.ScheduleAndWait(ctx, func() error {
		if !missing && !retroactive {
			e.registry.Put(name, scope, callback, false)
			return nil
		}
		return e.subscribeLocked(ctx, name, scope, callback, retroactive)
	})
}

func (e *Engine) subscribeLocked(ctx context.Context, name string, scope model.Scope, callback model.Callback, retroactive bool) error {
	channels, err := e.snapshotFor(ctx, scope)
	if err != nil {
		return err
	}

	for _, ch := range channels {
		if err := e.store.UpsertChannel(ctx, model.Channel{GuildID: ch.GuildID, ID: ch.ID, Reachable: true}); err != nil {
			return err
		}

		highWater := channelHighWater(ch)

		existing, ok, err := e.store.GetChannelState(ctx, ch.ID, name)
		if err != nil {
			return err
		}

		if !ok {
			now := time.Now()
			state := model.ChannelState{ChannelID: ch.ID, Subscriber: name, LastMessageID: highWater}
			if retroactive {
				state.EarliestThreadArchiveTS = &now
			}
			if err := e.store.UpsertChannelState(ctx, state); err != nil {
				return err
			}
			if retroactive {
				if _, err := e.store.InsertChannelRequest(ctx, model.ChannelRequest{
					ChannelID: ch.ID, Subscriber: name, After: ch.ID, Before: highWater.Next(),
				}); err != nil {
					return err
				}
				for _, th := range ch.Threads {
					if _, err := e.store.InsertThreadRequest(ctx, model.ThreadRequest{
						ThreadID: th.ID, ChannelID: ch.ID, Subscriber: name, After: th.ID, Before: th.LastMessageID.Next(),
					}); err != nil {
						return err
					}
				}
			}
			continue
		}

		if existing.LastMessageID < highWater {
			if err := e.fillGap(ctx, ch, highWater, existing); err != nil {
				return err
			}
		}
	}

	e.registry.Put(name, scope, callback, true)
	e.worker.Wake()
	return nil
}

// fillGap inserts the ChannelRequest/ThreadRequest pair covering the
// range between existing's cursor and highWater, then advances the
// cursor to highWater. Shared by subscribeLocked's resubscribe branch
// and handleReady's reconnect diff — both compare a stored cursor
// against a fresh snapshot and owe the same catch-up request shape.
func (e *Engine) fillGap(ctx context.Context, ch snapshot.Channel, highWater snowflake.ID, existing model.ChannelState) error {
	if _, err := e.store.InsertChannelRequest(ctx, model.ChannelRequest{
		ChannelID: ch.ID, Subscriber: existing.Subscriber, After: existing.LastMessageID.Next(), Before: highWater.Next(),
	}); err != nil {
		return err
	}
	for _, th := range ch.Threads {
		if th.LastMessageID > existing.LastMessageID {
			if _, err := e.store.InsertThreadRequest(ctx, model.ThreadRequest{
				ThreadID: th.ID, ChannelID: ch.ID, Subscriber: existing.Subscriber,
				After: existing.LastMessageID.Next(), Before: th.LastMessageID.Next(),
			}); err != nil {
				return err
			}
		}
	}
	return e.store.BumpLastMessageID(ctx, ch.ID, existing.Subscriber, highWater)
}

func (e *Engine) snapshotFor(ctx context.Context, scope model.Scope) ([]snapshot.Channel, error) {
	switch scope.Kind {
	case model.ScopeGlobal:
		return e.snapshot.All(ctx)
	case model.ScopeGuild:
		return e.snapshot.Guild(ctx, scope.GuildID)
	case model.ScopeChannel:
		all, err := e.snapshot.All(ctx)
		if err != nil {
			return nil, err
		}
		for _, ch := range all {
			if ch.ID == scope.ChannelID {
				return []snapshot.Channel{ch}, nil
			}
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("engine: unknown scope kind %d", scope.Kind)
	}
}

// Unsubscribe removes name from scope, routed through the executor.
// Persistent cursors are left untouched so a future resubscribe picks
// up without gaps, per the data model's lifecycle rule.
func (e *Engine) Unsubscribe(ctx context.Context, name string, scope model.Scope) error {
	return e.executor.ScheduleAndWait(ctx, func() error {
		e.registry.Remove(name, scope)
		return nil
	})
}

// DispatchMessage schedules a live message arrival onto the executor.
func (e *Engine) DispatchMessage(guildID, channelID, threadID snowflake.ID, msg model.Message) {
	e.executor.Schedule(func() {
		if err := e.router.HandleMessage(context.Background(), guildID, channelID, threadID, msg); err != nil {
			e.logger.Printf("engine: dispatch message: %v", err)
		}
	})
}
