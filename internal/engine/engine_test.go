package engine

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaybot/tracker/internal/config"
	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/snowflake"
	"github.com/relaybot/tracker/internal/testchat"
)

func testLogger() *log.Logger { return log.New(discard{}, "", 0) }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestEngine(t *testing.T, client *testchat.Client) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "tracker.db")

	eng, err := New(cfg, client, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func runEngine(t *testing.T, eng *Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not shut down in time")
		}
	})
	return cancel
}

type callbackCollector struct {
	mu sync.Mutex
	ms []model.Message
}

func (c *callbackCollector) callback(msgs []model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms = append(c.ms, msgs...)
	return nil
}

func (c *callbackCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ms)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscribe_FreshSubscriberNonRetroactiveSkipsHistory(t *testing.T) {
	client := testchat.New()
	g := client.AddGuild(1)
	ch := g.AddChannel(10)
	ch.Post(100)
	ch.Post(101)

	eng := newTestEngine(t, client)
	runEngine(t, eng)

	var coll callbackCollector
	if err := eng.Subscribe(context.Background(), "bot", model.Channel(10), coll.callback, true, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	state, ok, err := eng.Store().GetChannelState(context.Background(), 10, "bot")
	if err != nil || !ok {
		t.Fatalf("GetChannelState: %v, ok=%v", err, ok)
	}
	if state.LastMessageID != 101 {
		t.Errorf("expected cursor set to current high-water 101, got %d", state.LastMessageID)
	}
	if coll.count() != 0 {
		t.Errorf("expected no retroactive delivery, got %d messages", coll.count())
	}
}

func TestSubscribe_LiveOnlyRegistersScopeMapWithoutFetchEntry(t *testing.T) {
	client := testchat.New()
	g := client.AddGuild(1)
	ch := g.AddChannel(10)
	ch.Post(100)

	eng := newTestEngine(t, client)
	runEngine(t, eng)

	var coll callbackCollector
	if err := eng.Subscribe(context.Background(), "bot", model.Channel(10), coll.callback, false, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if names := eng.Registry().ActiveNames(); len(names) != 0 {
		t.Errorf("expected a live-only subscriber to have no fetch-map entry, got %v", names)
	}
	if subs := eng.Registry().ForMessage(1, 10); len(subs) != 1 || subs[0].Name != "bot" {
		t.Errorf("expected the subscriber registered in the scope map, got %v", subs)
	}

	if _, ok, err := eng.Store().GetChannelState(context.Background(), 10, "bot"); err != nil || ok {
		t.Errorf("expected no ChannelState created for a live-only subscriber, ok=%v err=%v", ok, err)
	}

	eng.DispatchMessage(1, 10, 0, model.Message{ID: 500, ChannelID: 10})
	waitFor(t, func() bool { return coll.count() >= 1 })
}

func TestSubscribe_RetroactiveInsertsChannelRequest(t *testing.T) {
	client := testchat.New()
	g := client.AddGuild(1)
	ch := g.AddChannel(10)
	ch.Post(100)

	eng := newTestEngine(t, client)
	runEngine(t, eng)

	var coll callbackCollector
	if err := eng.Subscribe(context.Background(), "bot", model.Channel(10), coll.callback, true, true); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, func() bool { return coll.count() >= 1 })
	if coll.count() != 1 {
		t.Fatalf("expected exactly 1 retroactively-delivered message, got %d", coll.count())
	}
}

func TestDispatchMessage_LiveDeliveryBumpsCursor(t *testing.T) {
	client := testchat.New()
	g := client.AddGuild(1)
	g.AddChannel(10)

	eng := newTestEngine(t, client)
	runEngine(t, eng)

	var coll callbackCollector
	if err := eng.Subscribe(context.Background(), "bot", model.Channel(10), coll.callback, true, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	eng.DispatchMessage(1, 10, 0, model.Message{ID: 500, ChannelID: 10})

	waitFor(t, func() bool { return coll.count() >= 1 })

	state, ok, err := eng.Store().GetChannelState(context.Background(), 10, "bot")
	if err != nil || !ok {
		t.Fatalf("GetChannelState: %v, ok=%v", err, ok)
	}
	if state.LastMessageID != 500 {
		t.Errorf("expected cursor bumped to 500, got %d", state.LastMessageID)
	}
}

func TestDispatchMessage_CallbackFailureTriggersBackfillRedelivery(t *testing.T) {
	client := testchat.New()
	g := client.AddGuild(1)
	ch := g.AddChannel(10)

	eng := newTestEngine(t, client)
	runEngine(t, eng)

	var failOnce sync.Once
	failed := make(chan struct{}, 1)
	var coll callbackCollector
	cb := func(msgs []model.Message) error {
		select {
		case <-failed:
			return coll.callback(msgs)
		default:
		}
		var err error
		failOnce.Do(func() {
			err = errors.New("transient subscriber failure")
			failed <- struct{}{}
		})
		if err != nil {
			return err
		}
		return coll.callback(msgs)
	}

	if err := eng.Subscribe(context.Background(), "bot", model.Channel(10), cb, true, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := ch.Post(900)
	eng.DispatchMessage(1, 10, 0, msg)

	// The failed live delivery must surface as a catch-up request that
	// the backfill worker subsequently delivers successfully.
	waitFor(t, func() bool { return coll.count() >= 1 })
}

func TestUnsubscribe_PreservesChannelState(t *testing.T) {
	client := testchat.New()
	g := client.AddGuild(1)
	ch := g.AddChannel(10)
	ch.Post(100)

	eng := newTestEngine(t, client)
	runEngine(t, eng)

	var coll callbackCollector
	scope := model.Channel(10)
	if err := eng.Subscribe(context.Background(), "bot", scope, coll.callback, true, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := eng.Unsubscribe(context.Background(), "bot", scope); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	if names := eng.Registry().ActiveNames(); len(names) != 0 {
		t.Errorf("expected subscriber removed from registry, got %v", names)
	}

	state, ok, err := eng.Store().GetChannelState(context.Background(), 10, "bot")
	if err != nil || !ok {
		t.Fatalf("expected ChannelState to survive unsubscribe: %v, ok=%v", err, ok)
	}
	if state.LastMessageID != 100 {
		t.Errorf("expected cursor preserved at 100, got %d", state.LastMessageID)
	}
}

func TestHandleEvent_ThreadUnarchivedBeforeScanCompleted(t *testing.T) {
	// This test drives the router directly rather than through a
	// running engine, so the backfill worker's own archive scan (which
	// would otherwise race to clear the watermark this test depends on)
	// never runs.
	client := testchat.New()
	g := client.AddGuild(1)
	g.AddChannel(10)

	eng := newTestEngine(t, client)
	ctx := context.Background()

	now := time.Now()
	if err := eng.Store().UpsertChannel(ctx, model.Channel{GuildID: 1, ID: 10, Reachable: true}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Store().UpsertChannelState(ctx, model.ChannelState{
		ChannelID: 10, Subscriber: "bot", EarliestThreadArchiveTS: &now,
	}); err != nil {
		t.Fatal(err)
	}
	eng.Registry().Put("bot", model.Channel(10), func([]model.Message) error { return nil }, true)

	prior := now.Add(-time.Hour)
	if err := eng.Router().HandleThreadUnarchived(ctx, 10, 20, prior); err != nil {
		t.Fatalf("HandleThreadUnarchived: %v", err)
	}

	next, err := eng.Store().NextThreadRequest(ctx, eng.Registry().ActiveNames())
	if err != nil {
		t.Fatalf("NextThreadRequest: %v", err)
	}
	if next == nil {
		t.Fatal("expected a thread request inserted for the subscriber whose scan had passed this thread's prior archive time")
	}
}

func TestHandleReady_InsertsGapRequestForMessagesPostedWhileOffline(t *testing.T) {
	client := testchat.New()
	g := client.AddGuild(1)
	ch := g.AddChannel(10)

	eng := newTestEngine(t, client)
	ctx := context.Background()

	if err := eng.Store().UpsertChannel(ctx, model.Channel{GuildID: 1, ID: 10, Reachable: true}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Store().UpsertChannelState(ctx, model.ChannelState{
		ChannelID: 10, Subscriber: "bot", LastMessageID: 750,
	}); err != nil {
		t.Fatal(err)
	}
	eng.Registry().Put("bot", model.Channel(10), func([]model.Message) error { return nil }, true)

	// Messages 800/850/900 arrived while this subscriber was offline.
	ch.Post(800)
	ch.Post(850)
	ch.Post(900)

	if err := eng.handleReady(ctx); err != nil {
		t.Fatalf("handleReady: %v", err)
	}

	req, err := eng.Store().NextChannelRequest(ctx, eng.Registry().ActiveNames())
	if err != nil {
		t.Fatalf("NextChannelRequest: %v", err)
	}
	if req == nil {
		t.Fatal("expected a single gap request covering the messages posted while offline")
	}
	if req.After != 751 || req.Before != 901 {
		t.Errorf("expected request [751,901), got [%d,%d)", req.After, req.Before)
	}

	state, ok, err := eng.Store().GetChannelState(ctx, 10, "bot")
	if err != nil || !ok {
		t.Fatalf("GetChannelState: %v, ok=%v", err, ok)
	}
	if state.LastMessageID != 900 {
		t.Errorf("expected cursor advanced to the new high-water 900, got %d", state.LastMessageID)
	}
}

func TestHandleReady_MarksVanishedChannelUnreachableAndRestoresIt(t *testing.T) {
	client := testchat.New()
	g := client.AddGuild(1)

	eng := newTestEngine(t, client)
	ctx := context.Background()

	// Channel 10 is tracked as reachable but no longer visible in the
	// fresh snapshot (e.g. the bot lost access, so it is never added to
	// the fake client); channel 20 is tracked as unreachable but has
	// reappeared, so it is added to the fake client below.
	if err := eng.Store().UpsertChannel(ctx, model.Channel{GuildID: 1, ID: 10, Reachable: true}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Store().UpsertChannel(ctx, model.Channel{GuildID: 1, ID: 20, Reachable: false}); err != nil {
		t.Fatal(err)
	}

	g.AddChannel(20)

	if err := eng.handleReady(ctx); err != nil {
		t.Fatalf("handleReady: %v", err)
	}

	ch10, ok, err := eng.Store().GetChannel(ctx, 10)
	if err != nil || !ok {
		t.Fatalf("GetChannel(10): %v, ok=%v", err, ok)
	}
	if ch10.Reachable {
		t.Error("expected channel 10 marked unreachable after vanishing from the snapshot")
	}

	ch20, ok, err := eng.Store().GetChannel(ctx, 20)
	if err != nil || !ok {
		t.Fatalf("GetChannel(20): %v, ok=%v", err, ok)
	}
	if !ch20.Reachable {
		t.Error("expected channel 20 marked reachable again after reappearing in the snapshot")
	}
}

func TestHandleReady_DiscoversNewChannelForActiveGlobalSubscriber(t *testing.T) {
	client := testchat.New()
	g := client.AddGuild(1)
	ch := g.AddChannel(10)
	ch.Post(555)

	eng := newTestEngine(t, client)
	ctx := context.Background()

	eng.Registry().Put("bot", model.Global(), func([]model.Message) error { return nil }, true)

	if err := eng.handleReady(ctx); err != nil {
		t.Fatalf("handleReady: %v", err)
	}

	if _, ok, err := eng.Store().GetChannel(ctx, 10); err != nil || !ok {
		t.Fatalf("expected channel 10 recorded as known, ok=%v err=%v", ok, err)
	}
	state, ok, err := eng.Store().GetChannelState(ctx, 10, "bot")
	if err != nil || !ok {
		t.Fatalf("expected a ChannelState created for the globally-subscribed fetch subscriber, ok=%v err=%v", ok, err)
	}
	if state.LastMessageID != 555 {
		t.Errorf("expected cursor set to the newly-discovered channel's high-water 555, got %d", state.LastMessageID)
	}
	if state.Done() {
		t.Error("expected a new channel's archive scan watermark to be set, not nil")
	}
}
