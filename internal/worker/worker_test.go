package worker

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaybot/tracker/internal/chatclient"
	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/planner"
	"github.com/relaybot/tracker/internal/registry"
	"github.com/relaybot/tracker/internal/snowflake"
	"github.com/relaybot/tracker/internal/store"
	"github.com/relaybot/tracker/internal/testchat"
)

func testMessages(ids ...int) []model.Message {
	out := make([]model.Message, len(ids))
	for i, id := range ids {
		out[i] = model.Message{ID: snowflake.ID(id)}
	}
	return out
}

func TestSliceFor_ExtractsOwnRangeFromSharedPage(t *testing.T) {
	// page is fetched once for a whole overlap group, starting at the
	// group's maxBefore=500; two requests share it but own distinct
	// sub-ranges within it: r1 owns [300,500), r2 owns [100,300).
	page := testMessages(450, 400, 350, 300, 250, 200, 150)

	slice, found := sliceFor(page, 300, 500)
	wantIDs := []snowflake.ID{450, 400, 350, 300}
	if !idsEqual(slice, wantIDs) {
		t.Errorf("r1 [300,500): expected %v, got %v", wantIDs, idsOf(slice))
	}
	if !found {
		t.Errorf("r1's after=300 is above the page's floor (150), expected found=true")
	}

	slice, found = sliceFor(page, 100, 300)
	wantIDs = []snowflake.ID{250, 200, 150}
	if !idsEqual(slice, wantIDs) {
		t.Errorf("r2 [100,300): expected %v, got %v", wantIDs, idsOf(slice))
	}
	if found {
		t.Errorf("r2's after=100 was not reached by the page's floor (150), expected found=false")
	}
}

func TestSliceFor_ReportsFoundBelowAfterWhenRangeFullyCovered(t *testing.T) {
	page := testMessages(500, 400, 300, 200, 100, 50)
	slice, found := sliceFor(page, 150, 1000)
	wantIDs := []snowflake.ID{500, 400, 300, 200}
	if !idsEqual(slice, wantIDs) {
		t.Errorf("expected %v, got %v", wantIDs, idsOf(slice))
	}
	if !found {
		t.Errorf("expected found=true since the page reaches below after=150 (has 100, 50)")
	}
}

func idsOf(msgs []model.Message) []snowflake.ID {
	out := make([]snowflake.ID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func idsEqual(msgs []model.Message, ids []snowflake.ID) bool {
	if len(msgs) != len(ids) {
		return false
	}
	for i, m := range msgs {
		if m.ID != ids[i] {
			return false
		}
	}
	return true
}

func testLogger() *log.Logger { return log.New(discard{}, "", 0) }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRunChannelPull_DeliversAndDeletesSatisfiedRequest(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	client := testchat.New()
	g := client.AddGuild(1)
	ch := g.AddChannel(10)
	for _, id := range []int{101, 102, 103} {
		ch.Post(snowflake.ID(id))
	}

	if err := st.UpsertChannel(ctx, model.Channel{GuildID: 1, ID: 10, Reachable: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertChannelState(ctx, model.ChannelState{ChannelID: 10, Subscriber: "bot"}); err != nil {
		t.Fatal(err)
	}
	reqID, err := st.InsertChannelRequest(ctx, model.ChannelRequest{ChannelID: 10, Subscriber: "bot", After: 100, Before: 104})
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	var delivered []model.Message
	reg.Put("bot", model.Global(), func(msgs []model.Message) error {
		delivered = append(delivered, msgs...)
		return nil
	}, true)

	pl := planner.New(st, reg.ActiveNames)
	w := New(st, pl, reg, client, DefaultConfig(), testLogger())

	req := &model.ChannelRequest{ID: reqID, ChannelID: 10, Subscriber: "bot", After: 100, Before: 104}
	if err := w.runChannelPull(ctx, req); err != nil {
		t.Fatalf("runChannelPull: %v", err)
	}

	if len(delivered) != 3 {
		t.Fatalf("expected 3 messages delivered, got %d: %+v", len(delivered), delivered)
	}

	next, err := st.NextChannelRequest(ctx, []string{"bot"})
	if err != nil {
		t.Fatalf("NextChannelRequest: %v", err)
	}
	if next != nil {
		t.Errorf("expected the satisfied request to be deleted, got %+v", next)
	}
}

func TestRunChannelPull_CallbackFailureShrinksNotDeletes(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	client := testchat.New()
	g := client.AddGuild(1)
	ch := g.AddChannel(10)
	for i := 0; i < DefaultConfig().HistoryPageSize+5; i++ {
		ch.Post(snowflake.ID(1000 + i))
	}

	if err := st.UpsertChannel(ctx, model.Channel{GuildID: 1, ID: 10, Reachable: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertChannelState(ctx, model.ChannelState{ChannelID: 10, Subscriber: "bot"}); err != nil {
		t.Fatal(err)
	}
	reqID, err := st.InsertChannelRequest(ctx, model.ChannelRequest{ChannelID: 10, Subscriber: "bot", After: 1, Before: 5000})
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	wantErr := errors.New("callback failed")
	reg.Put("bot", model.Global(), func(msgs []model.Message) error { return wantErr }, true)

	pl := planner.New(st, reg.ActiveNames)
	w := New(st, pl, reg, client, DefaultConfig(), testLogger())

	req := &model.ChannelRequest{ID: reqID, ChannelID: 10, Subscriber: "bot", After: 1, Before: 5000}
	err = w.runChannelPull(ctx, req)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}

	next, gerr := st.NextChannelRequest(ctx, []string{"bot"})
	if gerr != nil {
		t.Fatalf("NextChannelRequest: %v", gerr)
	}
	if next == nil {
		t.Fatal("expected request to survive a callback failure (not satisfied), got none")
	}
	if next.ID != reqID {
		t.Errorf("expected the same request to survive, got id %d", next.ID)
	}
}

func TestRun_BlocksUntilWokenWhenNoWorkPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := openTestStore(t)
	client := testchat.New()
	g := client.AddGuild(1)
	ch := g.AddChannel(10)
	ch.Post(100)

	reg := registry.New()
	pl := planner.New(st, reg.ActiveNames)
	w := New(st, pl, reg, client, DefaultConfig(), testLogger())

	runDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(runDone)
	}()

	// No active subscribers, so the planner has nothing to do; Run
	// should be parked waiting on wakeCh rather than spinning. Registering
	// a subscriber and waking should produce exactly one delivery.
	dbCtx := context.Background()
	if err := st.UpsertChannel(dbCtx, model.Channel{GuildID: 1, ID: 10, Reachable: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertChannelState(dbCtx, model.ChannelState{ChannelID: 10, Subscriber: "bot"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.InsertChannelRequest(dbCtx, model.ChannelRequest{ChannelID: 10, Subscriber: "bot", After: 1, Before: 200}); err != nil {
		t.Fatal(err)
	}

	delivered := make(chan struct{}, 1)
	reg.Put("bot", model.Global(), func(msgs []model.Message) error {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return nil
	}, true)
	w.Wake()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("expected Wake to cause the worker to pick up the newly-registered work")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestHandleChannelFailure_NotFoundMarksUnreachable(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	client := testchat.New()

	if err := st.UpsertChannel(ctx, model.Channel{GuildID: 1, ID: 10, Reachable: true}); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	pl := planner.New(st, reg.ActiveNames)
	w := New(st, pl, reg, client, DefaultConfig(), testLogger())

	if err := w.handleChannelFailure(ctx, 10, chatclient.ErrNotFound); err != nil {
		t.Fatalf("handleChannelFailure: %v", err)
	}

	ch, ok, err := st.GetChannel(ctx, 10)
	if err != nil || !ok {
		t.Fatalf("GetChannel: %v, ok=%v", err, ok)
	}
	if ch.Reachable {
		t.Errorf("expected channel marked unreachable after a not-found failure")
	}
}
