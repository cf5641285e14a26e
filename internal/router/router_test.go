package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/registry"
	"github.com/relaybot/tracker/internal/snowflake"
)

// fakeStore is an in-memory Store double, enough to exercise the
// router's branching without a real sqlite file.
type fakeStore struct {
	mu sync.Mutex

	channels map[snowflake.ID]model.Channel
	states   map[string]model.ChannelState // key: "subscriber@channel"
	chanReqs []model.ChannelRequest
	thrReqs  []model.ThreadRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		channels: make(map[snowflake.ID]model.Channel),
		states:   make(map[string]model.ChannelState),
	}
}

func stateKey(channelID snowflake.ID, subscriber string) string {
	return fmt.Sprintf("%s@%d", subscriber, channelID)
}

func (f *fakeStore) UpsertChannel(ctx context.Context, ch model.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[ch.ID]; !ok {
		f.channels[ch.ID] = ch
	}
	return nil
}

func (f *fakeStore) SetChannelReachable(ctx context.Context, channelID snowflake.ID, reachable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := f.channels[channelID]
	ch.ID = channelID
	ch.Reachable = reachable
	f.channels[channelID] = ch
	return nil
}

func (f *fakeStore) SetGuildReachable(ctx context.Context, guildID snowflake.ID, reachable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.channels {
		if ch.GuildID == guildID {
			ch.Reachable = reachable
			f.channels[id] = ch
		}
	}
	return nil
}

func (f *fakeStore) GetChannelState(ctx context.Context, channelID snowflake.ID, subscriber string) (model.ChannelState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[stateKey(channelID, subscriber)]
	return st, ok, nil
}

func (f *fakeStore) UpsertChannelState(ctx context.Context, st model.ChannelState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[stateKey(st.ChannelID, st.Subscriber)] = st
	return nil
}

func (f *fakeStore) BumpLastMessageID(ctx context.Context, channelID snowflake.ID, subscriber string, id snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := stateKey(channelID, subscriber)
	st := f.states[k]
	if id > st.LastMessageID {
		st.LastMessageID = id
	}
	f.states[k] = st
	return nil
}

func (f *fakeStore) InsertChannelRequest(ctx context.Context, r model.ChannelRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = int64(len(f.chanReqs) + 1)
	f.chanReqs = append(f.chanReqs, r)
	return r.ID, nil
}

func (f *fakeStore) InsertThreadRequest(ctx context.Context, r model.ThreadRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = int64(len(f.thrReqs) + 1)
	f.thrReqs = append(f.thrReqs, r)
	return r.ID, nil
}

func noopWake() {}

func TestHandleMessage_Success_NoRequestInserted(t *testing.T) {
	st := newFakeStore()
	reg := registry.New()

	var delivered []model.Message
	reg.Put("watcher", model.Global(), func(msgs []model.Message) error {
		delivered = append(delivered, msgs...)
		return nil
	}, true)

	st.states[stateKey(1, "watcher")] = model.ChannelState{ChannelID: 1, Subscriber: "watcher", LastMessageID: 50}

	r := New(st, reg, noopWake, nil)
	msg := model.Message{ID: 300, ChannelID: 1}
	if err := r.HandleMessage(context.Background(), 9, 1, 0, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if len(delivered) != 1 || delivered[0].ID != 300 {
		t.Fatalf("expected single delivery of id 300, got %+v", delivered)
	}
	if len(st.chanReqs) != 0 {
		t.Fatalf("expected no request inserted on success, got %d", len(st.chanReqs))
	}
	gotState := st.states[stateKey(1, "watcher")]
	if gotState.LastMessageID != 300 {
		t.Fatalf("expected cursor bumped to 300, got %d", gotState.LastMessageID)
	}
}

func TestHandleMessage_CallbackFails_InsertsCatchupRequest(t *testing.T) {
	st := newFakeStore()
	reg := registry.New()

	reg.Put("flaky", model.Global(), func(msgs []model.Message) error {
		return errors.New("boom")
	}, true)
	st.states[stateKey(1, "flaky")] = model.ChannelState{ChannelID: 1, Subscriber: "flaky"}

	r := New(st, reg, noopWake, nil)
	msg := model.Message{ID: 500, ChannelID: 1}
	if err := r.HandleMessage(context.Background(), 9, 1, 0, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if len(st.chanReqs) != 1 {
		t.Fatalf("expected one catch-up request, got %d", len(st.chanReqs))
	}
	got := st.chanReqs[0]
	if got.After != 500 || got.Before != 501 {
		t.Fatalf("expected range [500,501), got [%d,%d)", got.After, got.Before)
	}
}

func TestHandleMessage_CallbackFails_ThreadScoped(t *testing.T) {
	st := newFakeStore()
	reg := registry.New()
	reg.Put("flaky", model.Global(), func(msgs []model.Message) error { return errors.New("boom") }, true)
	st.states[stateKey(1, "flaky")] = model.ChannelState{ChannelID: 1, Subscriber: "flaky"}

	r := New(st, reg, noopWake, nil)
	msg := model.Message{ID: 500, ChannelID: 1, ThreadID: 42}
	if err := r.HandleMessage(context.Background(), 9, 1, 42, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if len(st.thrReqs) != 1 {
		t.Fatalf("expected one thread catch-up request, got %d", len(st.thrReqs))
	}
}

func TestHandleThreadUnarchived_InsertsWhenScanPastPriorArchive(t *testing.T) {
	st := newFakeStore()
	reg := registry.New()
	reg.Put("watcher", model.Global(), func(msgs []model.Message) error { return nil }, true)

	later := time.Now()
	st.states[stateKey(1, "watcher")] = model.ChannelState{
		ChannelID: 1, Subscriber: "watcher", EarliestThreadArchiveTS: &later,
	}

	r := New(st, reg, noopWake, nil)
	prior := later.Add(-time.Hour)
	if err := r.HandleThreadUnarchived(context.Background(), 1, 77, prior); err != nil {
		t.Fatalf("HandleThreadUnarchived: %v", err)
	}
	if len(st.thrReqs) != 1 {
		t.Fatalf("expected one thread request, got %d", len(st.thrReqs))
	}
}

func TestHandleThreadUnarchived_SkipsWhenAlreadyFullyScanned(t *testing.T) {
	st := newFakeStore()
	reg := registry.New()
	reg.Put("watcher", model.Global(), func(msgs []model.Message) error { return nil }, true)

	st.states[stateKey(1, "watcher")] = model.ChannelState{
		ChannelID: 1, Subscriber: "watcher", EarliestThreadArchiveTS: nil,
	}

	r := New(st, reg, noopWake, nil)
	if err := r.HandleThreadUnarchived(context.Background(), 1, 77, time.Now()); err != nil {
		t.Fatalf("HandleThreadUnarchived: %v", err)
	}
	if len(st.thrReqs) != 0 {
		t.Fatalf("expected no thread request when archival scan is already done, got %d", len(st.thrReqs))
	}
}

func TestHandleChannelPermissionsUpdated_RestoresReachability(t *testing.T) {
	st := newFakeStore()
	st.channels[1] = model.Channel{ID: 1, Reachable: false}
	reg := registry.New()

	var woke bool
	r := New(st, reg, func() { woke = true }, nil)
	if err := r.HandleChannelPermissionsUpdated(context.Background(), 1); err != nil {
		t.Fatalf("HandleChannelPermissionsUpdated: %v", err)
	}
	if !st.channels[1].Reachable {
		t.Fatal("expected channel marked reachable")
	}
	if !woke {
		t.Fatal("expected worker wake signal")
	}
}

func TestHandleChannelDeleted_MarksUnreachable(t *testing.T) {
	st := newFakeStore()
	st.channels[1] = model.Channel{ID: 1, Reachable: true}
	r := New(st, registry.New(), noopWake, nil)

	if err := r.HandleChannelDeleted(context.Background(), 1); err != nil {
		t.Fatalf("HandleChannelDeleted: %v", err)
	}
	if st.channels[1].Reachable {
		t.Fatal("expected channel marked unreachable")
	}
}
