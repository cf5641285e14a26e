// Package worker is the backfill worker: a single long-lived goroutine
// that repeatedly asks the planner for one unit of work and executes
// it, pulling bounded history pages, invoking subscriber callbacks,
// and shrinking or deleting requests as they are satisfied. It parks
// on a self-wake channel when idle and backs off exponentially on
// repeated errors.
package worker

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/relaybot/tracker/internal/chatclient"
	"github.com/relaybot/tracker/internal/model"
	"github.com/relaybot/tracker/internal/planner"
	"github.com/relaybot/tracker/internal/registry"
	"github.com/relaybot/tracker/internal/snowflake"
	"github.com/relaybot/tracker/internal/store"
)

// Config controls the worker's page sizes and backoff schedule.
type Config struct {
	HistoryPageSize int           // default 1000
	ArchivePageSize int           // default 50
	BackoffBase     time.Duration // default 10s
	BackoffCap      time.Duration // default 10m
}

// DefaultConfig returns the configuration named in the component design.
func DefaultConfig() Config {
	return Config{
		HistoryPageSize: 1000,
		ArchivePageSize: 50,
		BackoffBase:     10 * time.Second,
		BackoffCap:      10 * time.Minute,
	}
}

// Store is the subset of *store.Store the worker needs.
type Store interface {
	planner.Store

	GetChannel(ctx context.Context, channelID snowflake.ID) (model.Channel, bool, error)
	SetChannelReachable(ctx context.Context, channelID snowflake.ID, reachable bool) error
	SetArchiveWatermark(ctx context.Context, channelID snowflake.ID, subscriber string, ts *time.Time) error
	InsertThreadRequest(ctx context.Context, r model.ThreadRequest) (int64, error)
	OverlappingChannelRequests(ctx context.Context, channelID snowflake.ID, before snowflake.ID, subscribers []string) ([]model.ChannelRequest, error)
	OverlappingThreadRequests(ctx context.Context, threadID snowflake.ID, before snowflake.ID, subscribers []string) ([]model.ThreadRequest, error)
	ShrinkChannelRequest(ctx context.Context, id int64, before snowflake.ID) error
	ShrinkThreadRequest(ctx context.Context, id int64, before snowflake.ID) error
	DeleteChannelRequest(ctx context.Context, id int64) error
	DeleteThreadRequest(ctx context.Context, id int64) error
}

var _ Store = (*store.Store)(nil)

// Worker executes planner picks.
type Worker struct {
	store    Store
	planner  *planner.Planner
	registry *registry.Registry
	client   chatclient.Client
	cfg      Config
	logger   *log.Logger

	wakeCh chan struct{}

	mu             sync.Mutex
	consecutiveErr int
}

// New returns a Worker.
func New(st Store, pl *planner.Planner, reg *registry.Registry, client chatclient.Client, cfg Config, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		store:    st,
		planner:  pl,
		registry: reg,
		client:   client,
		cfg:      cfg,
		logger:   logger,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Wake signals the worker that new work may be available, waking it
// early from a backoff sleep. Non-blocking: a pending wake coalesces.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives the planner/execute loop until ctx is canceled. A tick
// that found and executed work loops immediately (more may be queued
// behind it); a tick that found nothing to do blocks on wakeCh until a
// live event or subscribe call signals new work, rather than polling
// the planner in a tight loop.
func (w *Worker) Run(ctx context.Context) {
	for {
		didWork, err := w.tick(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			w.logger.Printf("worker: iteration failed: %v", err)
			wait := w.backoff()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-w.wakeCh:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		w.resetBackoff()

		if didWork {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wakeCh:
		}
	}
}

func (w *Worker) backoff() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutiveErr++
	d := w.cfg.BackoffBase * time.Duration(1<<uint(minInt(w.consecutiveErr-1, 20)))
	if d > w.cfg.BackoffCap {
		d = w.cfg.BackoffCap
	}
	return d
}

func (w *Worker) resetBackoff() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutiveErr = 0
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (w *Worker) activeSubscribers() []string { return w.registry.ActiveNames() }

// tick asks the planner for one unit of work and executes it. The
// returned bool reports whether a unit of work was found (KindNone
// reports false), telling Run whether to loop immediately or block
// waiting for the next wake signal.
func (w *Worker) tick(ctx context.Context) (didWork bool, err error) {
	plan, err := w.planner.Next(ctx)
	if err != nil {
		return false, err
	}

	switch plan.Kind {
	case planner.KindNone:
		return false, nil
	case planner.KindArchiveScan:
		return true, w.runArchiveScan(ctx, plan.Archive)
	case planner.KindChannelPull:
		return true, w.runChannelPull(ctx, plan.Channel)
	case planner.KindThreadPull:
		return true, w.runThreadPull(ctx, plan.Thread)
	default:
		return false, nil
	}
}

// findChatChannel resolves a watched channel id to its chatclient.Channel
// handle by locating its guild and scanning the guild's channel list.
func (w *Worker) findChatChannel(ctx context.Context, channelID snowflake.ID) (chatclient.Channel, error) {
	ch, ok, err := w.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, chatclient.ErrNotFound
	}

	guilds, err := w.client.Guilds(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range guilds {
		if g.ID() != ch.GuildID {
			continue
		}
		channels, err := g.Channels(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range channels {
			if c.ID() == channelID {
				return c, nil
			}
		}
		return nil, chatclient.ErrNotFound
	}
	return nil, chatclient.ErrGuildGone
}

// runArchiveScan executes the thread-archive-scan protocol from the
// component design.
func (w *Worker) runArchiveScan(ctx context.Context, cand *store.ArchiveScanCandidate) error {
	ch, err := w.findChatChannel(ctx, cand.ChannelID)
	if err != nil {
		return w.handleChannelFailure(ctx, cand.ChannelID, err)
	}

	var watermark time.Time
	for _, st := range cand.States {
		if st.EarliestThreadArchiveTS != nil && st.EarliestThreadArchiveTS.After(watermark) {
			watermark = *st.EarliestThreadArchiveTS
		}
	}

	it := ch.ArchivedThreads(ctx, w.cfg.ArchivePageSize, watermark)
	var page []chatclient.Thread
	for len(page) < w.cfg.ArchivePageSize {
		th, ok, err := it.Next(ctx)
		if err != nil {
			if chatclient.Classify(err) != chatclient.FailureTransient {
				return w.handleChannelFailure(ctx, cand.ChannelID, err)
			}
			return err
		}
		if !ok {
			break
		}
		page = append(page, th)
	}

	if len(page) == 0 {
		for _, st := range cand.States {
			if err := w.store.SetArchiveWatermark(ctx, cand.ChannelID, st.Subscriber, nil); err != nil {
				return err
			}
		}
		w.Wake()
		return nil
	}

	oldest := page[len(page)-1].ArchiveTimestamp()
	for _, st := range cand.States {
		if st.EarliestThreadArchiveTS == nil {
			continue
		}
		for _, th := range page {
			if !th.ArchiveTimestamp().Before(*st.EarliestThreadArchiveTS) {
				continue
			}
			if lastID, ok := th.LastMessageID(); ok {
				if _, err := w.store.InsertThreadRequest(ctx, model.ThreadRequest{
					ThreadID:   th.ID(),
					ChannelID:  cand.ChannelID,
					Subscriber: st.Subscriber,
					After:      th.ID(),
					Before:     lastID.Next(),
				}); err != nil {
					return err
				}
			}
		}
		if oldest.Before(*st.EarliestThreadArchiveTS) {
			ts := oldest
			if err := w.store.SetArchiveWatermark(ctx, cand.ChannelID, st.Subscriber, &ts); err != nil {
				return err
			}
		}
	}

	w.Wake()
	return nil
}

func (w *Worker) handleChannelFailure(ctx context.Context, channelID snowflake.ID, err error) error {
	switch chatclient.Classify(err) {
	case chatclient.FailureNotFoundOrForbidden:
		if uerr := w.store.SetChannelReachable(ctx, channelID, false); uerr != nil {
			return uerr
		}
		return nil
	case chatclient.FailureGuildGone:
		ch, ok, gerr := w.store.GetChannel(ctx, channelID)
		if gerr != nil {
			return gerr
		}
		if !ok {
			return nil
		}
		return w.store.SetChannelReachable(ctx, ch.ID, false)
	default:
		return err
	}
}

// fetchHistoryPage reads up to limit messages from it (an iterator
// already bounded to ids strictly before the pull's upper bound),
// stopping early once an id drops below minAfter.
func fetchHistoryPage(ctx context.Context, it chatclient.HistoryIterator, limit int, minAfter snowflake.ID) ([]model.Message, error) {
	page := make([]model.Message, 0, limit)
	for len(page) < limit {
		msg, ok, err := it.Next(ctx)
		if err != nil {
			return page, err
		}
		if !ok {
			break
		}
		if msg.ID < minAfter {
			break
		}
		page = append(page, msg)
	}
	return page, nil
}

// sliceFor bisects page (sorted descending by ID, as returned by a
// history pull) down to the sub-slice whose ids fall in [after,
// before), mirroring the original's index_after_msg_desc /
// index_before_msg_asc pair. It also reports whether a message older
// than after was actually found in the page — the signal that this
// request's range has been fully covered by what was just fetched.
func sliceFor(page []model.Message, after, before snowflake.ID) (slice []model.Message, foundBelowAfter bool) {
	start := sort.Search(len(page), func(i int) bool { return page[i].ID < before })
	end := sort.Search(len(page), func(i int) bool { return page[i].ID < after })
	return page[start:end], end < len(page)
}

// runChannelPull executes the channel-history-pull protocol.
func (w *Worker) runChannelPull(ctx context.Context, req *model.ChannelRequest) error {
	subs := w.activeSubscribers()
	overlapping, err := w.store.OverlappingChannelRequests(ctx, req.ChannelID, req.Before, subs)
	if err != nil {
		return err
	}
	if len(overlapping) == 0 {
		overlapping = []model.ChannelRequest{*req}
	}

	maxBefore, minAfter := overlapBounds(overlapping)

	ch, err := w.findChatChannel(ctx, req.ChannelID)
	if err != nil {
		return w.handleChannelFailure(ctx, req.ChannelID, err)
	}

	it := ch.History(ctx, w.cfg.HistoryPageSize, maxBefore)
	page, err := fetchHistoryPage(ctx, it, w.cfg.HistoryPageSize, minAfter)
	if err != nil {
		if chatclient.Classify(err) != chatclient.FailureTransient {
			return w.handleChannelFailure(ctx, req.ChannelID, err)
		}
		return err
	}
	naturalEnd := len(page) < w.cfg.HistoryPageSize

	var remembered error
	for _, r := range overlapping {
		cb, ok := w.registry.Callback(r.Subscriber)
		if !ok {
			continue
		}
		slice, foundBelowAfter := sliceFor(page, r.After, r.Before)
		satisfied := naturalEnd || foundBelowAfter || len(page) == 0

		if len(slice) > 0 {
			if err := invokeSafely(cb, slice); err != nil {
				remembered = err
				w.logger.Printf("worker: channel pull callback %q failed: %v", r.Subscriber, err)
				continue
			}
		}

		if satisfied {
			if err := w.store.DeleteChannelRequest(ctx, r.ID); err != nil {
				return err
			}
		} else if len(page) > 0 {
			oldest := page[len(page)-1].ID
			if err := w.store.ShrinkChannelRequest(ctx, r.ID, oldest); err != nil {
				return err
			}
		}
	}

	w.Wake()
	return remembered
}

// runThreadPull executes the thread-history-pull protocol; the same
// as runChannelPull except that it resolves a Thread handle instead of
// a Channel, via the client's FetchChannel lookup (named for a thread
// id per the chat-library's "threads are channels" modeling), returns
// without work when the parent channel is unreachable, and drops every
// request for the thread when that lookup reports not-found/forbidden.
func (w *Worker) runThreadPull(ctx context.Context, req *model.ThreadRequest) error {
	subs := w.activeSubscribers()
	overlapping, err := w.store.OverlappingThreadRequests(ctx, req.ThreadID, req.Before, subs)
	if err != nil {
		return err
	}
	if len(overlapping) == 0 {
		overlapping = []model.ThreadRequest{*req}
	}

	maxBefore, minAfter := overlapThreadBounds(overlapping)

	ch, err := w.store.GetChannel(ctx, req.ChannelID)
	if err != nil {
		return err
	}
	if !ch.Reachable {
		return nil
	}

	thread, err := w.client.FetchChannel(ctx, ch.GuildID, req.ThreadID)
	if err != nil {
		if chatclient.Classify(err) != chatclient.FailureTransient {
			if chatclient.Classify(err) == chatclient.FailureNotFoundOrForbidden {
				if derr := w.store.DeleteThreadRequestsForThread(ctx, req.ThreadID); derr != nil {
					return derr
				}
				return nil
			}
			return w.handleChannelFailure(ctx, req.ChannelID, err)
		}
		return err
	}

	it := thread.History(ctx, w.cfg.HistoryPageSize, maxBefore)
	page, err := fetchHistoryPage(ctx, it, w.cfg.HistoryPageSize, minAfter)
	if err != nil {
		if chatclient.Classify(err) != chatclient.FailureTransient {
			return w.handleChannelFailure(ctx, req.ChannelID, err)
		}
		return err
	}
	naturalEnd := len(page) < w.cfg.HistoryPageSize

	var remembered error
	for _, r := range overlapping {
		cb, ok := w.registry.Callback(r.Subscriber)
		if !ok {
			continue
		}
		slice, foundBelowAfter := sliceFor(page, r.After, r.Before)
		satisfied := naturalEnd || foundBelowAfter || len(page) == 0

		if len(slice) > 0 {
			if err := invokeSafely(cb, slice); err != nil {
				remembered = err
				w.logger.Printf("worker: thread pull callback %q failed: %v", r.Subscriber, err)
				continue
			}
		}

		if satisfied {
			if err := w.store.DeleteThreadRequest(ctx, r.ID); err != nil {
				return err
			}
		} else if len(page) > 0 {
			oldest := page[len(page)-1].ID
			if err := w.store.ShrinkThreadRequest(ctx, r.ID, oldest); err != nil {
				return err
			}
		}
	}

	w.Wake()
	return remembered
}

func overlapBounds(rs []model.ChannelRequest) (maxBefore, minAfter snowflake.ID) {
	maxBefore, minAfter = rs[0].Before, rs[0].After
	for _, r := range rs[1:] {
		if r.Before > maxBefore {
			maxBefore = r.Before
		}
		if r.After < minAfter {
			minAfter = r.After
		}
	}
	return
}

func overlapThreadBounds(rs []model.ThreadRequest) (maxBefore, minAfter snowflake.ID) {
	maxBefore, minAfter = rs[0].Before, rs[0].After
	for _, r := range rs[1:] {
		if r.Before > maxBefore {
			maxBefore = r.Before
		}
		if r.After < minAfter {
			minAfter = r.After
		}
	}
	return
}

func invokeSafely(cb model.Callback, msgs []model.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("worker: callback panicked")
		}
	}()
	return cb(msgs)
}
